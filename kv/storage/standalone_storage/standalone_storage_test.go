package standalone_storage

import (
	"context"
	"io/ioutil"
	"os"
	"testing"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/storage"
	"github.com/cellkv/cellkv/kv/util/engine_util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*StandAloneStorage, func()) {
	dir, err := ioutil.TempDir("", "standalone_storage")
	require.Nil(t, err)
	conf := config.NewTestConfig()
	conf.Engine.DBPath = dir
	s := NewStandAloneStorage(conf)
	require.Nil(t, s.Start())
	return s, func() {
		s.Stop()
		os.RemoveAll(dir)
	}
}

func TestReader(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	cf := engine_util.CfCell
	batch := []storage.Modify{
		{Data: storage.Put{Key: []byte("a"), Value: []byte("x"), Cf: cf}},
		{Data: storage.Put{Key: []byte("e"), Value: []byte{}, Cf: cf}},
	}
	require.Nil(t, s.Write(ctx, batch))

	r, err := s.Reader(ctx)
	require.Nil(t, err)
	defer r.Close()
	ret, err := r.GetCF(cf, []byte("a"))
	require.Nil(t, err)
	assert.Equal(t, []byte("x"), ret)

	ret, err = r.GetCF(cf, []byte("missing"))
	require.Nil(t, err)
	assert.Nil(t, ret)

	ret, err = r.GetCF(engine_util.CfStatus, []byte("a"))
	require.Nil(t, err)
	assert.Nil(t, ret)
}

func TestIterCF(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	ctx := context.Background()
	cf := engine_util.CfCell
	batch := []storage.Modify{
		{Data: storage.Put{Key: []byte("a"), Value: []byte("x"), Cf: cf}},
		{Data: storage.Put{Key: []byte("b"), Value: []byte("y"), Cf: cf}},
		{Data: storage.Put{Key: []byte("c"), Value: []byte("z"), Cf: cf}},
	}
	require.Nil(t, s.Write(ctx, batch))
	require.Nil(t, s.Write(ctx, []storage.Modify{{Data: storage.Delete{Key: []byte("b"), Cf: cf}}}))

	r, err := s.Reader(ctx)
	require.Nil(t, err)
	defer r.Close()
	iter := r.IterCF(cf)
	defer iter.Close()
	iter.Seek([]byte("a"))
	require.True(t, iter.Valid())
	assert.Equal(t, []byte("a"), iter.Item().Key())
	iter.Next()
	require.True(t, iter.Valid())
	assert.Equal(t, []byte("c"), iter.Item().Key())
	val, err := iter.Item().Value()
	require.Nil(t, err)
	assert.Equal(t, []byte("z"), val)
	iter.Next()
	assert.False(t, iter.Valid())
}
