package server

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/storage"
	"github.com/cellkv/cellkv/kv/storage/standalone_storage"
	"github.com/cellkv/cellkv/kv/transaction/tso"
	"github.com/cellkv/cellkv/kv/transaction/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegions(t *testing.T) *region.Regions {
	regions, err := region.NewRegions(
		region.Region{ID: 1, EndKey: []byte("m"), Host: "h1"},
		region.Region{ID: 2, StartKey: []byte("m"), Host: "h2"},
	)
	require.Nil(t, err)
	return regions
}

func newTestServer(t *testing.T) *Server {
	return NewServer(config.NewTestConfig(), storage.NewMemStorage(), testRegions(t))
}

func open(t *testing.T, s *Server) *Session {
	sess, err := s.Open(context.Background())
	require.Nil(t, err)
	return sess
}

func insert(key string, columns ...string) txn.Row {
	row := txn.Row{Key: []byte(key)}
	for i := 0; i+1 < len(columns); i += 2 {
		row.Put = append(row.Put, region.Cell{Family: []byte("f"), Qualifier: []byte(columns[i]), Value: []byte(columns[i+1])})
	}
	return row
}

func values(cells []region.Cell) map[string]string {
	result := make(map[string]string)
	for _, c := range cells {
		result[string(c.Row)+"/"+string(c.Qualifier)] = string(c.Value)
	}
	return result
}

func get(t *testing.T, sess *Session, key string) map[string]string {
	cells, err := sess.Get(context.Background(), []byte(key))
	require.Nil(t, err)
	return values(cells)
}

func TestCommitVisibility(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	writer, reader := open(t, s), open(t, s)

	_, err := writer.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, writer.Add(ctx, insert("a", "x", "1")))
	require.Nil(t, writer.Add(ctx, insert("n", "x", "2")))
	assert.Equal(t, map[string]string{"a/x": "1"}, get(t, writer, "a"))
	assert.Empty(t, get(t, reader, "a"))

	outcome, err := writer.Commit(ctx)
	require.Nil(t, err)
	assert.True(t, outcome.Complete())
	assert.Len(t, outcome.Infos, 2)

	assert.Equal(t, map[string]string{"a/x": "1"}, get(t, reader, "a"))
	assert.Equal(t, map[string]string{"n/x": "2"}, get(t, reader, "n"))

	// The session is free for the next transaction.
	_, err = writer.Begin(ctx)
	assert.Nil(t, err)
}

func TestDeleteAndConcurrentReader(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	writer, reader := open(t, s), open(t, s)

	_, err := writer.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, writer.Add(ctx, insert("a", "x", "1", "y", "2")))
	_, err = writer.Commit(ctx)
	require.Nil(t, err)

	_, err = reader.Begin(ctx)
	require.Nil(t, err)
	_, err = writer.Begin(ctx)
	require.Nil(t, err)
	prior, err := writer.Get(ctx, []byte("a"))
	require.Nil(t, err)
	require.Nil(t, writer.Remove(ctx, txn.Row{Key: []byte("a"), Prior: prior}))
	_, err = writer.Commit(ctx)
	require.Nil(t, err)

	// The reader started before the delete committed.
	assert.Equal(t, map[string]string{"a/x": "1", "a/y": "2"}, get(t, reader, "a"))
	assert.Empty(t, get(t, writer, "a"))
}

func TestPartialCommitRetry(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	writer, reader := open(t, s), open(t, s)

	_, err := writer.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, writer.Add(ctx, insert("a", "x", "1")))
	require.Nil(t, writer.Add(ctx, insert("n", "x", "2")))

	s.Regions().SetAvailable(2, false)
	outcome, err := writer.Commit(ctx)
	require.Nil(t, err)
	assert.False(t, outcome.Complete())
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, uint64(2), outcome.Failed[0].Region.ID)

	assert.Equal(t, map[string]string{"a/x": "1"}, get(t, reader, "a"))
	_, err = reader.Get(ctx, []byte("n"))
	assert.True(t, kverr.IsRetryable(err))

	s.Regions().SetAvailable(2, true)
	// Not committed in region 2 yet, so the provisional version stays invisible.
	assert.Empty(t, get(t, reader, "n"))
	outcome, err = writer.Commit(ctx)
	require.Nil(t, err)
	assert.True(t, outcome.Complete())
	assert.Equal(t, map[string]string{"n/x": "2"}, get(t, reader, "n"))
}

func TestScanner(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	writer, reader := open(t, s), open(t, s)

	_, err := writer.Begin(ctx)
	require.Nil(t, err)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.Nil(t, writer.Add(ctx, insert(key, "x", key)))
	}
	_, err = writer.Commit(ctx)
	require.Nil(t, err)

	_, err = writer.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, writer.Add(ctx, insert("bb", "x", "pending")))

	id, err := reader.OpenScanner(ctx, 1, region.ScanRequest{StartRow: []byte("b")})
	require.Nil(t, err)
	rows, more, err := reader.FetchVisible(ctx, id, 2)
	require.Nil(t, err)
	assert.True(t, more)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]string{"b/x": "b"}, values(rows[0]))

	var all []string
	for more {
		rows, more, err = reader.FetchVisible(ctx, id, 2)
		require.Nil(t, err)
		for _, row := range rows {
			all = append(all, string(row[0].Row))
		}
	}
	assert.Equal(t, []string{"c", "d", "e"}, all)
	_, _, err = reader.FetchVisible(ctx, id, 2)
	assert.True(t, kverr.IsProtocol(err))

	// The writer sees its own pending row.
	id, err = writer.OpenScanner(ctx, 1, region.ScanRequest{StartRow: []byte("b"), EndRow: []byte("c")})
	require.Nil(t, err)
	rows, more, err = writer.FetchVisible(ctx, id, 10)
	require.Nil(t, err)
	assert.False(t, more)
	assert.Len(t, rows, 2)

	id, err = writer.OpenScanner(ctx, 1, region.ScanRequest{})
	require.Nil(t, err)
	require.Nil(t, writer.Rollback(ctx))
	_, _, err = writer.FetchVisible(ctx, id, 2)
	assert.True(t, kverr.IsProtocol(err))
}

func TestSavepoints(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	sess := open(t, s)

	_, err := sess.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, sess.Add(ctx, insert("a", "x", "1")))
	require.Nil(t, sess.Savepoint(ctx, "sp"))
	require.Nil(t, sess.Add(ctx, insert("b", "x", "2")))
	require.Nil(t, sess.RollbackToSavepoint(ctx, "sp"))
	assert.Empty(t, get(t, sess, "b"))
	assert.Equal(t, map[string]string{"a/x": "1"}, get(t, sess, "a"))

	assert.True(t, kverr.IsProtocol(sess.RollbackToSavepoint(ctx, "missing")))
	outcome, err := sess.Commit(ctx)
	require.Nil(t, err)
	assert.Len(t, outcome.Infos, 1)
}

func TestRollbackAndUndo(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	sess := open(t, s)

	_, err := sess.Begin(ctx)
	require.Nil(t, err)
	row := insert("a", "x", "1")
	require.Nil(t, sess.Add(ctx, row))
	require.Nil(t, sess.Undo(ctx, row))
	assert.Empty(t, get(t, sess, "a"))
	assert.True(t, kverr.IsProtocol(sess.Undo(ctx, txn.Row{Key: []byte("a")})))

	require.Nil(t, sess.Add(ctx, insert("b", "x", "1")))
	require.Nil(t, sess.Rollback(ctx))
	assert.Empty(t, get(t, sess, "b"))
	cells, err := s.store.Get(ctx, 1, region.GetRequest{Row: []byte("b"), MaxVersions: 10})
	require.Nil(t, err)
	assert.Empty(t, cells)
}

func TestProtocolErrors(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	sess := open(t, s)

	assert.True(t, kverr.IsProtocol(sess.Add(ctx, insert("a", "x", "1"))))
	_, err := sess.Commit(ctx)
	assert.True(t, kverr.IsProtocol(err))
	assert.True(t, kverr.IsProtocol(sess.Rollback(ctx)))

	_, err = sess.Begin(ctx)
	require.Nil(t, err)
	_, err = sess.Begin(ctx)
	assert.True(t, kverr.IsProtocol(err))
	_, err = sess.OpenScanner(ctx, 9, region.ScanRequest{})
	assert.True(t, kverr.IsProtocol(err))
}

func TestCloseRollsBack(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	ctx := context.Background()
	sess := open(t, s)
	assert.Equal(t, 1, s.Sessions())

	_, err := sess.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, sess.Add(ctx, insert("a", "x", "1")))
	sess.Close()
	sess.Close()
	assert.Equal(t, 0, s.Sessions())

	cells, err := s.store.Get(ctx, 1, region.GetRequest{Row: []byte("a"), MaxVersions: 10})
	require.Nil(t, err)
	assert.Empty(t, cells)
	_, err = sess.Begin(ctx)
	assert.True(t, kverr.IsProtocol(err))
}

func TestCancel(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	sess := open(t, s)
	sess.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sess.Get(ctx, []byte("a"))
	assert.True(t, kverr.IsCancelled(err))

	_, err = sess.Get(context.Background(), []byte("a"))
	assert.Nil(t, err)
}

func TestMaxSessions(t *testing.T) {
	conf := config.NewTestConfig()
	conf.MaxSessions = 2
	s := NewServer(conf, storage.NewMemStorage(), testRegions(t))
	open(t, s)
	open(t, s)
	_, err := s.Open(context.Background())
	assert.True(t, kverr.IsRetryable(err))

	s.Close()
	assert.Equal(t, 0, s.Sessions())
	_, err = s.Open(context.Background())
	assert.True(t, kverr.IsProtocol(err))
}

func TestStandAloneServer(t *testing.T) {
	dir, err := ioutil.TempDir("", "cellkv-server")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	conf := config.NewTestConfig()
	conf.Engine.DBPath = dir
	engine := standalone_storage.NewStandAloneStorage(conf)
	require.Nil(t, engine.Start())
	defer engine.Stop()

	s := NewServer(conf, engine, testRegions(t))
	defer s.Close()
	ctx := context.Background()
	writer, reader := open(t, s), open(t, s)
	_, err = writer.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, writer.Add(ctx, insert("a", "x", "1")))
	require.Nil(t, writer.Add(ctx, insert("z", "x", "2")))
	assert.Empty(t, get(t, reader, "z"))
	_, err = writer.Commit(ctx)
	require.Nil(t, err)
	assert.Equal(t, map[string]string{"a/x": "1"}, get(t, reader, "a"))
	assert.Equal(t, map[string]string{"z/x": "2"}, get(t, reader, "z"))
}

func TestPartialCommitOnSharedHost(t *testing.T) {
	regions, err := region.NewRegions(
		region.Region{ID: 1, EndKey: []byte("m"), Host: "h"},
		region.Region{ID: 2, StartKey: []byte("m"), Host: "h"},
	)
	require.Nil(t, err)
	s := NewServer(config.NewTestConfig(), storage.NewMemStorage(), regions)
	defer s.Close()
	ctx := context.Background()
	writer, reader := open(t, s), open(t, s)

	_, err = writer.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, writer.Add(ctx, insert("a", "x", "1")))
	require.Nil(t, writer.Add(ctx, insert("n", "x", "2")))

	regions.SetAvailable(2, false)
	outcome, err := writer.Commit(ctx)
	require.Nil(t, err)
	assert.False(t, outcome.Complete())
	require.Len(t, outcome.Infos, 1)
	assert.Equal(t, uint64(1), outcome.Infos[0].RegionID)
	regions.SetAvailable(2, true)

	// Only the region that produced a CommitInfo exposes the writes.
	assert.Equal(t, map[string]string{"a/x": "1"}, get(t, reader, "a"))
	assert.Empty(t, get(t, reader, "n"))

	outcome, err = writer.Commit(ctx)
	require.Nil(t, err)
	assert.True(t, outcome.Complete())
	assert.Equal(t, map[string]string{"n/x": "2"}, get(t, reader, "n"))
}

func TestRecoverResumesTimestamps(t *testing.T) {
	ctx := context.Background()
	engine := storage.NewMemStorage()
	s := NewServer(config.NewTestConfig(), engine, testRegions(t))
	future := tso.ComposeTs(time.Now().Add(time.Hour).UnixNano()/int64(time.Millisecond), 0)
	require.Nil(t, s.store.Put(ctx, 2, []region.Cell{{Row: []byte("n"), Family: []byte("f"), Qualifier: []byte("x"), Ts: future, Value: []byte("v")}}))
	sess := open(t, s)
	_, err := sess.Begin(ctx)
	require.Nil(t, err)
	require.Nil(t, sess.Add(ctx, insert("a", "x", "1")))
	outcome, err := sess.Commit(ctx)
	require.Nil(t, err)
	require.True(t, outcome.Complete())
	s.Close()

	restarted := NewServer(config.NewTestConfig(), engine, testRegions(t))
	defer restarted.Close()
	require.Nil(t, restarted.Recover(ctx))
	startTs, err := open(t, restarted).Begin(ctx)
	require.Nil(t, err)
	assert.Greater(t, startTs, future)
	assert.Equal(t, map[string]string{"n/x": "v"}, get(t, open(t, restarted), "n"))
}
