package txn

import (
	"context"
	"sync"
	"testing"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/storage"
	"github.com/cellkv/cellkv/kv/transaction/status"
	"github.com/cellkv/cellkv/kv/transaction/tso"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUndoer struct {
	undone []string
	failOn string
}

func (u *recordingUndoer) Undo(ctx context.Context, t *Transaction, change RowChange) error {
	key := string(change.Row.Key)
	if key == u.failOn {
		u.failOn = ""
		return kverr.Retryable(errors.New("region unreachable"))
	}
	u.undone = append(u.undone, key)
	return nil
}

type builder struct {
	t           *testing.T
	regions     *region.Regions
	table       *status.Table
	undoer      *recordingUndoer
	coordinator *Coordinator
}

func newBuilder(t *testing.T) *builder {
	regions, err := region.NewRegions(
		region.Region{ID: 1, EndKey: []byte("m"), Host: "h1"},
		region.Region{ID: 2, StartKey: []byte("m"), Host: "h2"},
	)
	require.Nil(t, err)
	b := &builder{
		t:       t,
		regions: regions,
		table:   status.NewTable(storage.NewMemStorage()),
		undoer:  &recordingUndoer{},
	}
	b.coordinator = NewCoordinator(tso.NewAllocator(), NewRegionParticipant(regions, b.table), b.undoer, config.NewTestConfig())
	return b
}

func (b *builder) write(txn *Transaction, keys ...string) {
	for _, key := range keys {
		r, ok := b.regions.Locate([]byte(key))
		require.True(b.t, ok)
		txn.RecordWrite(r, txn.StartTs(), []byte(key))
		txn.Log(RowChange{Kind: Insert, Row: Row{Key: []byte(key)}})
	}
}

func (b *builder) status(regionID, startTs uint64) status.Status {
	s, err := b.table.Query(context.Background(), regionID, startTs)
	require.Nil(b.t, err)
	return s
}

func TestCommitAllRegions(t *testing.T) {
	b := newBuilder(t)
	txn := b.coordinator.Begin()
	assert.True(t, tso.IsStartTs(txn.StartTs()))
	assert.True(t, txn.IsSelfWritten(txn.StartTs()))
	b.write(txn, "a", "b", "x", "a")

	outcome, err := b.coordinator.DistributedCommit(context.Background(), txn)
	require.Nil(t, err)
	assert.True(t, outcome.Complete())
	require.Len(t, outcome.Infos, 2)
	assert.Equal(t, Committed, txn.State())

	commitTs := txn.CommitTs()
	assert.False(t, tso.IsStartTs(commitTs))
	assert.Greater(t, commitTs, txn.StartTs())
	byRegion := map[uint64]CommitInfo{}
	for _, info := range outcome.Infos {
		assert.Equal(t, commitTs, info.CommitTs)
		assert.Equal(t, txn.StartTs(), info.StartTs)
		byRegion[info.RegionID] = info
	}
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, byRegion[1].Rows)
	assert.Equal(t, [][]byte{[]byte("x")}, byRegion[2].Rows)
	assert.Equal(t, "h2", byRegion[2].Host)
	assert.Equal(t, status.Committed(commitTs), b.status(1, txn.StartTs()))
	assert.Equal(t, status.Committed(commitTs), b.status(2, txn.StartTs()))

	_, err = b.coordinator.DistributedCommit(context.Background(), txn)
	assert.True(t, kverr.IsProtocol(err))
	assert.True(t, kverr.IsProtocol(b.coordinator.Rollback(context.Background(), txn)))
}

func TestCommitWithoutWrites(t *testing.T) {
	b := newBuilder(t)
	txn := b.coordinator.Begin()
	outcome, err := b.coordinator.DistributedCommit(context.Background(), txn)
	require.Nil(t, err)
	assert.True(t, outcome.Complete())
	assert.Empty(t, outcome.Infos)
	assert.Equal(t, Committed, txn.State())
}

func TestPartialCommit(t *testing.T) {
	b := newBuilder(t)
	txn := b.coordinator.Begin()
	b.write(txn, "a", "x")
	b.regions.SetAvailable(2, false)

	outcome, err := b.coordinator.DistributedCommit(context.Background(), txn)
	require.Nil(t, err)
	assert.False(t, outcome.Complete())
	require.Len(t, outcome.Infos, 1)
	assert.Equal(t, uint64(1), outcome.Infos[0].RegionID)
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, uint64(2), outcome.Failed[0].Region.ID)
	assert.True(t, kverr.IsRetryable(outcome.Failed[0].Err))
	assert.Equal(t, Committing, txn.State())
	assert.Equal(t, status.Unknown(), b.status(2, txn.StartTs()))

	// A partially committed transaction cannot be rolled back, only committed again.
	assert.True(t, kverr.IsProtocol(b.coordinator.Rollback(context.Background(), txn)))

	commitTs := txn.CommitTs()
	b.regions.SetAvailable(2, true)
	outcome, err = b.coordinator.DistributedCommit(context.Background(), txn)
	require.Nil(t, err)
	assert.True(t, outcome.Complete())
	assert.Len(t, outcome.Infos, 2)
	assert.Equal(t, commitTs, txn.CommitTs())
	assert.Equal(t, Committed, txn.State())
	assert.Equal(t, status.Committed(commitTs), b.status(2, txn.StartTs()))
}

func TestRollback(t *testing.T) {
	b := newBuilder(t)
	txn := b.coordinator.Begin()
	b.write(txn, "a", "b", "x")

	require.Nil(t, b.coordinator.Rollback(context.Background(), txn))
	assert.Equal(t, []string{"x", "b", "a"}, b.undoer.undone)
	assert.Equal(t, RolledBack, txn.State())
	assert.Empty(t, txn.UndoLog())
	assert.Equal(t, status.Invalid(), b.status(1, txn.StartTs()))
	assert.Equal(t, status.Invalid(), b.status(2, txn.StartTs()))

	_, err := b.coordinator.DistributedCommit(context.Background(), txn)
	assert.True(t, kverr.IsProtocol(err))
}

func TestRollbackResumes(t *testing.T) {
	b := newBuilder(t)
	txn := b.coordinator.Begin()
	b.write(txn, "a", "b", "c")
	b.undoer.failOn = "b"

	err := b.coordinator.Rollback(context.Background(), txn)
	assert.True(t, kverr.IsRetryable(err))
	assert.Equal(t, RollingBack, txn.State())
	assert.Len(t, txn.UndoLog(), 2)

	require.Nil(t, b.coordinator.Rollback(context.Background(), txn))
	assert.Equal(t, []string{"c", "b", "a"}, b.undoer.undone)
	assert.Equal(t, RolledBack, txn.State())
}

func TestRollbackUnreachableRegion(t *testing.T) {
	b := newBuilder(t)
	txn := b.coordinator.Begin()
	b.write(txn, "a", "x")
	b.regions.SetAvailable(2, false)

	err := b.coordinator.Rollback(context.Background(), txn)
	assert.True(t, kverr.IsRetryable(err))
	assert.Equal(t, RollingBack, txn.State())

	b.regions.SetAvailable(2, true)
	require.Nil(t, b.coordinator.Rollback(context.Background(), txn))
	assert.Equal(t, status.Invalid(), b.status(2, txn.StartTs()))
}

func TestSavepoints(t *testing.T) {
	b := newBuilder(t)
	ctx := context.Background()
	txn := b.coordinator.Begin()
	b.write(txn, "a")
	require.Nil(t, b.coordinator.Savepoint(txn, "s1"))
	b.write(txn, "b")
	require.Nil(t, b.coordinator.Savepoint(txn, "s2"))
	b.write(txn, "c")

	require.Nil(t, b.coordinator.RollbackToSavepoint(ctx, txn, "s1"))
	assert.Equal(t, []string{"c", "b"}, b.undoer.undone)
	assert.Len(t, txn.UndoLog(), 1)
	assert.Equal(t, Active, txn.State())

	assert.True(t, kverr.IsProtocol(b.coordinator.RollbackToSavepoint(ctx, txn, "s2")))
	b.write(txn, "d")
	require.Nil(t, b.coordinator.RollbackToSavepoint(ctx, txn, "s1"))
	assert.Equal(t, []string{"c", "b", "d"}, b.undoer.undone)
}

func TestReleaseResources(t *testing.T) {
	b := newBuilder(t)
	txn := b.coordinator.Begin()
	var (
		mu       sync.Mutex
		released []int
	)
	for i := 0; i < 3; i++ {
		i := i
		txn.AddResource(func() {
			mu.Lock()
			released = append(released, i)
			mu.Unlock()
		})
	}
	txn.ReleaseResources()
	txn.ReleaseResources()
	assert.Equal(t, []int{2, 1, 0}, released)

	txn.AddResource(func() { released = append(released, 9) })
	assert.Equal(t, []int{2, 1, 0, 9}, released)
}

func TestRegionParticipant(t *testing.T) {
	b := newBuilder(t)
	ctx := context.Background()
	p := NewRegionParticipant(b.regions, b.table)

	info, err := p.Commit(ctx, 1, 11, 12, nil)
	require.Nil(t, err)
	assert.Equal(t, uint64(12), info.CommitTs)
	info, err = p.Commit(ctx, 1, 11, 14, nil)
	require.Nil(t, err)
	assert.Equal(t, uint64(12), info.CommitTs)
	assert.True(t, kverr.IsProtocol(p.Rollback(ctx, 1, 11)))

	require.Nil(t, p.Rollback(ctx, 1, 13))
	_, err = p.Commit(ctx, 1, 13, 14, nil)
	assert.True(t, kverr.IsProtocol(err))

	_, err = p.Commit(ctx, 7, 15, 16, nil)
	assert.True(t, kverr.IsRetryable(err))
}

func TestRowChangeInverse(t *testing.T) {
	row := Row{Key: []byte("r")}
	assert.Equal(t, UndoInsert, RowChange{Kind: Insert, Row: row}.Inverse().Kind)
	assert.Equal(t, UndoDelete, RowChange{Kind: Delete, Row: row}.Inverse().Kind)
	assert.Equal(t, Insert, RowChange{Kind: UndoInsert, Row: row}.Inverse().Kind)
	assert.Equal(t, Delete, RowChange{Kind: UndoDelete, Row: row}.Inverse().Kind)
}
