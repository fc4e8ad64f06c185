package server

import (
	"context"
	"sync"

	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/metrics"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/transaction/mvcc"
	"github.com/cellkv/cellkv/kv/transaction/txn"
	"github.com/cellkv/cellkv/kv/util/worker"
	"github.com/ngaut/log"
)

// Session serializes the commands of one client. Every command runs as a task on the session's worker, so the
// session's transaction and scanners are only touched from that goroutine.
type Session struct {
	id     uint64
	server *Server
	worker *worker.Worker

	// Owned by the worker goroutine.
	txn         *txn.Transaction
	scanners    map[uint64]*mvcc.VisibleScanner
	nextScanner uint64

	// sendMu guards closed and the hand-off of tasks to the worker.
	sendMu sync.Mutex
	closed bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

type result struct {
	value interface{}
	err   error
}

type task struct {
	name string
	ctx  context.Context
	run  func(ctx context.Context) (interface{}, error)
	done chan result
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) submit(ctx context.Context, name string, run func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil, kverr.Protocolf("session %d is closed", s.id)
	}
	t := &task{name: name, ctx: ctx, run: run, done: make(chan result, 1)}
	select {
	case s.worker.Sender() <- t:
	case <-ctx.Done():
		s.sendMu.Unlock()
		return nil, kverr.CheckContext(ctx)
	}
	s.sendMu.Unlock()
	r := <-t.done
	return r.value, r.err
}

// Handle implements worker.TaskHandler.
func (s *Session) Handle(t worker.Task) {
	tk := t.(*task)
	ctx, cancel := context.WithCancel(tk.ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()

	value, err := tk.run(ctx)

	s.cancelMu.Lock()
	s.cancel = nil
	s.cancelMu.Unlock()
	cancel()
	if err != nil {
		metrics.SessionTaskCounter.WithLabelValues(tk.name, "error").Inc()
		log.Debugf("session %d: %s failed: %v", s.id, tk.name, err)
	} else {
		metrics.SessionTaskCounter.WithLabelValues(tk.name, "ok").Inc()
	}
	tk.done <- result{value: value, err: err}
}

// Stop implements worker.Stopper. It rolls back an unfinished transaction and closes the scanners left open.
func (s *Session) Stop() {
	if s.txn != nil && (s.txn.State() == txn.Active || s.txn.State() == txn.RollingBack) {
		if err := s.server.coordinator.Rollback(context.Background(), s.txn); err != nil {
			log.Warnf("session %d: roll back %s on close: %v", s.id, s.txn, err)
		}
	}
	if s.txn != nil {
		s.txn.ReleaseResources()
		s.txn = nil
	}
	for id, scanner := range s.scanners {
		scanner.Close()
		delete(s.scanners, id)
	}
	metrics.SessionGauge.Dec()
	log.Debugf("session %d closed", s.id)
}

// Cancel cancels the command currently running, if any. The command fails with a cancellation error at its next
// row boundary.
func (s *Session) Cancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Close waits for queued commands, rolls back an active transaction and stops the worker. Closing twice is a no-op.
func (s *Session) Close() {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return
	}
	s.closed = true
	s.worker.Stop()
	s.sendMu.Unlock()
	<-s.worker.Done()
	s.server.forget(s.id)
}

func (s *Session) activeTxn() (*txn.Transaction, error) {
	if s.txn == nil {
		return nil, kverr.Protocolf("session %d has no transaction", s.id)
	}
	return s.txn, s.txn.CheckActive()
}

// view is what reads see: the session's transaction, or a fresh snapshot when there is none.
func (s *Session) view() mvcc.TxnView {
	if s.txn != nil && s.txn.State() == txn.Active {
		return s.txn
	}
	return mvcc.Snapshot(s.server.alloc.StartTs())
}

func (s *Session) finish() {
	s.txn.ReleaseResources()
	s.txn = nil
}

// Begin starts a transaction and returns its start timestamp.
func (s *Session) Begin(ctx context.Context) (uint64, error) {
	v, err := s.submit(ctx, "begin", func(ctx context.Context) (interface{}, error) {
		if s.txn != nil {
			return nil, kverr.Protocolf("session %d already runs %s", s.id, s.txn)
		}
		s.txn = s.server.coordinator.Begin()
		return s.txn.StartTs(), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (s *Session) Add(ctx context.Context, row txn.Row) error {
	_, err := s.submit(ctx, "add", func(ctx context.Context) (interface{}, error) {
		t, err := s.activeTxn()
		if err != nil {
			return nil, err
		}
		return nil, s.server.index.Add(ctx, t, row)
	})
	return err
}

func (s *Session) Remove(ctx context.Context, row txn.Row) error {
	_, err := s.submit(ctx, "remove", func(ctx context.Context) (interface{}, error) {
		t, err := s.activeTxn()
		if err != nil {
			return nil, err
		}
		return nil, s.server.index.Remove(ctx, t, row)
	})
	return err
}

// Undo physically removes what the transaction wrote for row.
func (s *Session) Undo(ctx context.Context, row txn.Row) error {
	_, err := s.submit(ctx, "undo", func(ctx context.Context) (interface{}, error) {
		t, err := s.activeTxn()
		if err != nil {
			return nil, err
		}
		return nil, s.server.index.UndoRemove(ctx, t, row)
	})
	return err
}

func (s *Session) target(regionID uint64) (mvcc.Target, error) {
	host := s.server.Regions().Host(regionID)
	if host == "" {
		return mvcc.Target{}, kverr.Protocolf("region %d does not exist", regionID)
	}
	return mvcc.Target{RegionID: regionID, Host: host}, nil
}

// Get reads the visible version of columns of row, or of every column when none are given.
func (s *Session) Get(ctx context.Context, row []byte, columns ...region.Column) ([]region.Cell, error) {
	v, err := s.submit(ctx, "get", func(ctx context.Context) (interface{}, error) {
		r, ok := s.server.Regions().Locate(row)
		if !ok {
			return nil, kverr.Protocolf("no region holds row %q", row)
		}
		return s.server.resolver.FetchRow(ctx, mvcc.Target{RegionID: r.ID, Host: r.Host}, s.view(), row, columns)
	})
	if err != nil {
		return nil, err
	}
	cells, _ := v.([]region.Cell)
	return cells, nil
}

// OpenScanner opens a scanner over a region and returns its id. A scanner opened inside a transaction is closed
// with it.
func (s *Session) OpenScanner(ctx context.Context, regionID uint64, req region.ScanRequest) (uint64, error) {
	v, err := s.submit(ctx, "open-scanner", func(ctx context.Context) (interface{}, error) {
		target, err := s.target(regionID)
		if err != nil {
			return nil, err
		}
		scanner, err := s.server.resolver.Scan(ctx, target, s.view(), req)
		if err != nil {
			return nil, err
		}
		s.nextScanner++
		id := s.nextScanner
		s.scanners[id] = scanner
		if s.txn != nil {
			s.txn.AddResource(func() { s.closeScanner(id) })
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (s *Session) closeScanner(id uint64) {
	if scanner, ok := s.scanners[id]; ok {
		scanner.Close()
		delete(s.scanners, id)
	}
}

// FetchVisible returns up to count visible rows from a scanner and whether more may follow. An exhausted scanner
// is closed.
func (s *Session) FetchVisible(ctx context.Context, scannerID uint64, count int) ([][]region.Cell, bool, error) {
	var more bool
	v, err := s.submit(ctx, "fetch", func(ctx context.Context) (interface{}, error) {
		scanner, ok := s.scanners[scannerID]
		if !ok {
			return nil, kverr.Protocolf("scanner %d does not exist", scannerID)
		}
		rows, hasMore, err := scanner.Next(ctx, count)
		if err != nil {
			return nil, err
		}
		if !hasMore {
			s.closeScanner(scannerID)
		}
		more = hasMore
		return rows, nil
	})
	if err != nil {
		return nil, false, err
	}
	rows, _ := v.([][]region.Cell)
	return rows, more, nil
}

func (s *Session) CloseScanner(ctx context.Context, scannerID uint64) error {
	_, err := s.submit(ctx, "close-scanner", func(ctx context.Context) (interface{}, error) {
		s.closeScanner(scannerID)
		return nil, nil
	})
	return err
}

// Commit commits the transaction in every region it wrote. When some regions could not be reached, the outcome
// lists them and the transaction stays open for another Commit.
func (s *Session) Commit(ctx context.Context) (*txn.CommitOutcome, error) {
	v, err := s.submit(ctx, "commit", func(ctx context.Context) (interface{}, error) {
		if s.txn == nil {
			return nil, kverr.Protocolf("session %d has no transaction", s.id)
		}
		outcome, err := s.server.coordinator.DistributedCommit(ctx, s.txn)
		if err != nil {
			return nil, err
		}
		if outcome.Complete() {
			s.finish()
		}
		return outcome, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*txn.CommitOutcome), nil
}

func (s *Session) Rollback(ctx context.Context) error {
	_, err := s.submit(ctx, "rollback", func(ctx context.Context) (interface{}, error) {
		if s.txn == nil {
			return nil, kverr.Protocolf("session %d has no transaction", s.id)
		}
		if err := s.server.coordinator.Rollback(ctx, s.txn); err != nil {
			return nil, err
		}
		s.finish()
		return nil, nil
	})
	return err
}

func (s *Session) Savepoint(ctx context.Context, name string) error {
	_, err := s.submit(ctx, "savepoint", func(ctx context.Context) (interface{}, error) {
		t, err := s.activeTxn()
		if err != nil {
			return nil, err
		}
		return nil, s.server.coordinator.Savepoint(t, name)
	})
	return err
}

func (s *Session) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := s.submit(ctx, "rollback-to-savepoint", func(ctx context.Context) (interface{}, error) {
		t, err := s.activeTxn()
		if err != nil {
			return nil, err
		}
		return nil, s.server.coordinator.RollbackToSavepoint(ctx, t, name)
	})
	return err
}
