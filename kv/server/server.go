package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/metrics"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/storage"
	"github.com/cellkv/cellkv/kv/transaction/index"
	"github.com/cellkv/cellkv/kv/transaction/mvcc"
	"github.com/cellkv/cellkv/kv/transaction/status"
	"github.com/cellkv/cellkv/kv/transaction/tso"
	"github.com/cellkv/cellkv/kv/transaction/txn"
	"github.com/cellkv/cellkv/kv/util/worker"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Server owns the shared state of every session: the store, the commit status cache and authority, the timestamp
// allocator and the transaction machinery. Sessions run concurrently, each on its own worker.
type Server struct {
	conf        *config.Config
	storage     storage.Storage
	store       *region.RegionStore
	table       *status.Table
	alloc       *tso.Allocator
	resolver    *mvcc.Resolver
	index       *index.Index
	coordinator *txn.Coordinator

	nextID   *atomic.Uint64
	mu       sync.Mutex
	sessions map[uint64]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewServer builds a server over a started storage engine. Region cells and the status table share the engine.
func NewServer(conf *config.Config, engine storage.Storage, regions *region.Regions) *Server {
	store := region.NewRegionStore(engine, regions)
	table := status.NewTable(engine)
	alloc := tso.NewAllocator()
	idx := index.NewIndex(store, regions)
	return &Server{
		conf:        conf,
		storage:     engine,
		store:       store,
		table:       table,
		alloc:       alloc,
		resolver:    mvcc.NewResolver(store, status.NewCache(conf.StatusCacheCapacity), table, conf),
		index:       idx,
		coordinator: txn.NewCoordinator(alloc, txn.NewRegionParticipant(regions, table), idx, conf),
		nextID:      atomic.NewUint64(0),
		sessions:    make(map[uint64]*Session),
	}
}

// Recover moves the timestamp allocator past every timestamp already persisted in the engine, so a restarted
// server never hands out a timestamp that is in use.
func (s *Server) Recover(ctx context.Context) error {
	cellTs, err := s.store.MaxTs(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	statusTs, err := s.table.MaxTs(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	maxTs := cellTs
	if statusTs > maxTs {
		maxTs = statusTs
	}
	if maxTs == 0 {
		return nil
	}
	s.alloc.Observe(maxTs)
	log.Infof("timestamps resume after %d, allocated at %v", maxTs,
		time.Unix(0, tso.ExtractPhysical(maxTs)*int64(time.Millisecond)))
	return nil
}

func (s *Server) Regions() *region.Regions {
	return s.store.Regions()
}

// Open starts a session.
func (s *Server) Open(ctx context.Context) (*Session, error) {
	if err := kverr.CheckContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kverr.Protocolf("server is closed")
	}
	if len(s.sessions) >= s.conf.MaxSessions {
		return nil, kverr.Retryable(errors.Errorf("too many sessions, limit is %d", s.conf.MaxSessions))
	}
	id := s.nextID.Inc()
	sess := &Session{
		id:       id,
		server:   s,
		worker:   worker.NewWorker(fmt.Sprintf("session-%d", id), s.conf.SessionQueueSize, &s.wg),
		scanners: make(map[uint64]*mvcc.VisibleScanner),
	}
	s.sessions[id] = sess
	sess.worker.Start(sess)
	metrics.SessionGauge.Inc()
	log.Debugf("open session %d", id)
	return sess, nil
}

func (s *Server) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close closes every session, rolling back their active transactions, and waits for their workers to exit.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()
}
