// Package txn holds transactions spanning several regions and the coordinator that finishes them.
//
// There is no prepare phase. Every participating region commits independently and the start timestamp is the only
// correlation key, so a commit may be partial: regions that could not be reached keep their versions provisional,
// and readers treat them as invisible until a retried commit reaches them.
package txn

import (
	"fmt"
	"sync"

	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/region"
)

type State int

const (
	Active State = iota
	Committing
	Committed
	RollingBack
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committing:
		return "COMMITTING"
	case Committed:
		return "COMMITTED"
	case RollingBack:
		return "ROLLING_BACK"
	case RolledBack:
		return "ROLLED_BACK"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CommitInfo is the outcome of committing a transaction in one region.
type CommitInfo struct {
	RegionID uint64
	Host     string
	StartTs  uint64
	CommitTs uint64
	Rows     [][]byte
}

type participant struct {
	region region.Region
	rows   [][]byte
	seen   map[string]struct{}
}

// Transaction is the state of one transaction. It is owned by a single session and is not safe for concurrent use,
// except for ReleaseResources.
type Transaction struct {
	startTs  uint64
	commitTs uint64
	state    State

	selfWritten  map[uint64]struct{}
	participants []*participant
	undoLog      []RowChange
	savepoints   map[string]int
	commitInfos  []CommitInfo

	mu        sync.Mutex
	resources []func()
	released  bool
}

func newTransaction(startTs uint64) *Transaction {
	return &Transaction{
		startTs:     startTs,
		selfWritten: map[uint64]struct{}{startTs: {}},
		savepoints:  make(map[string]int),
	}
}

func (t *Transaction) StartTs() uint64 {
	return t.startTs
}

// CommitTs is zero until a commit has been attempted.
func (t *Transaction) CommitTs() uint64 {
	return t.commitTs
}

func (t *Transaction) State() State {
	return t.state
}

func (t *Transaction) IsSelfWritten(ts uint64) bool {
	_, ok := t.selfWritten[ts]
	return ok
}

// CheckActive returns a protocol error unless the transaction still accepts row operations.
func (t *Transaction) CheckActive() error {
	if t.state != Active {
		return kverr.Protocolf("transaction %d is %s", t.startTs, t.state)
	}
	return nil
}

// RecordWrite notes that the transaction wrote rows at ts in region r, making r a participant.
func (t *Transaction) RecordWrite(r region.Region, ts uint64, rows ...[]byte) {
	t.selfWritten[ts] = struct{}{}
	var p *participant
	for _, existing := range t.participants {
		if existing.region.ID == r.ID {
			p = existing
			break
		}
	}
	if p == nil {
		p = &participant{region: r, seen: make(map[string]struct{})}
		t.participants = append(t.participants, p)
	}
	for _, row := range rows {
		if _, ok := p.seen[string(row)]; ok {
			continue
		}
		p.seen[string(row)] = struct{}{}
		p.rows = append(p.rows, row)
	}
}

// HasWrites reports whether the transaction has written anything yet.
func (t *Transaction) HasWrites() bool {
	return len(t.participants) > 0
}

// Log appends an applied change to the undo log.
func (t *Transaction) Log(change RowChange) {
	t.undoLog = append(t.undoLog, change)
}

func (t *Transaction) UndoLog() []RowChange {
	return t.undoLog
}

func (t *Transaction) committedIn(regionID uint64) bool {
	for _, info := range t.commitInfos {
		if info.RegionID == regionID {
			return true
		}
	}
	return false
}

// AddResource registers a cleanup, such as closing a scanner, to run on ReleaseResources.
func (t *Transaction) AddResource(release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		release()
		return
	}
	t.resources = append(t.resources, release)
}

// ReleaseResources runs the registered cleanups and drops the undo log. Calling it again does nothing.
func (t *Transaction) ReleaseResources() {
	t.mu.Lock()
	resources := t.resources
	t.resources = nil
	t.released = true
	t.mu.Unlock()

	for i := len(resources) - 1; i >= 0; i-- {
		resources[i]()
	}
	t.undoLog = nil
	t.savepoints = nil
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn %d (%s)", t.startTs, t.state)
}
