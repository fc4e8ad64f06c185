package txn

import (
	"context"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/metrics"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/transaction/tso"
	"github.com/ngaut/log"
	"golang.org/x/sync/errgroup"
)

// CommitFailure names a region a commit or rollback could not reach.
type CommitFailure struct {
	Region region.Region
	Err    error
}

// CommitOutcome lists the regions a commit finished in and those it could not reach. A partial outcome is not an
// error: the transaction stays COMMITTING and may be committed again to reach the failed regions.
type CommitOutcome struct {
	Infos  []CommitInfo
	Failed []CommitFailure
}

func (o *CommitOutcome) Complete() bool {
	return len(o.Failed) == 0
}

// Coordinator starts and finishes transactions.
type Coordinator struct {
	alloc       *tso.Allocator
	participant Participant
	undoer      Undoer
	concurrency int
}

func NewCoordinator(alloc *tso.Allocator, participant Participant, undoer Undoer, conf *config.Config) *Coordinator {
	return &Coordinator{
		alloc:       alloc,
		participant: participant,
		undoer:      undoer,
		concurrency: conf.CommitConcurrency,
	}
}

func (c *Coordinator) Begin() *Transaction {
	txn := newTransaction(c.alloc.StartTs())
	log.Debugf("begin %s", txn)
	return txn
}

// DistributedCommit commits txn in every participating region that has not committed it yet. All regions share
// one commit timestamp, allocated on the first attempt.
func (c *Coordinator) DistributedCommit(ctx context.Context, txn *Transaction) (*CommitOutcome, error) {
	if txn.state != Active && txn.state != Committing {
		return nil, kverr.Protocolf("cannot commit %s", txn)
	}
	if err := kverr.CheckContext(ctx); err != nil {
		return nil, err
	}
	txn.state = Committing
	if txn.commitTs == 0 {
		txn.commitTs = c.alloc.CommitTs()
	}

	var pending []*participant
	for _, p := range txn.participants {
		if !txn.committedIn(p.region.ID) {
			pending = append(pending, p)
		}
	}
	infos := make([]CommitInfo, len(pending))
	errs := make([]error, len(pending))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, p := range pending {
		i, p := i, p
		g.Go(func() error {
			infos[i], errs[i] = c.participant.Commit(ctx, p.region.ID, txn.startTs, txn.commitTs, p.rows)
			return nil
		})
	}
	_ = g.Wait()

	outcome := &CommitOutcome{}
	for i, p := range pending {
		if errs[i] != nil {
			if kverr.IsProtocol(errs[i]) {
				metrics.CommitCounter.WithLabelValues("error").Inc()
				return nil, errs[i]
			}
			outcome.Failed = append(outcome.Failed, CommitFailure{Region: p.region, Err: errs[i]})
			continue
		}
		txn.commitInfos = append(txn.commitInfos, infos[i])
	}
	outcome.Infos = append(outcome.Infos, txn.commitInfos...)

	if !outcome.Complete() {
		metrics.CommitCounter.WithLabelValues("partial").Inc()
		for _, f := range outcome.Failed {
			log.Warnf("%s not committed in region %d: %v", txn, f.Region.ID, f.Err)
		}
		return outcome, nil
	}
	txn.state = Committed
	metrics.CommitCounter.WithLabelValues("ok").Inc()
	log.Infof("committed %s at %d in %d regions", txn, txn.commitTs, len(txn.commitInfos))
	return outcome, nil
}

// Rollback undoes every change of txn and marks it as never committed in every participating region. A failed
// rollback leaves txn ROLLING_BACK and may be repeated.
func (c *Coordinator) Rollback(ctx context.Context, txn *Transaction) error {
	if txn.state != Active && txn.state != RollingBack {
		return kverr.Protocolf("cannot roll back %s", txn)
	}
	txn.state = RollingBack
	if err := c.undoTo(ctx, txn, 0); err != nil {
		metrics.RollbackCounter.WithLabelValues("error").Inc()
		return err
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, p := range txn.participants {
		p := p
		g.Go(func() error {
			return c.participant.Rollback(ctx, p.region.ID, txn.startTs)
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RollbackCounter.WithLabelValues("error").Inc()
		log.Warnf("roll back %s: %v", txn, err)
		return err
	}
	txn.state = RolledBack
	metrics.RollbackCounter.WithLabelValues("ok").Inc()
	log.Infof("rolled back %s in %d regions", txn, len(txn.participants))
	return nil
}

// Savepoint marks the current position of txn's undo log under name, replacing an older savepoint of that name.
func (c *Coordinator) Savepoint(txn *Transaction, name string) error {
	if err := txn.CheckActive(); err != nil {
		return err
	}
	txn.savepoints[name] = len(txn.undoLog)
	return nil
}

// RollbackToSavepoint undoes the changes made after the savepoint was set. The savepoint itself survives; those set
// after it are dropped.
func (c *Coordinator) RollbackToSavepoint(ctx context.Context, txn *Transaction, name string) error {
	if err := txn.CheckActive(); err != nil {
		return err
	}
	pos, ok := txn.savepoints[name]
	if !ok {
		return kverr.Protocolf("savepoint %q does not exist", name)
	}
	if err := c.undoTo(ctx, txn, pos); err != nil {
		return err
	}
	for other, p := range txn.savepoints {
		if p > pos {
			delete(txn.savepoints, other)
		}
	}
	return nil
}

// undoTo undoes the undo log down to pos, newest first. Each undone change is dropped from the log as soon as it
// is undone, so a failed undo can be resumed.
func (c *Coordinator) undoTo(ctx context.Context, txn *Transaction, pos int) error {
	for len(txn.undoLog) > pos {
		if err := kverr.CheckContext(ctx); err != nil {
			return err
		}
		last := txn.undoLog[len(txn.undoLog)-1]
		if err := c.undoer.Undo(ctx, txn, last); err != nil {
			return err
		}
		txn.undoLog = txn.undoLog[:len(txn.undoLog)-1]
	}
	return nil
}
