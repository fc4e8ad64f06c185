package txn

import (
	"context"

	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/transaction/status"
)

// Participant finishes a transaction in one region.
type Participant interface {
	// Commit makes the transaction's provisional versions in the region resolve to commitTs. Committing again
	// returns the commit recorded first.
	Commit(ctx context.Context, regionID, startTs, commitTs uint64, rows [][]byte) (CommitInfo, error)
	// Rollback marks the transaction's versions in the region as never committed.
	Rollback(ctx context.Context, regionID, startTs uint64) error
}

// RegionParticipant commits by recording the transaction's status for the region in the status table.
type RegionParticipant struct {
	regions *region.Regions
	table   *status.Table
}

func NewRegionParticipant(regions *region.Regions, table *status.Table) *RegionParticipant {
	return &RegionParticipant{regions: regions, table: table}
}

func (p *RegionParticipant) Commit(ctx context.Context, regionID, startTs, commitTs uint64, rows [][]byte) (CommitInfo, error) {
	r, err := p.regions.CheckAvailable(regionID)
	if err != nil {
		return CommitInfo{}, err
	}
	s, err := p.table.Record(ctx, r.ID, startTs, status.Committed(commitTs))
	if err != nil {
		return CommitInfo{}, storageError(err)
	}
	if !s.IsCommitted() {
		return CommitInfo{}, kverr.Protocolf("commit of %d in %s after it was rolled back", startTs, &r)
	}
	return CommitInfo{
		RegionID: regionID,
		Host:     r.Host,
		StartTs:  startTs,
		CommitTs: s.CommitTs(),
		Rows:     rows,
	}, nil
}

func (p *RegionParticipant) Rollback(ctx context.Context, regionID, startTs uint64) error {
	r, err := p.regions.CheckAvailable(regionID)
	if err != nil {
		return err
	}
	s, err := p.table.Record(ctx, r.ID, startTs, status.Invalid())
	if err != nil {
		return storageError(err)
	}
	if s.IsCommitted() {
		return kverr.Protocolf("rollback of %d in %s after it committed at %d", startTs, &r, s.CommitTs())
	}
	return nil
}

func storageError(err error) error {
	if kverr.IsCancelled(err) {
		return err
	}
	return kverr.Retryable(err)
}
