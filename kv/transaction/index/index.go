// Package index turns logical row operations into versioned cell writes.
//
// Writes of a transaction are provisional versions at its start timestamp. A delete writes tombstones instead of
// removing anything, so concurrent readers still find the versions the delete supersedes. Undo is the only path that
// physically removes versions, and only the ones the transaction itself wrote.
package index

import (
	"context"

	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/transaction/txn"
	"github.com/ngaut/log"
)

type Index struct {
	store   region.Store
	regions *region.Regions
}

func NewIndex(store region.Store, regions *region.Regions) *Index {
	return &Index{store: store, regions: regions}
}

func (idx *Index) locate(key []byte) (region.Region, error) {
	r, ok := idx.regions.Locate(key)
	if !ok {
		return region.Region{}, kverr.Protocolf("no region holds row %q", key)
	}
	return r, nil
}

// versions rewrites the columns of cells as versions of row key at ts. Values are dropped when tombstone is set.
func versions(key []byte, cells []region.Cell, ts uint64, tombstone bool) []region.Cell {
	result := make([]region.Cell, 0, len(cells))
	for _, c := range cells {
		c.Row = key
		if tombstone {
			result = append(result, c.Tombstone(ts))
		} else {
			result = append(result, c.WithTs(ts))
		}
	}
	return result
}

// Add writes row's columns as provisional versions of t.
func (idx *Index) Add(ctx context.Context, t *txn.Transaction, row txn.Row) error {
	if err := t.CheckActive(); err != nil {
		return err
	}
	if len(row.Put) == 0 {
		return kverr.Protocolf("insert of row %q without columns", row.Key)
	}
	for i := range row.Put {
		if row.Put[i].IsTombstone() {
			return kverr.Protocolf("insert of row %q with empty column %s", row.Key, row.Put[i].Column())
		}
	}
	overwritten, err := idx.write(ctx, t, row.Key, versions(row.Key, row.Put, t.StartTs(), false))
	if err != nil {
		return err
	}
	t.Log(txn.RowChange{Kind: txn.Insert, Row: row, Overwritten: overwritten})
	return nil
}

// write puts cells, all versions of t, and returns the versions of t they replaced.
func (idx *Index) write(ctx context.Context, t *txn.Transaction, key []byte, cells []region.Cell) ([]region.Cell, error) {
	r, err := idx.locate(key)
	if err != nil {
		return nil, err
	}
	if err = kverr.CheckContext(ctx); err != nil {
		return nil, err
	}
	var overwritten []region.Cell
	if t.HasWrites() {
		overwritten, err = idx.store.Get(ctx, r.ID, region.GetRequest{
			Row:         key,
			Columns:     region.DistinctColumns(cells),
			MaxVersions: 1,
			MinTs:       t.StartTs(),
			MaxTs:       t.StartTs() + 1,
		})
		if err != nil {
			return nil, err
		}
	}
	if err = idx.store.Put(ctx, r.ID, cells); err != nil {
		return nil, err
	}
	t.RecordWrite(r, t.StartTs(), key)
	return overwritten, nil
}

// Remove deletes row for t by writing a tombstone over every column in row.Prior.
func (idx *Index) Remove(ctx context.Context, t *txn.Transaction, row txn.Row) error {
	if row.ForUpdate {
		return nil
	}
	if err := t.CheckActive(); err != nil {
		return err
	}
	if len(row.Prior) == 0 {
		return kverr.Protocolf("delete of row %q without the versions it replaces", row.Key)
	}
	overwritten, err := idx.write(ctx, t, row.Key, versions(row.Key, row.Prior, t.StartTs(), true))
	if err != nil {
		return err
	}
	t.Log(txn.RowChange{Kind: txn.Delete, Row: row, Overwritten: overwritten})
	return nil
}

// UndoRemove reverts what t wrote for row: the provisional versions of an insert when row carries the inserted
// columns, otherwise the tombstones of a delete. It is a protocol error when row carries neither.
func (idx *Index) UndoRemove(ctx context.Context, t *txn.Transaction, row txn.Row) error {
	if row.ForUpdate {
		return nil
	}
	if row.Put != nil {
		return idx.undo(ctx, t, row.Key, row.Put, nil)
	}
	if row.Prior != nil {
		return idx.undo(ctx, t, row.Key, row.Prior, nil)
	}
	return kverr.Protocolf("undo of row %q with neither written nor prior versions", row.Key)
}

// undo removes t's versions of columns and puts back restore, the versions of t they had replaced.
func (idx *Index) undo(ctx context.Context, t *txn.Transaction, key []byte, columns, restore []region.Cell) error {
	if t.State() != txn.Active && t.State() != txn.RollingBack {
		return kverr.Protocolf("cannot undo in %s", t)
	}
	r, err := idx.locate(key)
	if err != nil {
		return err
	}
	if err = kverr.CheckContext(ctx); err != nil {
		return err
	}
	log.Debugf("undo %d columns of row %q for %s", len(columns), key, t)
	if err = idx.store.Delete(ctx, r.ID, versions(key, columns, t.StartTs(), true)); err != nil {
		return err
	}
	if len(restore) == 0 {
		return nil
	}
	return idx.store.Put(ctx, r.ID, restore)
}

// Apply performs change for t. Undo kinds are not logged.
func (idx *Index) Apply(ctx context.Context, t *txn.Transaction, change txn.RowChange) error {
	switch change.Kind {
	case txn.Insert:
		return idx.Add(ctx, t, change.Row)
	case txn.Delete:
		return idx.Remove(ctx, t, change.Row)
	case txn.UndoInsert:
		row := change.Row
		row.Prior = nil
		return idx.UndoRemove(ctx, t, row)
	case txn.UndoDelete:
		row := change.Row
		row.Put = nil
		return idx.UndoRemove(ctx, t, row)
	}
	return kverr.Protocolf("unknown change kind %s", change.Kind)
}

// Undo implements txn.Undoer.
func (idx *Index) Undo(ctx context.Context, t *txn.Transaction, change txn.RowChange) error {
	switch change.Kind {
	case txn.Insert:
		return idx.undo(ctx, t, change.Row.Key, change.Row.Put, change.Overwritten)
	case txn.Delete:
		if change.Row.ForUpdate {
			return nil
		}
		return idx.undo(ctx, t, change.Row.Key, change.Row.Prior, change.Overwritten)
	}
	return idx.Apply(ctx, t, change.Inverse())
}
