package mvcc

import (
	"context"

	"github.com/cellkv/cellkv/kv/region"
)

// FetchRow reads the visible version of the given columns of row, or of every column when none are given.
func (r *Resolver) FetchRow(ctx context.Context, target Target, txn TxnView, row []byte, columns []region.Column) ([]region.Cell, error) {
	cells, err := r.store.Get(ctx, target.RegionID, region.GetRequest{Row: row, Columns: columns, MaxVersions: 1})
	if err != nil {
		return nil, err
	}
	if directlyVisible(txn, cells) {
		return newest(cells), nil
	}
	return r.Resolve(ctx, target, txn, cells, 1)
}

// FetchVisible pulls up to count rows from scanner and resolves each of them. versions is the number of versions
// per column the scanner was opened with. Rows with no visible column are dropped, so fewer than count rows may be
// returned while more is true.
func (r *Resolver) FetchVisible(ctx context.Context, target Target, txn TxnView, scanner region.Scanner, versions, count int) ([][]region.Cell, bool, error) {
	rows, more, err := scanner.Next(ctx, count)
	if err != nil {
		return nil, false, err
	}
	result := make([][]region.Cell, 0, len(rows))
	for _, cells := range rows {
		var visible []region.Cell
		if directlyVisible(txn, cells) {
			visible = newest(cells)
		} else if visible, err = r.Resolve(ctx, target, txn, cells, versions); err != nil {
			return nil, false, err
		}
		if len(visible) > 0 {
			result = append(result, visible)
		}
	}
	return result, more, nil
}

// VisibleScanner is a region scanner whose rows hold only what one transaction sees.
type VisibleScanner struct {
	resolver *Resolver
	target   Target
	txn      TxnView
	inner    region.Scanner
	versions int
}

// Scan opens a scanner over the region named by target.
func (r *Resolver) Scan(ctx context.Context, target Target, txn TxnView, req region.ScanRequest) (*VisibleScanner, error) {
	if req.MaxVersions <= 0 {
		req.MaxVersions = 1
	}
	inner, err := r.store.Scan(ctx, target.RegionID, req)
	if err != nil {
		return nil, err
	}
	return &VisibleScanner{resolver: r, target: target, txn: txn, inner: inner, versions: req.MaxVersions}, nil
}

func (s *VisibleScanner) Next(ctx context.Context, count int) ([][]region.Cell, bool, error) {
	return s.resolver.FetchVisible(ctx, s.target, s.txn, s.inner, s.versions, count)
}

func (s *VisibleScanner) Close() {
	s.inner.Close()
}
