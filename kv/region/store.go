package region

import (
	"bytes"
	"context"

	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/storage"
	"github.com/cellkv/cellkv/kv/util/codec"
	"github.com/cellkv/cellkv/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// GetRequest reads versions of one row. An empty Columns list selects every column of the row. Only versions with
// MinTs <= ts < MaxTs are returned; a zero MaxTs means no upper bound. At most MaxVersions versions are returned per
// column, newest first; a non-positive MaxVersions means one.
type GetRequest struct {
	Row         []byte
	Columns     []Column
	MaxVersions int
	MinTs       uint64
	MaxTs       uint64
}

// ScanRequest reads rows in [StartRow, EndRow) of one region. The range is clamped to the region. An empty EndRow
// scans to the end of the region.
type ScanRequest struct {
	StartRow    []byte
	EndRow      []byte
	MaxVersions int
}

// Scanner yields the raw versions of consecutive rows.
type Scanner interface {
	// Next returns up to count rows, each a slice of cells in canonical order, and whether more rows may follow.
	Next(ctx context.Context, count int) ([][]Cell, bool, error)
	Close()
}

// Store is the region-partitioned versioned cell store. Every operation names the region it addresses and fails
// with ErrRegionUnavailable when that region cannot be reached.
type Store interface {
	Put(ctx context.Context, regionID uint64, cells []Cell) error
	// Delete physically removes the exact versions named by cells. Values are ignored.
	Delete(ctx context.Context, regionID uint64, cells []Cell) error
	Get(ctx context.Context, regionID uint64, req GetRequest) ([]Cell, error)
	Scan(ctx context.Context, regionID uint64, req ScanRequest) (Scanner, error)
}

// RegionStore keeps the cells of every region in one storage engine, under keys prefixed by the region id.
type RegionStore struct {
	engine  storage.Storage
	regions *Regions
}

func NewRegionStore(engine storage.Storage, regions *Regions) *RegionStore {
	return &RegionStore{engine: engine, regions: regions}
}

func (s *RegionStore) Regions() *Regions {
	return s.regions
}

func cellKey(regionID uint64, c *Cell) []byte {
	return append(codec.EncodeUint64(regionID), codec.EncodeCellKey(c.Row, c.Family, c.Qualifier, c.Ts)...)
}

func checkRows(r *Region, cells []Cell) error {
	for i := range cells {
		if !r.Contains(cells[i].Row) {
			return kverr.Protocolf("row %q does not belong to %s", cells[i].Row, r)
		}
	}
	return nil
}

func (s *RegionStore) Put(ctx context.Context, regionID uint64, cells []Cell) error {
	r, err := s.regions.CheckAvailable(regionID)
	if err != nil {
		return err
	}
	if err = checkRows(&r, cells); err != nil {
		return err
	}
	batch := make([]storage.Modify, 0, len(cells))
	for i := range cells {
		batch = append(batch, storage.Modify{Data: storage.Put{
			Key:   cellKey(regionID, &cells[i]),
			Value: cells[i].Value,
			Cf:    engine_util.CfCell,
		}})
	}
	return s.engine.Write(ctx, batch)
}

func (s *RegionStore) Delete(ctx context.Context, regionID uint64, cells []Cell) error {
	r, err := s.regions.CheckAvailable(regionID)
	if err != nil {
		return err
	}
	if err = checkRows(&r, cells); err != nil {
		return err
	}
	batch := make([]storage.Modify, 0, len(cells))
	for i := range cells {
		batch = append(batch, storage.Modify{Data: storage.Delete{
			Key: cellKey(regionID, &cells[i]),
			Cf:  engine_util.CfCell,
		}})
	}
	return s.engine.Write(ctx, batch)
}

func (s *RegionStore) Get(ctx context.Context, regionID uint64, req GetRequest) ([]Cell, error) {
	if _, err := s.regions.CheckAvailable(regionID); err != nil {
		return nil, err
	}
	if err := kverr.CheckContext(ctx); err != nil {
		return nil, err
	}
	reader, err := s.engine.Reader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	iter := reader.IterCF(engine_util.CfCell)
	defer iter.Close()

	regionPrefix := codec.EncodeUint64(regionID)
	filter := versionFilter{maxVersions: req.MaxVersions, minTs: req.MinTs, maxTs: req.MaxTs}
	if len(req.Columns) == 0 {
		return filter.collect(iter, append(regionPrefix, codec.EncodeRowPrefix(req.Row)...), len(regionPrefix))
	}
	var cells []Cell
	for _, col := range req.Columns {
		prefix := append(codec.EncodeUint64(regionID), codec.EncodeColumnPrefix(req.Row, col.Family, col.Qualifier)...)
		versions, err := filter.collect(iter, prefix, len(regionPrefix))
		if err != nil {
			return nil, err
		}
		cells = append(cells, versions...)
	}
	SortCells(cells)
	return cells, nil
}

// MaxTs returns the greatest timestamp of any stored version in any region, or 0 for an empty store.
func (s *RegionStore) MaxTs(ctx context.Context) (uint64, error) {
	reader, err := s.engine.Reader(ctx)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	iter := reader.IterCF(engine_util.CfCell)
	defer iter.Close()

	var maxTs uint64
	for iter.Seek(nil); iter.Valid(); iter.Next() {
		cell, err := decodeCell(iter.Item(), 8)
		if err != nil {
			return 0, err
		}
		if cell.Ts > maxTs {
			maxTs = cell.Ts
		}
	}
	return maxTs, nil
}

type versionFilter struct {
	maxVersions int
	minTs       uint64
	maxTs       uint64
}

func (f *versionFilter) limit() int {
	if f.maxVersions <= 0 {
		return 1
	}
	return f.maxVersions
}

func (f *versionFilter) accept(ts uint64) bool {
	return ts >= f.minTs && (f.maxTs == 0 || ts < f.maxTs)
}

// collect reads every version under prefix, keeping at most the filter's limit per column.
func (f *versionFilter) collect(iter engine_util.DBIterator, prefix []byte, skip int) ([]Cell, error) {
	var (
		cells []Cell
		count int
	)
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		item := iter.Item()
		if !bytes.HasPrefix(item.Key(), prefix) {
			break
		}
		cell, err := decodeCell(item, skip)
		if err != nil {
			return nil, err
		}
		if len(cells) == 0 || !cells[len(cells)-1].SameColumn(&cell) {
			count = 0
		}
		if !f.accept(cell.Ts) || count >= f.limit() {
			continue
		}
		count++
		cells = append(cells, cell)
	}
	return cells, nil
}

func decodeCell(item engine_util.DBItem, skip int) (Cell, error) {
	key := item.Key()
	if len(key) < skip {
		return Cell{}, errors.Errorf("invalid cell key %q", key)
	}
	row, family, qualifier, ts, err := codec.DecodeCellKey(key[skip:])
	if err != nil {
		return Cell{}, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return Cell{}, err
	}
	return Cell{Row: row, Family: family, Qualifier: qualifier, Ts: ts, Value: value}, nil
}

func (s *RegionStore) Scan(ctx context.Context, regionID uint64, req ScanRequest) (Scanner, error) {
	r, err := s.regions.CheckAvailable(regionID)
	if err != nil {
		return nil, err
	}
	reader, err := s.engine.Reader(ctx)
	if err != nil {
		return nil, err
	}
	regionPrefix := codec.EncodeUint64(regionID)
	start := req.StartRow
	if bytes.Compare(start, r.StartKey) < 0 {
		start = r.StartKey
	}
	end := req.EndRow
	if len(r.EndKey) != 0 && (len(end) == 0 || bytes.Compare(end, r.EndKey) > 0) {
		end = r.EndKey
	}
	scanner := &regionScanner{
		regions:      s.regions,
		regionID:     regionID,
		reader:       reader,
		iter:         reader.IterCF(engine_util.CfCell),
		regionPrefix: regionPrefix,
		filter:       versionFilter{maxVersions: req.MaxVersions},
	}
	if len(end) != 0 {
		scanner.endKey = append(codec.EncodeUint64(regionID), codec.EncodeRowPrefix(end)...)
	}
	scanner.iter.Seek(append(codec.EncodeUint64(regionID), codec.EncodeRowPrefix(start)...))
	return scanner, nil
}

type regionScanner struct {
	regions      *Regions
	regionID     uint64
	reader       storage.StorageReader
	iter         engine_util.DBIterator
	regionPrefix []byte
	endKey       []byte
	filter       versionFilter
	closed       bool
}

func (s *regionScanner) valid() bool {
	if !s.iter.Valid() {
		return false
	}
	key := s.iter.Item().Key()
	if !bytes.HasPrefix(key, s.regionPrefix) {
		return false
	}
	return s.endKey == nil || bytes.Compare(key, s.endKey) < 0
}

func (s *regionScanner) Next(ctx context.Context, count int) ([][]Cell, bool, error) {
	if s.closed {
		return nil, false, errors.New("scanner is closed")
	}
	if _, err := s.regions.CheckAvailable(s.regionID); err != nil {
		return nil, false, err
	}
	var rows [][]Cell
	for len(rows) < count && s.valid() {
		if err := kverr.CheckContext(ctx); err != nil {
			return nil, false, err
		}
		row, _, _, _, err := codec.DecodeCellKey(s.iter.Item().Key()[len(s.regionPrefix):])
		if err != nil {
			return nil, false, err
		}
		rowPrefix := append(codec.EncodeUint64(s.regionID), codec.EncodeRowPrefix(row)...)
		cells, err := s.filter.collect(s.iter, rowPrefix, len(s.regionPrefix))
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, cells)
	}
	return rows, s.valid(), nil
}

func (s *regionScanner) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.iter.Close()
	s.reader.Close()
}
