package region

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/google/btree"
	"github.com/pingcap/errors"
)

// Region is a partition of the row key space, [StartKey, EndKey). An empty EndKey means the region extends to the
// end of the key space. Host names the server owning the region; it addresses the commit status authority.
type Region struct {
	ID       uint64
	StartKey []byte
	EndKey   []byte
	Host     string
}

// Contains reports whether row falls into the region's range.
func (r *Region) Contains(row []byte) bool {
	return bytes.Compare(row, r.StartKey) >= 0 && (len(r.EndKey) == 0 || bytes.Compare(row, r.EndKey) < 0)
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d [%q, %q) on %s", r.ID, r.StartKey, r.EndKey, r.Host)
}

type regionItem struct {
	region    Region
	available bool
}

func (r *regionItem) Less(other btree.Item) bool {
	return bytes.Compare(r.region.StartKey, other.(*regionItem).region.StartKey) < 0
}

// Regions is the registry of known regions. It answers which region holds a row and whether a region can currently
// be reached.
type Regions struct {
	mu   sync.RWMutex
	byID map[uint64]*regionItem
	tree *btree.BTree
}

func NewRegions(regions ...Region) (*Regions, error) {
	rs := &Regions{
		byID: make(map[uint64]*regionItem),
		tree: btree.New(8),
	}
	for _, r := range regions {
		if err := rs.Add(r); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Add registers a region. Regions may not overlap.
func (rs *Regions) Add(r Region) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.byID[r.ID]; ok {
		return errors.Errorf("region %d already exists", r.ID)
	}
	var overlap *Region
	rs.tree.Ascend(func(i btree.Item) bool {
		other := &i.(*regionItem).region
		if (len(r.EndKey) == 0 || bytes.Compare(other.StartKey, r.EndKey) < 0) &&
			(len(other.EndKey) == 0 || bytes.Compare(r.StartKey, other.EndKey) < 0) {
			overlap = other
			return false
		}
		return true
	})
	if overlap != nil {
		return errors.Errorf("%s overlaps %s", &r, overlap)
	}
	item := &regionItem{region: r, available: true}
	rs.byID[r.ID] = item
	rs.tree.ReplaceOrInsert(item)
	return nil
}

func (rs *Regions) Get(id uint64) (Region, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	item, ok := rs.byID[id]
	if !ok {
		return Region{}, false
	}
	return item.region, true
}

// Host returns the host serving region id, or "" for an unknown region.
func (rs *Regions) Host(id uint64) string {
	r, _ := rs.Get(id)
	return r.Host
}

// Locate returns the region whose range contains row.
func (rs *Regions) Locate(row []byte) (Region, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var found *regionItem
	rs.tree.DescendLessOrEqual(&regionItem{region: Region{StartKey: row}}, func(i btree.Item) bool {
		found = i.(*regionItem)
		return false
	})
	if found == nil || !found.region.Contains(row) {
		return Region{}, false
	}
	return found.region, true
}

// SetAvailable marks a region reachable or unreachable.
func (rs *Regions) SetAvailable(id uint64, available bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if item, ok := rs.byID[id]; ok {
		item.available = available
	}
}

// CheckAvailable returns the region if it is known and reachable, or an ErrRegionUnavailable.
func (rs *Regions) CheckAvailable(id uint64) (Region, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	item, ok := rs.byID[id]
	if !ok || !item.available {
		return Region{}, errors.WithStack(&kverr.ErrRegionUnavailable{RegionID: id})
	}
	return item.region, nil
}

// All returns every registered region ordered by start key.
func (rs *Regions) All() []Region {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	regions := make([]Region, 0, rs.tree.Len())
	rs.tree.Ascend(func(i btree.Item) bool {
		regions = append(regions, i.(*regionItem).region)
		return true
	})
	return regions
}
