package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/cellkv/cellkv/kv/util/engine_util"
	"github.com/google/btree"
	"github.com/pingcap/errors"
)

const memBtreeDegree = 32

// MemStorage is a storage engine backed by memory. Data is not written to disk. It is used by tests and by
// deployments which do not need durability.
type MemStorage struct {
	mu  sync.RWMutex
	cfs map[string]*btree.BTree
}

func NewMemStorage() *MemStorage {
	cfs := make(map[string]*btree.BTree, len(engine_util.CFs))
	for _, cf := range engine_util.CFs {
		cfs[cf] = btree.New(memBtreeDegree)
	}
	return &MemStorage{cfs: cfs}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

// Reader returns a reader over a snapshot of the storage. Writes made after Reader returns are not visible to it.
func (s *MemStorage) Reader(ctx context.Context) (StorageReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]*btree.BTree, len(s.cfs))
	for cf, tree := range s.cfs {
		snap[cf] = tree.Clone()
	}
	return &memReader{cfs: snap}, nil
}

func (s *MemStorage) Write(ctx context.Context, batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		tree, ok := s.cfs[m.Cf()]
		if !ok {
			return errors.Errorf("mem-storage: bad CF %s", m.Cf())
		}
		switch data := m.Data.(type) {
		case Put:
			tree.ReplaceOrInsert(memItem{key: data.Key, value: data.Value})
		case Delete:
			tree.Delete(memItem{key: data.Key})
		}
	}
	return nil
}

// Len returns the number of keys in cf.
func (s *MemStorage) Len(cf string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tree, ok := s.cfs[cf]; ok {
		return tree.Len()
	}
	return -1
}

// memReader is a StorageReader which reads from a snapshot of a MemStorage.
type memReader struct {
	cfs map[string]*btree.BTree
}

func (r *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	tree, ok := r.cfs[cf]
	if !ok {
		return nil, errors.Errorf("mem-storage: bad CF %s", cf)
	}
	result := tree.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (r *memReader) IterCF(cf string) engine_util.DBIterator {
	tree, ok := r.cfs[cf]
	if !ok {
		tree = btree.New(memBtreeDegree)
	}
	it := &memIter{data: tree}
	if min := tree.Min(); min != nil {
		it.item = min.(memItem)
	}
	return it
}

func (r *memReader) Close() {}

type memIter struct {
	data *btree.BTree
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	first := true
	oldItem := it.item
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(oldItem, func(item btree.Item) bool {
		// Skip the first item, which will be it.item
		if first {
			first = false
			return true
		}

		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item btree.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) KeyCopy(dst []byte) []byte {
	return append(dst[:0], it.key...)
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) ValueSize() int {
	return len(it.value)
}

func (it memItem) ValueCopy(dst []byte) ([]byte, error) {
	return append(dst[:0], it.value...), nil
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}
