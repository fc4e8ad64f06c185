package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

const (
	// CfCell holds every version of every cell, keyed by region and encoded cell key.
	CfCell string = "cell"
	// CfStatus holds the transaction status table.
	CfStatus string = "status"
)

var CFs [2]string = [2]string{CfCell, CfStatus}

type batchEntry struct {
	key    []byte
	value  []byte
	delete bool
}

// WriteBatch collects puts and deletes which are written to badger in one transaction. Unlike a plain badger
// entry, a put of an empty value is kept as a put, deletes are explicit.
type WriteBatch struct {
	entries []batchEntry
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, batchEntry{
		key:   KeyWithCF(cf, key),
		value: val,
	})
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, batchEntry{
		key:    KeyWithCF(cf, key),
		delete: true,
	})
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if wb.Len() == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			var err1 error
			if entry.delete {
				err1 = txn.Delete(entry.key)
			} else {
				err1 = txn.Set(entry.key, entry.value)
			}
			if err1 != nil {
				return err1
			}
		}
		return nil
	})
	return errors.WithStack(err)
}
