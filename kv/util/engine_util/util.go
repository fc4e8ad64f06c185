package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

// GetCFFromTxn returns a copy of the value of key in cf, or (nil, nil) if the key does not exist.
func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	val, err = item.ValueCopy(val)
	return val, errors.WithStack(err)
}
