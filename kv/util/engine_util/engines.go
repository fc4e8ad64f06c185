package engine_util

import (
	"os"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// CreateDB opens (creating if needed) the badger DB described by conf.
func CreateDB(conf *config.Engine) (*badger.DB, error) {
	maxTableSize, err := conf.MaxTableBytes()
	if err != nil {
		return nil, errors.Trace(err)
	}
	vlogFileSize, err := conf.VlogFileBytes()
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = conf.DBPath
	opts.ValueDir = conf.DBPath
	opts.ValueThreshold = conf.ValueThreshold
	opts.MaxTableSize = maxTableSize
	opts.ValueLogFileSize = vlogFileSize
	opts.SyncWrites = conf.SyncWrite
	if conf.NumCompactors > 0 {
		opts.NumCompactors = conf.NumCompactors
	}
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}
