package standalone_storage

import (
	"context"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/storage"
	"github.com/cellkv/cellkv/kv/util/engine_util"
	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// StandAloneStorage is an implementation of `Storage` for a single-node instance. All data is stored locally in
// one badger DB; column families are key prefixes.
type StandAloneStorage struct {
	conf *config.Engine
	db   *badger.DB
}

func NewStandAloneStorage(conf *config.Config) *StandAloneStorage {
	return &StandAloneStorage{conf: &conf.Engine}
}

func (s *StandAloneStorage) Start() error {
	db, err := engine_util.CreateDB(s.conf)
	if err != nil {
		return err
	}
	s.db = db
	log.Infof("standalone storage opened at %s", s.conf.DBPath)
	return nil
}

func (s *StandAloneStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.WithStack(err)
}

func (s *StandAloneStorage) Reader(ctx context.Context) (storage.StorageReader, error) {
	if s.db == nil {
		return nil, errors.New("standalone storage is not started")
	}
	return &badgerReader{txn: s.db.NewTransaction(false)}, nil
}

func (s *StandAloneStorage) Write(ctx context.Context, batch []storage.Modify) error {
	if s.db == nil {
		return errors.New("standalone storage is not started")
	}
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case storage.Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case storage.Delete:
			wb.DeleteCF(data.Cf, data.Key)
		}
	}
	return wb.WriteToDB(s.db)
}

// badgerReader reads from one read-only badger transaction, so it sees a snapshot of the DB.
type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	return engine_util.GetCFFromTxn(r.txn, cf, key)
}

func (r *badgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
