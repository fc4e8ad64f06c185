package storage

import (
	"context"

	"github.com/cellkv/cellkv/kv/util/engine_util"
)

// Storage represents the engine which holds every region's cells and the transaction status table. Modifications
// are applied atomically as a batch and a reader sees a consistent snapshot of the engine.
type Storage interface {
	Start() error
	Stop() error
	Write(ctx context.Context, batch []Modify) error
	Reader(ctx context.Context) (StorageReader, error)
}

type StorageReader interface {
	// When the key doesn't exist, return nil for the value
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) engine_util.DBIterator
	Close()
}
