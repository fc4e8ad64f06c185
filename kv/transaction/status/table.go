package status

import (
	"context"

	"github.com/cellkv/cellkv/kv/storage"
	"github.com/cellkv/cellkv/kv/transaction/latches"
	"github.com/cellkv/cellkv/kv/util/codec"
	"github.com/cellkv/cellkv/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// Table is the transaction status table. It records, per region, whether a transaction committed there and at what
// timestamp, or that it was rolled back. It is the Authority consulted on cache misses.
type Table struct {
	engine  storage.Storage
	latches *latches.Latches
}

func NewTable(engine storage.Storage) *Table {
	return &Table{engine: engine, latches: latches.NewLatches()}
}

func tableKey(regionID, startTs uint64) []byte {
	return append(codec.EncodeUint64(regionID), codec.EncodeUint64(startTs)...)
}

func encodeStatus(s Status) []byte {
	return append([]byte{byte(s.kind)}, codec.EncodeUint64(s.commitTs)...)
}

func decodeStatus(b []byte) (Status, error) {
	if len(b) != 9 {
		return Status{}, errors.Errorf("invalid status record of %d bytes", len(b))
	}
	kind := Kind(b[0])
	if kind != KindInvalid && kind != KindCommitted {
		return Status{}, errors.Errorf("invalid status kind %d", b[0])
	}
	commitTs, err := codec.DecodeUint64(b[1:])
	if err != nil {
		return Status{}, err
	}
	return Status{kind: kind, commitTs: commitTs}, nil
}

// Record stores a terminal status for the transaction in a region unless one is already recorded. It returns the
// recorded status, which differs from s when another writer got there first.
func (t *Table) Record(ctx context.Context, regionID, startTs uint64, s Status) (Status, error) {
	if !s.IsTerminal() {
		return Status{}, errors.Errorf("cannot record %s for %d in region %d", s, startTs, regionID)
	}
	key := tableKey(regionID, startTs)
	keys := [][]byte{key}
	if err := t.latches.WaitForLatches(ctx, keys); err != nil {
		return Status{}, err
	}
	defer t.latches.ReleaseLatches(keys)

	prev, err := t.get(ctx, key)
	if err != nil {
		return Status{}, err
	}
	if prev.IsTerminal() {
		return prev, nil
	}
	err = t.engine.Write(ctx, []storage.Modify{{Data: storage.Put{Key: key, Value: encodeStatus(s), Cf: engine_util.CfStatus}}})
	if err != nil {
		return Status{}, err
	}
	return s, nil
}

// Query implements Authority.
func (t *Table) Query(ctx context.Context, regionID, startTs uint64) (Status, error) {
	return t.get(ctx, tableKey(regionID, startTs))
}

func (t *Table) get(ctx context.Context, key []byte) (Status, error) {
	reader, err := t.engine.Reader(ctx)
	if err != nil {
		return Status{}, err
	}
	defer reader.Close()
	val, err := reader.GetCF(engine_util.CfStatus, key)
	if err != nil {
		return Status{}, err
	}
	if val == nil {
		return Unknown(), nil
	}
	return decodeStatus(val)
}

// MaxTs returns the greatest start or commit timestamp recorded in the table.
func (t *Table) MaxTs(ctx context.Context) (uint64, error) {
	reader, err := t.engine.Reader(ctx)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	iter := reader.IterCF(engine_util.CfStatus)
	defer iter.Close()

	var maxTs uint64
	for iter.Seek(nil); iter.Valid(); iter.Next() {
		item := iter.Item()
		key := item.Key()
		if len(key) != 16 {
			return 0, errors.Errorf("invalid status key %q", key)
		}
		startTs, err := codec.DecodeUint64(key[8:])
		if err != nil {
			return 0, err
		}
		val, err := item.Value()
		if err != nil {
			return 0, errors.WithStack(err)
		}
		s, err := decodeStatus(val)
		if err != nil {
			return 0, err
		}
		if startTs > maxTs {
			maxTs = startTs
		}
		if s.commitTs > maxTs {
			maxTs = s.commitTs
		}
	}
	return maxTs, nil
}
