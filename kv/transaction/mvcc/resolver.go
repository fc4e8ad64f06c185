// Package mvcc decides which stored version of a column a transaction sees.
//
// Versions written outside a transaction carry an even timestamp and are committed when written. Versions written by
// a transaction carry its odd start timestamp and stay provisional until the status table records the transaction's
// commit timestamp for the region holding them. A reader consults the commit status cache first and queries the
// authority at most once per unresolved transaction. When every locally fetched version of a column is invisible, the
// resolver fetches older versions of that column, asking for geometrically more versions each round.
package mvcc

import (
	"context"
	"math"
	"time"

	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/kverr"
	"github.com/cellkv/cellkv/kv/metrics"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/transaction/status"
	"github.com/cellkv/cellkv/kv/transaction/tso"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// TxnView is what the resolver needs to know about the reading transaction.
type TxnView interface {
	StartTs() uint64
	// IsSelfWritten reports whether ts is a timestamp the reading transaction wrote at.
	IsSelfWritten(ts uint64) bool
}

// Snapshot is a read-only view at a fixed start timestamp, used for reads outside a transaction.
type Snapshot uint64

func (s Snapshot) StartTs() uint64 {
	return uint64(s)
}

func (s Snapshot) IsSelfWritten(ts uint64) bool {
	return false
}

// Target names the region being read and the host serving it. Provisional versions of the region are decided by the
// region's own status record.
type Target struct {
	RegionID uint64
	Host     string
}

type Resolver struct {
	store            region.Store
	cache            *status.Cache
	authority        status.Authority
	overhead         int
	growth           int
	maxRounds        int
	authorityTimeout time.Duration
}

func NewResolver(store region.Store, cache *status.Cache, authority status.Authority, conf *config.Config) *Resolver {
	return &Resolver{
		store:            store,
		cache:            cache,
		authority:        authority,
		overhead:         conf.VersionsOverhead,
		growth:           conf.VersionsGrowthFactor,
		maxRounds:        conf.MaxResolveRounds,
		authorityTimeout: conf.AuthorityTimeout.Duration,
	}
}

// IsVisible decides whether a version written at ts is visible to txn. A version of a transaction that has not
// committed, or committed after txn started, is invisible. Only a failed authority query is an error; the cache is
// left untouched in that case.
func (r *Resolver) IsVisible(ctx context.Context, target Target, txn TxnView, ts uint64) (bool, error) {
	startTs := txn.StartTs()
	if !tso.IsStartTs(ts) {
		return ts < startTs, nil
	}
	if ts == startTs || txn.IsSelfWritten(ts) {
		return true, nil
	}
	key := status.Key{RegionID: target.RegionID, StartTs: ts}
	s := r.cache.Get(key)
	if !s.IsTerminal() {
		queried, err := r.queryAuthority(ctx, target, key)
		if err != nil {
			return false, err
		}
		s = r.cache.Set(key, queried)
	}
	return s.VisibleAt(startTs), nil
}

func (r *Resolver) queryAuthority(ctx context.Context, target Target, key status.Key) (status.Status, error) {
	if r.authorityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.authorityTimeout)
		defer cancel()
	}
	begin := time.Now()
	s, err := r.authority.Query(ctx, key.RegionID, key.StartTs)
	metrics.AuthorityQueryDuration.Observe(time.Since(begin).Seconds())
	if err != nil {
		metrics.AuthorityQueryCounter.WithLabelValues("error").Inc()
		log.Warnf("query status of %d in region %d on %s failed: %v", key.StartTs, key.RegionID, target.Host, err)
		return status.Status{}, kverr.Retryable(err)
	}
	metrics.AuthorityQueryCounter.WithLabelValues(s.Kind().String()).Inc()
	log.Debugf("status of %d in region %d on %s is %s", key.StartTs, key.RegionID, target.Host, s)
	return s, nil
}

type round struct {
	cells     []region.Cell
	requested int
}

// Resolve returns the newest visible version of every column in cells, dropping columns whose visible version is a
// tombstone. cells must be in canonical order, holding up to requested versions of each column. The result is in
// canonical order.
func (r *Resolver) Resolve(ctx context.Context, target Target, txn TxnView, cells []region.Cell, requested int) ([]region.Cell, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	if requested <= 0 {
		requested = 1
	}
	var result []region.Cell
	batch := []round{{cells: cells, requested: requested}}
	rounds := 0
	for len(batch) > 0 {
		if rounds >= r.maxRounds {
			metrics.ResolveRoundsHistogram.Observe(float64(rounds))
			log.Warnf("%d columns of region %d still unresolved after %d rounds", len(batch), target.RegionID, rounds)
			return nil, kverr.Retryable(errors.Errorf("visibility in region %d unresolved after %d rounds",
				target.RegionID, rounds))
		}
		rounds++
		if err := kverr.CheckContext(ctx); err != nil {
			return nil, err
		}
		var next []round
		for _, in := range batch {
			visible, gets, err := r.resolveRound(ctx, target, txn, in)
			if err != nil {
				return nil, err
			}
			result = append(result, visible...)
			for _, get := range gets {
				older, err := r.store.Get(ctx, target.RegionID, get)
				if err != nil {
					return nil, err
				}
				log.Debugf("fetched %d older versions of %q/%s below %d", len(older), get.Row, get.Columns[0], get.MaxTs)
				if len(older) > 0 {
					next = append(next, round{cells: older, requested: get.MaxVersions})
				}
			}
		}
		batch = next
	}
	metrics.ResolveRoundsHistogram.Observe(float64(rounds))
	region.SortCells(result)
	return result, nil
}

// resolveRound resolves the columns of one fetch. It returns the visible versions found and the follow-up fetches
// for columns that may have visible versions older than the ones fetched.
func (r *Resolver) resolveRound(ctx context.Context, target Target, txn TxnView, in round) ([]region.Cell, []region.GetRequest, error) {
	var (
		visible []region.Cell
		gets    []region.GetRequest
	)
	cells := in.cells
	for i := 0; i < len(cells); {
		j := i + 1
		for j < len(cells) && cells[j].SameColumn(&cells[i]) {
			j++
		}
		found := false
		processed := 0
		oldest := uint64(math.MaxUint64)
		for k := i; k < j; k++ {
			processed++
			ok, err := r.IsVisible(ctx, target, txn, cells[k].Ts)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				if !cells[k].IsTombstone() {
					visible = append(visible, cells[k])
				}
				found = true
				break
			}
			if cells[k].Ts < oldest {
				oldest = cells[k].Ts
			}
		}
		// A lone unresolved version always earns one more look, whatever was requested.
		if !found && oldest > 0 && (processed == in.requested || len(cells) == 1) {
			gets = append(gets, region.GetRequest{
				Row:         cells[i].Row,
				Columns:     []region.Column{cells[i].Column()},
				MaxVersions: in.requested*r.growth + r.overhead,
				MaxTs:       oldest,
			})
		}
		i = j
	}
	return visible, gets, nil
}

// directlyVisible reports whether the newest version of every column in cells is visible without consulting the
// commit status of another transaction.
func directlyVisible(txn TxnView, cells []region.Cell) bool {
	startTs := txn.StartTs()
	for i := range cells {
		if i > 0 && cells[i].SameColumn(&cells[i-1]) {
			continue
		}
		ts := cells[i].Ts
		if tso.IsStartTs(ts) {
			if ts != startTs && !txn.IsSelfWritten(ts) {
				return false
			}
		} else if ts >= startTs {
			return false
		}
	}
	return true
}

// newest keeps the first version of every column, dropping tombstones.
func newest(cells []region.Cell) []region.Cell {
	var result []region.Cell
	for i := range cells {
		if i > 0 && cells[i].SameColumn(&cells[i-1]) {
			continue
		}
		if !cells[i].IsTombstone() {
			result = append(result, cells[i])
		}
	}
	return result
}
