// Package tso allocates the timestamps that order transactions. A timestamp is the physical time in milliseconds
// shifted left by 18 bits plus a logical counter. Transaction start timestamps are odd and commit timestamps even,
// so the parity of a version's timestamp tells whether it was written by a transaction.
package tso

import (
	"time"

	"go.uber.org/atomic"
)

const logicalBits = 18

// Allocator hands out strictly increasing timestamps. It is safe for concurrent use.
type Allocator struct {
	last *atomic.Uint64
	now  func() time.Time
}

func NewAllocator() *Allocator {
	return &Allocator{last: atomic.NewUint64(0), now: time.Now}
}

// ComposeTs builds a timestamp from a physical time in milliseconds and a logical counter.
func ComposeTs(physical int64, logical uint64) uint64 {
	return uint64(physical)<<logicalBits + logical
}

// ExtractPhysical returns the physical part of ts in milliseconds.
func ExtractPhysical(ts uint64) int64 {
	return int64(ts >> logicalBits)
}

// IsStartTs reports whether ts was allocated as a transaction start timestamp.
func IsStartTs(ts uint64) bool {
	return ts&1 == 1
}

func (a *Allocator) next(parity uint64) uint64 {
	for {
		last := a.last.Load()
		ts := ComposeTs(a.now().UnixNano()/int64(time.Millisecond), 0)
		if ts <= last {
			ts = last + 1
		}
		if ts&1 != parity {
			ts++
		}
		if a.last.CAS(last, ts) {
			return ts
		}
	}
}

// StartTs allocates an odd transaction start timestamp.
func (a *Allocator) StartTs() uint64 {
	return a.next(1)
}

// CommitTs allocates an even commit timestamp, also used for writes outside a transaction.
func (a *Allocator) CommitTs() uint64 {
	return a.next(0)
}

// Observe makes sure every later timestamp is greater than ts, e.g. after loading persisted data.
func (a *Allocator) Observe(ts uint64) {
	for {
		last := a.last.Load()
		if ts <= last || a.last.CAS(last, ts) {
			return
		}
	}
}
