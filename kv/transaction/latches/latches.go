package latches

import (
	"context"
	"sync"

	"github.com/cellkv/cellkv/kv/kverr"
)

// Latches serialize writers of the same keys. The status table latches the record of a transaction in a region
// while it checks for an earlier record and writes its own, so a commit and a rollback of the same transaction cannot
// both be recorded. A call may latch several keys at once.
//
// A latch group is the set of keys acquired by one call. Waiters block on the group's channel, which is closed when
// the group is released. The map is guarded by one mutex, so acquisition is atomic across all keys of a call.
type Latches struct {
	latchMap   map[string]chan struct{}
	latchGuard sync.Mutex
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]chan struct{})}
}

// AcquireLatches locks every key in keysToLatch, or none of them. When a key is already latched it returns the
// channel the caller can wait on; otherwise it returns nil.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) <-chan struct{} {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if ch, ok := l.latchMap[string(key)]; ok {
			return ch
		}
	}

	ch := make(chan struct{})
	for _, key := range keysToLatch {
		l.latchMap[string(key)] = ch
	}
	return nil
}

// ReleaseLatches releases keys locked together by one AcquireLatches call and wakes their waiters.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	var group chan struct{}
	for _, key := range keysToUnlatch {
		ch, ok := l.latchMap[string(key)]
		if !ok {
			continue
		}
		if group == nil {
			group = ch
		}
		if ch == group {
			delete(l.latchMap, string(key))
		}
	}
	if group != nil {
		close(group)
	}
}

// WaitForLatches acquires keysToLatch, waiting for conflicting groups to be released. It gives up when ctx is done.
func (l *Latches) WaitForLatches(ctx context.Context, keysToLatch [][]byte) error {
	for {
		ch := l.AcquireLatches(keysToLatch)
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return kverr.CheckContext(ctx)
		}
	}
}
