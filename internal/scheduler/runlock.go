package scheduler

import (
	"sync"
	"sync/atomic"
)

// RunLock lets at most one backlog sweep run at a time. It never blocks.
type RunLock struct {
	busy atomic.Bool
}

// TryAcquire takes the lock if it is free. release is safe to call more than once.
func (l *RunLock) TryAcquire() (release func(), ok bool) {
	if !l.busy.CompareAndSwap(false, true) {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { l.busy.Store(false) }) }, true
}

func (l *RunLock) Busy() bool { return l.busy.Load() }
