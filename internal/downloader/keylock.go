package downloader

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"mangavault/pkg/models"
)

// coalescer runs at most one download per chapter key. Callers arriving while one is
// in flight wait for it and share its result.
type coalescer struct {
	g singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight // chapter key -> run in progress
}

// flight is one shared run. It runs on its own context, detached from whichever
// request started it, and is cancelled once nobody is waiting for it.
type flight struct {
	leader  string
	run     func() (any, error)
	cancel  context.CancelFunc
	waiters int
}

func newCoalescer() *coalescer {
	return &coalescer{flights: make(map[string]*flight)}
}

// Do runs fn under key unless a run is already in flight. onJoin is called with the
// leader's process id before a joining caller starts waiting. A caller whose ctx ends
// stops waiting; the last one to leave cancels the run and waits for it to wind down.
func (c *coalescer) Do(ctx context.Context, key, processID string, onJoin func(leader string), fn func(ctx context.Context) (*models.ChapterResult, error)) (*models.ChapterResult, error) {
	c.mu.Lock()
	f, busy := c.flights[key]
	if !busy {
		f = c.start(ctx, key, processID, fn)
	}
	// the key stays registered with g while f is in the map, so this joins f's run
	ch := c.g.DoChan(key, f.run)
	f.waiters++
	c.mu.Unlock()

	if busy && onJoin != nil {
		onJoin(f.leader)
	}

	select {
	case r := <-ch:
		return result(r)
	case <-ctx.Done():
	}

	c.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	if last {
		c.forget(key, f)
	}
	c.mu.Unlock()

	if !last {
		return nil, ctx.Err()
	}
	f.cancel()
	return result(<-ch)
}

// start must be called with c.mu held.
func (c *coalescer) start(ctx context.Context, key, processID string, fn func(ctx context.Context) (*models.ChapterResult, error)) *flight {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{leader: processID, cancel: cancel}
	c.flights[key] = f
	f.run = func() (any, error) {
		defer cancel()
		res, err := fn(fctx)

		c.mu.Lock()
		c.forget(key, f)
		c.mu.Unlock()
		return res, err
	}
	return f
}

// forget drops f and its singleflight key together, so the next caller starts a new
// run instead of joining one that is finishing. Must be called with c.mu held.
func (c *coalescer) forget(key string, f *flight) {
	if c.flights[key] != f {
		return
	}
	delete(c.flights, key)
	c.g.Forget(key)
}

// CancelLed cancels the run led by processID, if any.
func (c *coalescer) CancelLed(processID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.flights {
		if f.leader == processID {
			f.cancel()
			return true
		}
	}
	return false
}

func (c *coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

func result(r singleflight.Result) (*models.ChapterResult, error) {
	res, _ := r.Val.(*models.ChapterResult)
	return res, r.Err
}
