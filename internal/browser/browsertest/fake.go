// Package browsertest provides in-memory browsers and surfaces for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"mangavault/internal/browser"
)

// Surface is a scripted browser.Surface. EvalFunc returns a Go value that is
// round-tripped through JSON into the caller's out parameter.
type Surface struct {
	NavigateFunc func(ctx context.Context, url string) error
	EvalFunc     func(ctx context.Context, js string, args []any) (any, error)

	mu          sync.Mutex
	navigations []string
	evals       int
	closed      bool
}

func (s *Surface) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	s.navigations = append(s.navigations, url)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("target closed")
	}
	if s.NavigateFunc != nil {
		return s.NavigateFunc(ctx, url)
	}
	return ctx.Err()
}

func (s *Surface) Eval(ctx context.Context, js string, out any, args ...any) error {
	s.mu.Lock()
	s.evals++
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("target closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.EvalFunc == nil {
		return nil
	}
	v, err := s.EvalFunc(ctx, js, args)
	if err != nil || out == nil || v == nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Surface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Surface) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

func (s *Surface) Evals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

// Browser hands out surfaces built by NewSurfaceFunc, or empty ones.
type Browser struct {
	NewSurfaceFunc func(ctx context.Context) (browser.Surface, error)

	mu       sync.Mutex
	dead     bool
	closed   bool
	surfaces []browser.Surface
}

func (b *Browser) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.dead && !b.closed
}

// Crash makes the browser report itself dead.
func (b *Browser) Crash() {
	b.mu.Lock()
	b.dead = true
	b.mu.Unlock()
}

func (b *Browser) NewSurface(ctx context.Context) (browser.Surface, error) {
	b.mu.Lock()
	dead := b.dead || b.closed
	b.mu.Unlock()
	if dead {
		return nil, errors.New("websocket: close 1006 (abnormal closure)")
	}

	var (
		s   browser.Surface
		err error
	)
	if b.NewSurfaceFunc != nil {
		s, err = b.NewSurfaceFunc(ctx)
	} else {
		s = &Surface{}
	}
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.surfaces = append(b.surfaces, s)
	b.mu.Unlock()
	return s, nil
}

func (b *Browser) Surfaces() []browser.Surface {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]browser.Surface(nil), b.surfaces...)
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Launcher counts launches. Fail makes the next launches return an error.
type Launcher struct {
	Delay      time.Duration
	NewBrowser func() *Browser

	calls atomic.Int32
	mu    sync.Mutex
	fail  error
	last  *Browser
}

func (l *Launcher) Fail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	l.calls.Add(1)
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	b := &Browser{}
	if l.NewBrowser != nil {
		b = l.NewBrowser()
	}
	l.last = b
	return b, nil
}

func (l *Launcher) Calls() int { return int(l.calls.Load()) }

// Last returns the most recently launched browser.
func (l *Launcher) Last() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
