package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mangavault/pkg/models"
)

type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Invalid
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Invalid:
		return "invalid"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrManagerClosed = errors.New("browser manager closed")

// SessionInitError is a failed launch. It matches models.ErrSessionInit and unwraps to the cause.
type SessionInitError struct {
	Err error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("%v: %v", models.ErrSessionInit, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

func (e *SessionInitError) Is(target error) bool { return target == models.ErrSessionInit }

// Manager lazily launches one browser and hands out isolated surfaces from it.
// It relaunches after a crash; only one launch is ever in flight.
type Manager struct {
	launcher      Launcher
	log           *zap.Logger
	launchTimeout time.Duration

	mu       sync.Mutex
	state    State
	browser  Browser
	initDone chan struct{}
	initErr  error
	launches int
}

func NewManager(l Launcher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		launcher:      l,
		log:           logger.Named("browser"),
		launchTimeout: 90 * time.Second,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Launches returns how many launch attempts were made.
func (m *Manager) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launches
}

// EnsureReady returns a live browser, launching or relaunching it when needed.
// Callers arriving while a launch is in flight wait for its outcome.
func (m *Manager) EnsureReady(ctx context.Context) (Browser, error) {
	for {
		m.mu.Lock()
		switch m.state {
		case Closed:
			m.mu.Unlock()
			return nil, ErrManagerClosed

		case Initializing:
			done := m.initDone
			m.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			m.mu.Lock()
			state, b, initErr := m.state, m.browser, m.initErr
			m.mu.Unlock()
			if state == Ready {
				return b, nil
			}
			if initErr != nil {
				return nil, initErr
			}
			continue

		case Ready:
			b := m.browser
			m.mu.Unlock()
			if alive(b) {
				return b, nil
			}
			m.log.Warn("browser no longer valid, relaunching")
			m.Invalidate(b)
			continue
		}

		// Uninitialized or Invalid: this caller launches.
		return m.launchLocked(ctx)
	}
}

// launchLocked is entered with mu held and returns with it released.
func (m *Manager) launchLocked(ctx context.Context) (Browser, error) {
	done := make(chan struct{})
	m.state = Initializing
	m.initDone = done
	m.initErr = nil
	m.launches++
	stale := m.browser
	m.browser = nil
	m.mu.Unlock()

	if stale != nil {
		if err := stale.Close(); err != nil {
			m.log.Debug("closing stale browser", zap.Error(err))
		}
	}

	// the launch outlives the caller that happened to trigger it
	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.launchTimeout)
	defer cancel()

	start := time.Now()
	b, err := m.launcher.Launch(launchCtx)

	m.mu.Lock()
	defer func() {
		m.initDone = nil
		close(done)
		m.mu.Unlock()
	}()

	if m.state == Closed {
		if b != nil {
			_ = b.Close()
		}
		return nil, ErrManagerClosed
	}
	if err != nil {
		m.state = Invalid
		m.initErr = &SessionInitError{Err: err}
		m.log.Error("browser launch failed", zap.Error(err))
		return nil, m.initErr
	}

	m.state = Ready
	m.browser = b
	m.log.Info("browser ready", zap.Duration("startup", time.Since(start)))
	return b, nil
}

// Invalidate marks b as dead so the next EnsureReady relaunches.
// A stale handle from an older launch is ignored.
func (m *Manager) Invalidate(b Browser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Ready && m.browser == b {
		m.state = Invalid
	}
}

// NewIsolatedContext returns a fresh surface for one unit of work.
// A surface that cannot be created because the browser died triggers one relaunch.
func (m *Manager) NewIsolatedContext(ctx context.Context) (Surface, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		b, err := m.EnsureReady(ctx)
		if err != nil {
			return nil, err
		}
		s, err := b.NewSurface(ctx)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsContextLoss(err) && alive(b) {
			break
		}
		m.Invalidate(b)
	}
	return nil, fmt.Errorf("new isolated context: %w", lastErr)
}

// Teardown closes the browser. The manager cannot be reused afterwards.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	m.state = Closed
	b := m.browser
	m.browser = nil
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	m.log.Info("closing browser")
	return b.Close()
}

// alive treats any panic from the check as a dead browser.
func alive(b Browser) (ok bool) {
	if b == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return b.Alive()
}
