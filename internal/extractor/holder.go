package extractor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mangavault/internal/browser"
	"mangavault/pkg/models"
)

// ErrRecoveryExhausted is returned once a run has used up its context recoveries.
var ErrRecoveryExhausted = fmt.Errorf("%w: recovery limit reached", models.ErrContextLost)

var errHolderClosed = errors.New("surface holder closed")

type openFunc func(ctx context.Context) (browser.Surface, int, error)

// surfaceHolder owns the surface of one run. Each replacement bumps the generation,
// so workers that saw the same loss trigger a single recovery between them.
type surfaceHolder struct {
	open    openFunc
	release func(ctx context.Context, s browser.Surface) error
	settle  time.Duration
	max     int
	log     *zap.Logger

	mu         sync.Mutex
	s          browser.Surface
	gen        int
	recoveries int
	discovered int
	err        error
	closed     bool
}

// start opens the first surface. A context loss while opening counts as a recovery.
func (h *surfaceHolder) start(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		s, n, err := h.open(ctx)
		if err == nil {
			h.s, h.discovered = s, n
			h.gen++
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !browser.IsContextLoss(err) {
			return 0, err
		}
		if h.recoveries >= h.max {
			return 0, fmt.Errorf("%w: %v", ErrRecoveryExhausted, err)
		}
		h.recoveries++
		h.log.Warn("context lost while opening reader, retrying", zap.Int("recovery", h.recoveries), zap.Error(err))
		if err := sleepCtx(ctx, h.settle); err != nil {
			return 0, err
		}
	}
}

// current returns the live surface and its generation, or the error that left the
// holder without one.
func (h *surfaceHolder) current() (browser.Surface, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, h.gen, errHolderClosed
	}
	if h.s == nil {
		if h.err != nil {
			return nil, h.gen, h.err
		}
		return nil, h.gen, ErrRecoveryExhausted
	}
	return h.s, h.gen, nil
}

// recover replaces the surface that was current at generation gen. A caller holding
// an older generation returns at once: someone else already recovered.
func (h *surfaceHolder) recover(ctx context.Context, gen int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHolderClosed
	}
	if gen != h.gen {
		return nil
	}
	if h.err != nil {
		return h.err
	}

	for {
		if h.recoveries >= h.max {
			h.closeCurrent(ctx)
			h.err = ErrRecoveryExhausted
			return h.err
		}
		h.recoveries++
		h.log.Warn("context lost, recovering", zap.Int("recovery", h.recoveries), zap.Int("generation", h.gen))
		h.closeCurrent(ctx)

		s, n, err := h.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if browser.IsContextLoss(err) {
				continue
			}
			h.err = fmt.Errorf("recover reader: %w", err)
			return h.err
		}
		if err := sleepCtx(ctx, h.settle); err != nil {
			_ = s.Close()
			return err
		}
		h.s, h.discovered = s, n
		h.gen++
		h.log.Info("recovered", zap.Int("generation", h.gen), zap.Int("discovered", n))
		return nil
	}
}

// pageCount is the discovered count reported by the current surface's setup.
func (h *surfaceHolder) pageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.discovered
}

// failure is the error that ended the run early, if any.
func (h *surfaceHolder) failure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *surfaceHolder) stats() (recoveries, generation int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recoveries, h.gen
}

func (h *surfaceHolder) close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCurrent(ctx)
	h.closed = true
}

func (h *surfaceHolder) closeCurrent(ctx context.Context) {
	if h.s == nil {
		return
	}
	// cleanup must run even when the run was cancelled
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if h.release != nil {
		if err := h.release(rctx, h.s); err != nil {
			h.log.Debug("release surface", zap.Error(err))
		}
	}
	if err := h.s.Close(); err != nil {
		h.log.Debug("close surface", zap.Error(err))
	}
	h.s = nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
