package browser

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"mangavault/pkg/models"
)

// Messages the devtools protocol uses when the page or its JS context went away.
var contextLossMarkers = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"cannot find default execution context",
	"inspected target navigated or closed",
	"session with given id not found",
	"target closed",
	"session closed",
	"protocol error",
	"use of closed network connection",
	"websocket: close",
	"broken pipe",
	"connection reset",
}

// IsContextLoss reports whether err means the surface's JS context is gone and the
// same call may succeed on a fresh context. Cancellation never counts.
func IsContextLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, models.ErrContextLost) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range contextLossMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Evaluator runs short page scripts that may race a reload.
type Evaluator struct {
	Attempts int
	Delay    time.Duration
	Log      *zap.Logger
}

func DefaultEvaluator(logger *zap.Logger) Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Evaluator{Attempts: 3, Delay: time.Second, Log: logger}
}

// SafeEval retries js on context loss. It returns ok=false with a nil error when every
// attempt lost its context, so callers can treat the value as absent and keep going.
// Other failures and cancellation are returned as errors.
func (e Evaluator) SafeEval(ctx context.Context, s Surface, js string, out any, args ...any) (bool, error) {
	attempts := e.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := s.Eval(ctx, js, out, args...)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !IsContextLoss(err) {
			return false, err
		}
		lastErr = err
		if i == attempts {
			break
		}
		log.Debug("eval lost its context, retrying", zap.Int("attempt", i), zap.Error(err))
		if err := sleepCtx(ctx, e.Delay); err != nil {
			return false, err
		}
	}
	log.Warn("eval gave up after context loss", zap.Int("attempts", attempts), zap.Error(lastErr))
	return false, nil
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
