package extractor

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"mangavault/internal/browser"
	"mangavault/pkg/models"
)

// fetchItem renders one page with up to ItemAttempts attempts. Failures stay inside
// the returned result.
func (p *Pipeline) fetchItem(ctx context.Context, h *surfaceHolder, index int, headers map[string]string) models.ImageResult {
	res := models.ImageResult{Index: index}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.ItemAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		s, gen, err := h.current()
		if err != nil {
			lastErr = err
			break
		}

		data, order, err := p.attempt(ctx, s, index, headers)
		if err == nil {
			res.Data, res.PageOrder = data, order
			return res
		}
		lastErr = err

		if ctx.Err() == nil && browser.IsContextLoss(err) {
			p.log.Warn("page lost its context", zap.Int("page", index+1), zap.Int("attempt", attempt), zap.Error(err))
			if rerr := h.recover(ctx, gen); rerr != nil {
				lastErr = rerr
				break
			}
			continue
		}

		p.log.Warn("page attempt failed", zap.Int("page", index+1), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < p.cfg.ItemAttempts {
			if err := sleepCtx(ctx, time.Duration(attempt)*p.cfg.ItemBackoff); err != nil {
				lastErr = err
				break
			}
		}
	}

	res.Err = asItemError(index, lastErr).Error()
	p.log.Error("page failed", zap.Int("page", index+1), zap.String("error", res.Err))
	return res
}

// attempt runs the three binding steps under one deadline.
func (p *Pipeline) attempt(ctx context.Context, s browser.Surface, index int, headers map[string]string) ([]byte, *int, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	data, order, err := func() ([]byte, *int, error) {
		src, err := p.binding.ReadBoundImageSource(actx, s, index)
		if err != nil {
			return nil, nil, err
		}
		if err := p.binding.FetchSource(actx, s, index, src, headers); err != nil {
			return nil, nil, err
		}
		r, err := p.binding.TriggerRedraw(actx, s, index, p.cfg.ItemTimeout)
		if err != nil {
			return nil, nil, err
		}
		b, err := decodeDataURL(r.DataURL)
		if err != nil {
			return nil, nil, &models.ItemError{Index: index, Kind: models.ErrItemEncode, Msg: err.Error()}
		}
		return b, r.PageOrder, nil
	}()

	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, nil, &models.ItemError{Index: index, Kind: models.ErrItemRenderTimeout, Msg: "attempt deadline exceeded"}
	}
	return data, order, err
}

func asItemError(index int, err error) *models.ItemError {
	var ie *models.ItemError
	if errors.As(err, &ie) {
		return ie
	}
	if errors.Is(err, models.ErrContextLost) {
		// keep only the detail around the sentinel text
		msg := strings.TrimPrefix(err.Error(), models.ErrContextLost.Error())
		msg = strings.TrimSuffix(msg, models.ErrContextLost.Error())
		return &models.ItemError{Index: index, Kind: models.ErrContextLost, Msg: strings.Trim(msg, ": ")}
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &models.ItemError{Index: index, Kind: models.ErrItemFetch, Msg: msg}
}
