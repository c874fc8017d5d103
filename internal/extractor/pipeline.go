// Package extractor turns a chapter's reader page into encoded page images.
package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mangavault/internal/browser"
	"mangavault/internal/process"
	"mangavault/internal/workpool"
	"mangavault/pkg/models"
)

// Sessions hands out isolated surfaces. *browser.Manager is the production source.
type Sessions interface {
	NewIsolatedContext(ctx context.Context) (browser.Surface, error)
}

type Config struct {
	Workers       int
	ItemAttempts  int
	ItemBackoff   time.Duration
	ItemTimeout   time.Duration
	PollInterval  time.Duration
	PollRetries   int
	SettleDelay   time.Duration
	MaxRecoveries int
	// NavigationsPerSecond spaces out page loads across runs. Zero disables it.
	NavigationsPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		Workers:              5,
		ItemAttempts:         3,
		ItemBackoff:          2 * time.Second,
		ItemTimeout:          45 * time.Second,
		PollInterval:         2 * time.Second,
		PollRetries:          10,
		SettleDelay:          3 * time.Second,
		MaxRecoveries:        3,
		NavigationsPerSecond: 2,
	}
}

type Request struct {
	URL string
	// Expected is the page count the site reported, used when nothing is discovered.
	Expected int
	Headers  map[string]string
	Reporter *process.Reporter
}

// Extraction is the outcome of one run. Images has one entry per discovered page,
// indexed by render position; failed pages carry Err and no data.
type Extraction struct {
	Images     []models.ImageResult
	Discovered int
	Loaded     int
	Recoveries int
}

type Pipeline struct {
	sessions Sessions
	binding  Binding
	cfg      Config
	pool     workpool.Pool
	limiter  *rate.Limiter
	log      *zap.Logger
}

func New(sessions Sessions, binding Binding, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ItemAttempts <= 0 {
		cfg.ItemAttempts = def.ItemAttempts
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.PollRetries <= 0 {
		cfg.PollRetries = def.PollRetries
	}
	if cfg.MaxRecoveries < 0 {
		cfg.MaxRecoveries = 0
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.NavigationsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.NavigationsPerSecond), 1)
	}

	return &Pipeline{
		sessions: sessions,
		binding:  binding,
		cfg:      cfg,
		pool:     workpool.New(cfg.Workers),
		limiter:  limiter,
		log:      logger.Named("extractor"),
	}
}

// Extract loads the reader page, waits for its pages to load and renders every loaded
// page with the worker pool. A pipeline-level failure after pages were rendered returns
// both the partial extraction and the error.
func (p *Pipeline) Extract(ctx context.Context, req Request) (*Extraction, error) {
	rep := req.Reporter
	log := p.log.With(zap.String("process", rep.ProcessID()), zap.String("url", req.URL))
	start := time.Now()

	h := &surfaceHolder{
		open:    func(ctx context.Context) (browser.Surface, int, error) { return p.open(ctx, req.URL) },
		release: p.binding.Release,
		settle:  p.cfg.SettleDelay,
		max:     p.cfg.MaxRecoveries,
		log:     log,
	}
	defer h.close(ctx)

	rep.StatusWithProgress("opening reader", process.BandLoadingStart)
	discovered, err := h.start(ctx)
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	log.Info("reader ready", zap.Int("discovered", discovered))

	loaded, discovered, err := p.waitLoaded(ctx, h, discovered, rep)
	if err != nil {
		return nil, err
	}

	total := discovered
	if total == 0 && req.Expected > 0 {
		total = req.Expected
	}
	n := min(loaded, discovered)

	images := make([]models.ImageResult, total)
	for i := range images {
		images[i] = models.ImageResult{Index: i}
	}

	var (
		mu   sync.Mutex
		done int
	)
	rep.InBand("fetching", process.BandLoadingEnd, process.BandFetchEnd, 0, n)
	runErr := p.pool.Run(ctx, n, func(ctx context.Context, i int) {
		// each index is written by exactly one worker
		images[i] = p.fetchItem(ctx, h, i, req.Headers)

		mu.Lock()
		done++
		rep.InBand(fmt.Sprintf("fetching %d/%d", done, n), process.BandLoadingEnd, process.BandFetchEnd, done, n)
		mu.Unlock()
	})
	for i := n; i < total; i++ {
		images[i].Err = (&models.ItemError{Index: i, Kind: models.ErrItemFetch, Msg: "page never loaded"}).Error()
	}

	recoveries, _ := h.stats()
	ex := &Extraction{Images: images, Discovered: total, Loaded: loaded, Recoveries: recoveries}
	ok := models.CountOK(images)
	log.Info("extraction finished",
		zap.Int("ok", ok), zap.Int("total", total), zap.Int("recoveries", recoveries), zap.Duration("took", time.Since(start)))

	if runErr != nil {
		return ex, runErr
	}
	if err := h.failure(); err != nil {
		return ex, err
	}
	return ex, nil
}

func (p *Pipeline) open(ctx context.Context, url string) (browser.Surface, int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	s, err := p.sessions.NewIsolatedContext(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := s.Navigate(ctx, url); err != nil {
		_ = s.Close()
		return nil, 0, err
	}
	n, err := p.binding.Setup(ctx, s)
	if err != nil {
		_ = p.binding.Release(context.WithoutCancel(ctx), s)
		_ = s.Close()
		return nil, 0, err
	}
	return s, n, nil
}

// waitLoaded polls until every discovered page has loaded or PollRetries polls in a
// row brought nothing new. Partial loads are not an error. It returns the loaded count
// and the discovered count of the surface that was polled last.
func (p *Pipeline) waitLoaded(ctx context.Context, h *surfaceHolder, discovered int, rep *process.Reporter) (int, int, error) {
	loaded, retries := 0, 0
	for loaded < discovered && retries < p.cfg.PollRetries {
		if err := sleepCtx(ctx, p.cfg.PollInterval); err != nil {
			return loaded, discovered, err
		}
		s, gen, err := h.current()
		if err != nil {
			return loaded, discovered, err
		}

		n, err := p.binding.LoadedCount(ctx, s)
		switch {
		case err == nil:
			if n > loaded {
				retries = 0
			} else {
				retries++
			}
			loaded = n
			rep.InBand(fmt.Sprintf("loading %d/%d", min(loaded, discovered), discovered),
				process.BandLoadingStart, process.BandLoadingEnd, loaded, discovered)
			p.log.Debug("pages loaded", zap.Int("loaded", loaded), zap.Int("discovered", discovered))

		case ctx.Err() != nil:
			return loaded, discovered, ctx.Err()

		case browser.IsContextLoss(err):
			retries++
			p.log.Warn("loaded count unavailable", zap.Int("retry", retries), zap.Error(err))
			if rerr := h.recover(ctx, gen); rerr != nil {
				return loaded, discovered, rerr
			}
			loaded, discovered = 0, h.pageCount()

		default:
			retries++
			p.log.Warn("loaded count failed", zap.Int("retry", retries), zap.Error(err))
		}
	}
	if loaded < discovered {
		p.log.Warn("proceeding with partial load", zap.Int("loaded", loaded), zap.Int("discovered", discovered))
	}
	return loaded, discovered, nil
}
