// Package scheduler periodically retries chapters that are not fully downloaded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mangavault/internal/process"
	"mangavault/pkg/models"
)

const (
	DefaultSchedule = "@every 2m"
	sweepTimeout    = 30 * time.Minute
)

type Downloader interface {
	TriggerDownload(ctx context.Context, req models.ChapterDownloadRequest) (*models.ChapterResult, error)
}

type Records interface {
	GetIncomplete(ctx context.Context, limit int) ([]models.ChapterRecord, error)
	Touch(ctx context.Context, mangaID, chapterID int64) error
}

// Summary describes one sweep.
type Summary struct {
	Skipped    bool          `json:"skipped"` // another sweep held the lock
	Selected   int           `json:"selected"`
	Completed  int           `json:"completed"`
	Incomplete int           `json:"incomplete"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

type Backlog struct {
	downloads Downloader
	records   Records
	sink      process.Sink
	limit     int
	log       *zap.Logger

	lock RunLock
	cron *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBacklog(d Downloader, r Records, sink process.Sink, limit int, logger *zap.Logger) *Backlog {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backlog{
		downloads: d,
		records:   r,
		sink:      sink,
		limit:     limit,
		log:       logger.Named("backlog"),
		cron:      cron.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers the sweep under a cron spec and starts the cron runner.
func (b *Backlog) Start(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := b.cron.AddFunc(spec, b.tick); err != nil {
		return fmt.Errorf("backlog schedule %q: %w", spec, err)
	}
	b.cron.Start()
	b.log.Info("backlog scheduler started", zap.String("schedule", spec), zap.Int("limit", b.limit))
	return nil
}

// Stop cancels a running sweep and waits for it to return or for ctx to end.
func (b *Backlog) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()

	done := b.cron.Stop()
	select {
	case <-done.Done():
		b.log.Info("backlog scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backlog) tick() {
	b.mu.Lock()
	parent := b.ctx
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	sum, err := b.RunOnce(ctx)
	if err != nil {
		b.log.Error("backlog sweep failed", zap.Error(err))
		return
	}
	if sum.Skipped {
		b.log.Debug("previous sweep still running, tick skipped")
	}
}

// RunOnce processes up to limit incomplete chapters one after another, oldest first.
// A failing chapter never stops the sweep. It returns a skipped summary when another
// sweep is running.
func (b *Backlog) RunOnce(ctx context.Context) (Summary, error) {
	release, ok := b.lock.TryAcquire()
	if !ok {
		return Summary{Skipped: true}, nil
	}
	defer release()

	start := time.Now()
	records, err := b.records.GetIncomplete(ctx, b.limit)
	if err != nil {
		return Summary{}, fmt.Errorf("select backlog: %w", err)
	}

	sum := Summary{Selected: len(records)}
	if len(records) == 0 {
		b.log.Debug("backlog empty")
		return sum, nil
	}
	b.log.Info("backlog sweep started", zap.Int("chapters", len(records)))

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		switch b.retryChapter(ctx, rec) {
		case outcomeComplete:
			sum.Completed++
		case outcomeIncomplete:
			sum.Incomplete++
		default:
			sum.Failed++
			b.rotate(ctx, rec)
		}
	}
	sum.Duration = time.Since(start)

	b.log.Info("backlog sweep finished",
		zap.Int("selected", sum.Selected),
		zap.Int("completed", sum.Completed),
		zap.Int("incomplete", sum.Incomplete),
		zap.Int("failed", sum.Failed),
		zap.Duration("took", sum.Duration))
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return sum, err
	}
	return sum, nil
}

// rotate sends a failed chapter to the back of the backlog, so chapters that keep
// failing before any count is written do not hold the head of every sweep.
func (b *Backlog) rotate(ctx context.Context, rec models.ChapterRecord) {
	if ctx.Err() != nil {
		return
	}
	if err := b.records.Touch(ctx, rec.MangaID, rec.ChapterID); err != nil {
		b.log.Warn("rotate failed chapter", zap.Int64("manga", rec.MangaID), zap.Int64("chapter", rec.ChapterID), zap.Error(err))
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeIncomplete
	outcomeComplete
)

func (b *Backlog) retryChapter(ctx context.Context, rec models.ChapterRecord) (out outcome) {
	key := models.ProcessKey(rec.MangaID, rec.ChapterID)
	log := b.log.With(zap.String("process", key))
	defer func() {
		if r := recover(); r != nil {
			log.Error("chapter panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = outcomeFailed
		}
	}()

	res, err := b.downloads.TriggerDownload(ctx, models.ChapterDownloadRequest{
		MangaID:   rec.MangaID,
		ChapterID: rec.ChapterID,
	})
	switch {
	case err != nil:
		log.Warn("backlog chapter failed", zap.Error(err))
		return outcomeFailed
	case res == nil:
		log.Warn("backlog chapter has no data")
		return outcomeFailed
	case !res.Complete():
		log.Info("backlog chapter still incomplete",
			zap.Int("saved", len(res.Files)), zap.Int("total", res.TotalImages))
		return outcomeIncomplete
	}

	process.NewReporter(b.sink, key).Notify("Downloaded " + res.Meta.Title())
	return outcomeComplete
}
