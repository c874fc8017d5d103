// Package downloader orchestrates one chapter download: dedup check, extraction,
// file writes, record update and progress events.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"mangavault/internal/extractor"
	"mangavault/internal/process"
	"mangavault/pkg/models"
)

type Source interface {
	Chapter(ctx context.Context, mangaID, chapterID int64) (models.ChapterMeta, error)
	Chapters(ctx context.Context, mangaID int64) ([]models.ChapterMeta, error)
	ChapterURL(mangaID, chapterID int64) string
	ImageHeaders(referer string) map[string]string
}

type Extractor interface {
	Extract(ctx context.Context, req extractor.Request) (*extractor.Extraction, error)
}

type Store interface {
	List(meta models.ChapterMeta) ([]string, error)
	Save(ctx context.Context, meta models.ChapterMeta, images []models.ImageResult, progress func(done, total int)) ([]string, error)
}

type Tracker interface {
	Get(ctx context.Context, mangaID, chapterID int64) (*models.ChapterRecord, error)
	Upsert(ctx context.Context, mangaID int64, items []models.ChapterCounts) ([]string, error)
	GetByManga(ctx context.Context, mangaID int64) (models.MangaChapters, error)
}

type Service struct {
	source    Source
	extractor Extractor
	store     Store
	tracker   Tracker
	sink      process.Sink
	log       *zap.Logger

	flight *coalescer

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	cancel  context.CancelFunc
	started time.Time
}

func NewService(src Source, ex Extractor, store Store, tracker Tracker, sink process.Sink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:    src,
		extractor: ex,
		store:     store,
		tracker:   tracker,
		sink:      sink,
		log:       logger.Named("downloader"),
		flight:    newCoalescer(),
		running:   make(map[string]*run),
	}
}

// TriggerDownload fetches one chapter. It returns a nil result and nil error when the
// site has no such chapter. On failure the partial counts are recorded and an error
// notification is published on the process id before the error is returned.
func (s *Service) TriggerDownload(ctx context.Context, req models.ChapterDownloadRequest) (*models.ChapterResult, error) {
	pid := req.Key()
	rep := process.NewReporter(s.sink, pid)
	log := s.log.With(zap.String("process", pid), zap.Int64("manga", req.MangaID), zap.Int64("chapter", req.ChapterID))

	ctx, done := s.track(ctx, pid)
	defer done()

	rep.StatusWithProgress("fetching chapter info", process.BandLoadingStart)
	meta, err := s.source.Chapter(ctx, req.MangaID, req.ChapterID)
	if errors.Is(err, models.ErrNoChapterData) {
		log.Warn("source has no data for chapter")
		rep.Notify("no data for this chapter")
		return nil, nil
	}
	if err != nil {
		log.Error("chapter info failed", zap.Error(err))
		rep.Notify("download failed: " + err.Error())
		return nil, fmt.Errorf("chapter info: %w", err)
	}
	meta.MangaID = req.MangaID

	if res, ok := s.alreadyDownloaded(ctx, meta, rep); ok {
		log.Info("already downloaded, skipping browser work", zap.Int("files", len(res.Files)))
		return res, nil
	}

	key := models.ProcessKey(req.MangaID, req.ChapterID)
	onJoin := func(leader string) {
		log.Info("joining in-flight download", zap.String("leader", leader))
		rep.Status("joined in-flight download " + leader)
	}
	res, err := s.flight.Do(ctx, key, pid, onJoin, func(ctx context.Context) (*models.ChapterResult, error) {
		return s.download(ctx, meta, rep, log)
	})
	if err != nil {
		return nil, err
	}
	rep.StatusWithProgress(completionStatus(res), process.BandDone)
	return res, nil
}

// alreadyDownloaded is the dedup fast path: the files on disk already match the
// expected page count, so no browser work is needed.
func (s *Service) alreadyDownloaded(ctx context.Context, meta models.ChapterMeta, rep *process.Reporter) (*models.ChapterResult, bool) {
	rec, err := s.tracker.Get(ctx, meta.MangaID, meta.ID)
	if err != nil {
		s.log.Warn("read chapter record", zap.Error(err))
	}
	expected := meta.TotalPages
	if rec != nil && rec.TotalImages > 0 {
		expected = rec.TotalImages
	}
	if expected <= 0 {
		return nil, false
	}

	files, err := s.store.List(meta)
	if err != nil || len(files) != expected {
		return nil, false
	}

	if rec == nil || !rec.IsDownloaded {
		s.record(ctx, meta, expected, len(files))
	}
	rep.StatusWithProgress("already downloaded", process.BandDone)
	return &models.ChapterResult{Meta: meta, Files: files, TotalImages: expected, Skipped: true}, true
}

func (s *Service) download(ctx context.Context, meta models.ChapterMeta, rep *process.Reporter, log *zap.Logger) (*models.ChapterResult, error) {
	url := s.source.ChapterURL(meta.MangaID, meta.ID)
	ex, exErr := s.extractor.Extract(ctx, extractor.Request{
		URL:      url,
		Expected: meta.TotalPages,
		Headers:  s.source.ImageHeaders(url),
		Reporter: rep,
	})

	total := meta.TotalPages
	var files []string
	if ex != nil {
		if ex.Discovered > 0 {
			total = ex.Discovered
		}
		rep.InBand("saving", process.BandFetchEnd, process.BandDone, 0, 1)
		saved, err := s.store.Save(ctx, meta, ex.Images, func(done, n int) {
			rep.InBand(fmt.Sprintf("saving %d/%d", done, n), process.BandFetchEnd, process.BandDone, done, n)
		})
		if err != nil {
			log.Error("some pages were not written", zap.Error(err))
		}
		files = saved
	} else if existing, err := s.store.List(meta); err == nil {
		files = existing
	}

	s.record(ctx, meta, total, len(files))

	if exErr != nil {
		log.Error("download failed", zap.Error(exErr), zap.Int("saved", len(files)), zap.Int("total", total))
		rep.Notify("download failed: " + exErr.Error())
		return nil, exErr
	}

	log.Info("chapter downloaded", zap.Int("saved", len(files)), zap.Int("total", total))
	return &models.ChapterResult{Meta: meta, Files: files, TotalImages: total}, nil
}

// record writes counts even when the run was cancelled.
func (s *Service) record(ctx context.Context, meta models.ChapterMeta, total, saved int) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := s.tracker.Upsert(wctx, meta.MangaID, []models.ChapterCounts{{
		ChapterID:        meta.ID,
		TotalImages:      total,
		TotalSavedImages: saved,
	}})
	if err != nil {
		s.log.Error("record chapter counts", zap.Int64("chapter", meta.ID), zap.Error(err))
	}
}

func completionStatus(res *models.ChapterResult) string {
	if res.Complete() {
		return "done"
	}
	return fmt.Sprintf("incomplete: %d/%d pages", len(res.Files), res.TotalImages)
}

// ChapterList annotates the site's chapters with local completeness. Chapters that
// still need work carry the process id a client should subscribe to.
func (s *Service) ChapterList(ctx context.Context, mangaID int64) ([]models.ChapterListItem, error) {
	list, err := s.source.Chapters(ctx, mangaID)
	if err != nil {
		return nil, fmt.Errorf("chapter list: %w", err)
	}
	view, err := s.tracker.GetByManga(ctx, mangaID)
	if err != nil {
		return nil, fmt.Errorf("chapter status: %w", err)
	}
	downloaded := make(map[int64]bool, len(view.Chapters))
	for _, c := range view.Chapters {
		downloaded[c.ChapterID] = c.IsDownloaded
	}

	out := make([]models.ChapterListItem, 0, len(list))
	for _, meta := range list {
		item := models.ChapterListItem{ChapterMeta: meta, IsDownloaded: downloaded[meta.ID]}
		if !item.IsDownloaded {
			item.ProcessID = models.ProcessKey(mangaID, meta.ID)
		}
		out = append(out, item)
	}
	return out, nil
}

// Cancel stops the caller registered under processID. A shared run it leads is
// stopped for every caller joined to it.
func (s *Service) Cancel(processID string) bool {
	s.mu.Lock()
	r, ok := s.running[processID]
	s.mu.Unlock()
	if ok {
		s.log.Info("cancelling run", zap.String("process", processID))
		r.cancel()
	}
	if s.flight.CancelLed(processID) {
		ok = true
	}
	return ok
}

// Running lists the process ids of runs in progress.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Service) track(ctx context.Context, pid string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, started: time.Now()}

	s.mu.Lock()
	_, taken := s.running[pid]
	if !taken {
		s.running[pid] = r
	}
	s.mu.Unlock()

	return ctx, func() {
		cancel()
		if taken {
			return
		}
		s.mu.Lock()
		if s.running[pid] == r {
			delete(s.running, pid)
		}
		s.mu.Unlock()
	}
}
