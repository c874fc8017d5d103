package downloader

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mangavault/internal/chapters"
	"mangavault/internal/extractor"
	"mangavault/internal/process"
	"mangavault/internal/storage"
	"mangavault/pkg/database"
	"mangavault/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	chapters map[int64]models.ChapterMeta
}

func (f *fakeSource) Chapter(_ context.Context, mangaID, chapterID int64) (models.ChapterMeta, error) {
	meta, ok := f.chapters[chapterID]
	if !ok {
		return models.ChapterMeta{}, models.ErrNoChapterData
	}
	meta.MangaID = mangaID
	return meta, nil
}

func (f *fakeSource) Chapters(_ context.Context, mangaID int64) ([]models.ChapterMeta, error) {
	out := make([]models.ChapterMeta, 0, len(f.chapters))
	for id := int64(1); id <= int64(len(f.chapters)); id++ {
		meta := f.chapters[id]
		meta.MangaID = mangaID
		out = append(out, meta)
	}
	return out, nil
}

func (f *fakeSource) ChapterURL(mangaID, chapterID int64) string {
	return fmt.Sprintf("https://site.test/mangas/%d/chapters/%d", mangaID, chapterID)
}

func (f *fakeSource) ImageHeaders(referer string) map[string]string {
	return map[string]string{"Referer": referer}
}

type fakeExtractor struct {
	total int
	fail  map[int]bool
	err   error
	gate  chan struct{}

	started chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, req extractor.Request) (*extractor.Extraction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	images := make([]models.ImageResult, f.total)
	for i := range images {
		images[i].Index = i
		if f.fail[i] {
			images[i].Err = "page failed"
			continue
		}
		images[i].Data = []byte(fmt.Sprintf("png-%d", i))
	}
	req.Reporter.InBand("fetching", process.BandLoadingEnd, process.BandFetchEnd, f.total, f.total)
	return &extractor.Extraction{Images: images, Discovered: f.total, Loaded: f.total}, f.err
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type event struct {
	name string
	ev   models.ProgressEvent
}

type recordingSink struct {
	mu       sync.Mutex
	events   []event
	onNotify func(models.ProgressEvent)
}

func (s *recordingSink) Publish(name string, ev models.ProgressEvent) {
	if name == process.EventNotify && s.onNotify != nil {
		s.onNotify(ev)
	}
	s.mu.Lock()
	s.events = append(s.events, event{name, ev})
	s.mu.Unlock()
}

func (s *recordingSink) progress(pid string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, e := range s.events {
		if e.ev.ProcessID == pid && e.ev.Progress != nil {
			out = append(out, *e.ev.Progress)
		}
	}
	return out
}

func (s *recordingSink) statuses(pid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.ev.ProcessID == pid && e.ev.Status != nil {
			out = append(out, *e.ev.Status)
		}
	}
	return out
}

func (s *recordingSink) notifies(pid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.ev.ProcessID == pid && e.ev.Notify != nil {
			out = append(out, *e.ev.Notify)
		}
	}
	return out
}

type harness struct {
	svc   *Service
	repo  *chapters.Repo
	store *storage.Store
	ex    *fakeExtractor
	sink  *recordingSink
}

func newHarness(t *testing.T, ex *fakeExtractor, pages int) *harness {
	t.Helper()
	db, err := database.OpenMigrated(database.Config{Path: filepath.Join(t.TempDir(), "vault.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	src := &fakeSource{chapters: map[int64]models.ChapterMeta{
		9: {ID: 9, Number: "3", Name: "Arrival", TotalPages: pages},
	}}
	h := &harness{
		repo:  chapters.NewRepo(db, nil),
		store: storage.NewStore(t.TempDir(), 4, nil),
		ex:    ex,
		sink:  &recordingSink{},
	}
	h.svc = NewService(src, ex, h.store, h.repo, h.sink, nil)
	return h
}

func assertMonotonic(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards at %d: %v", i, values)
	}
}

var req59 = models.ChapterDownloadRequest{MangaID: 5, ChapterID: 9}

func TestTriggerDownloadWritesOrderedFiles(t *testing.T) {
	h := newHarness(t, &fakeExtractor{total: 12}, 12)

	res, err := h.svc.TriggerDownload(context.Background(), req59)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Skipped)
	assert.True(t, res.Complete())
	require.Len(t, res.Files, 12)
	for i, ref := range res.Files {
		assert.Equal(t, fmt.Sprintf("images/5/3_9/page_%d.png", i+1), ref)
	}

	rec, err := h.repo.Get(context.Background(), 5, 9)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsDownloaded)
	assert.Equal(t, 12, rec.TotalSavedImages)

	progress := h.sink.progress("5_9")
	require.NotEmpty(t, progress)
	assertMonotonic(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.Equal(t, "done", h.sink.statuses("5_9")[len(h.sink.statuses("5_9"))-1])
	assert.Empty(t, h.svc.Running())
}

func TestTriggerDownloadSkipsCompleteChapter(t *testing.T) {
	h := newHarness(t, &fakeExtractor{total: 4}, 4)
	ctx := context.Background()

	first, err := h.svc.TriggerDownload(ctx, req59)
	require.NoError(t, err)

	second, err := h.svc.TriggerDownload(ctx, models.ChapterDownloadRequest{MangaID: 5, ChapterID: 9, ProcessID: "again"})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Files, second.Files)
	assert.Equal(t, 1, h.ex.Calls())
	assert.Equal(t, []int{0, 100}, h.sink.progress("again"))
}

func TestTriggerDownloadPartialThenResume(t *testing.T) {
	ex := &fakeExtractor{total: 20, fail: map[int]bool{3: true, 17: true}}
	h := newHarness(t, ex, 20)
	ctx := context.Background()

	res, err := h.svc.TriggerDownload(ctx, req59)
	require.NoError(t, err)
	assert.Len(t, res.Files, 18)
	assert.Equal(t, 20, res.TotalImages)
	assert.False(t, res.Complete())
	assert.Contains(t, h.sink.statuses("5_9"), "incomplete: 18/20 pages")

	backlog, err := h.repo.GetIncomplete(ctx, 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, int64(9), backlog[0].ChapterID)
	assert.Equal(t, 18, backlog[0].TotalSavedImages)

	ex.fail = nil
	res, err = h.svc.TriggerDownload(ctx, req59)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.True(t, res.Complete())
	assert.Equal(t, 2, ex.Calls())

	backlog, err = h.repo.GetIncomplete(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestTriggerDownloadNoData(t *testing.T) {
	h := newHarness(t, &fakeExtractor{total: 4}, 4)

	res, err := h.svc.TriggerDownload(context.Background(), models.ChapterDownloadRequest{MangaID: 5, ChapterID: 404})
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, []string{"no data for this chapter"}, h.sink.notifies("5_404"))
	assert.Zero(t, h.ex.Calls())
}

func TestTriggerDownloadFailureRecordsBeforeNotify(t *testing.T) {
	ex := &fakeExtractor{total: 8, fail: map[int]bool{5: true, 6: true, 7: true}, err: extractor.ErrRecoveryExhausted}
	h := newHarness(t, ex, 8)

	var seen *models.ChapterRecord
	h.sink.onNotify = func(models.ProgressEvent) {
		seen, _ = h.repo.Get(context.Background(), 5, 9)
	}

	res, err := h.svc.TriggerDownload(context.Background(), req59)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, extractor.ErrRecoveryExhausted)

	require.NotNil(t, seen, "record must exist when the error is announced")
	assert.Equal(t, 8, seen.TotalImages)
	assert.Equal(t, 5, seen.TotalSavedImages)
	require.Len(t, h.sink.notifies("5_9"), 1)
	assert.Contains(t, h.sink.notifies("5_9")[0], "download failed")

	files, err := h.store.List(models.ChapterMeta{ID: 9, MangaID: 5, Number: "3"})
	require.NoError(t, err)
	assert.Len(t, files, 5)
}

func TestTriggerDownloadCoalescesSameChapter(t *testing.T) {
	ex := &fakeExtractor{total: 3, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, ex, 3)
	ctx := context.Background()

	type outcome struct {
		res *models.ChapterResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.svc.TriggerDownload(ctx, models.ChapterDownloadRequest{MangaID: 5, ChapterID: 9, ProcessID: "a"})
		first <- outcome{res, err}
	}()
	<-ex.started

	second := make(chan outcome, 1)
	go func() {
		res, err := h.svc.TriggerDownload(ctx, models.ChapterDownloadRequest{MangaID: 5, ChapterID: 9, ProcessID: "b"})
		second <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		for _, s := range h.sink.statuses("b") {
			if s == "joined in-flight download a" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(ex.gate)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.res.Files, b.res.Files)
	assert.Equal(t, 1, ex.Calls())

	progressB := h.sink.progress("b")
	require.NotEmpty(t, progressB)
	assert.Equal(t, 100, progressB[len(progressB)-1])
}

func TestTriggerDownloadSharedRunOutlivesLeaderRequest(t *testing.T) {
	ex := &fakeExtractor{total: 3, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, ex, 3)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	leader := make(chan error, 1)
	go func() {
		_, err := h.svc.TriggerDownload(leaderCtx, models.ChapterDownloadRequest{MangaID: 5, ChapterID: 9, ProcessID: "a"})
		leader <- err
	}()
	<-ex.started

	type outcome struct {
		res *models.ChapterResult
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := h.svc.TriggerDownload(context.Background(), models.ChapterDownloadRequest{MangaID: 5, ChapterID: 9, ProcessID: "b"})
		follower <- outcome{res, err}
	}()
	require.Eventually(t, func() bool {
		return slices.Contains(h.sink.statuses("b"), "joined in-flight download a")
	}, 2*time.Second, 5*time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leader, context.Canceled)

	close(ex.gate)
	got := <-follower
	require.NoError(t, got.err)
	require.NotNil(t, got.res)
	assert.True(t, got.res.Complete())
	assert.Equal(t, 1, ex.Calls())
}

func TestCancelStopsRun(t *testing.T) {
	ex := &fakeExtractor{total: 4, gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, ex, 4)

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.TriggerDownload(context.Background(), req59)
		errc <- err
	}()
	<-ex.started

	assert.Equal(t, []string{"5_9"}, h.svc.Running())
	assert.False(t, h.svc.Cancel("nope"))
	assert.True(t, h.svc.Cancel("5_9"))

	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.svc.Running())

	rec, err := h.repo.Get(context.Background(), 5, 9)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 4, rec.TotalImages)
	assert.False(t, rec.IsDownloaded)
}

func TestChapterListMarksPending(t *testing.T) {
	h := newHarness(t, &fakeExtractor{total: 2}, 2)
	ctx := context.Background()
	h.svc.source = &fakeSource{chapters: map[int64]models.ChapterMeta{
		1: {ID: 1, Number: "1", TotalPages: 2},
		2: {ID: 2, Number: "2", TotalPages: 2},
	}}

	_, err := h.svc.TriggerDownload(ctx, models.ChapterDownloadRequest{MangaID: 5, ChapterID: 1})
	require.NoError(t, err)

	items, err := h.svc.ChapterList(ctx, 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].IsDownloaded)
	assert.Empty(t, items[0].ProcessID)
	assert.False(t, items[1].IsDownloaded)
	assert.Equal(t, "5_2", items[1].ProcessID)
}
