package chapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangavault/pkg/database"
	"mangavault/pkg/models"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := database.OpenMigrated(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := NewRepo(db, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func TestUpsertNeverRegresses(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	keys, err := r.Upsert(ctx, 7, []models.ChapterCounts{{ChapterID: 42, TotalImages: 20, TotalSavedImages: 18}})
	require.NoError(t, err)
	assert.Equal(t, []string{"7_42"}, keys)

	_, err = r.Upsert(ctx, 7, []models.ChapterCounts{{ChapterID: 42}})
	require.NoError(t, err)

	rec, err := r.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 20, rec.TotalImages)
	assert.Equal(t, 18, rec.TotalSavedImages)
	assert.False(t, rec.IsDownloaded)

	_, err = r.Upsert(ctx, 7, []models.ChapterCounts{{ChapterID: 42, TotalImages: 20, TotalSavedImages: 20}})
	require.NoError(t, err)
	rec, err = r.Get(ctx, 7, 42)
	require.NoError(t, err)
	assert.True(t, rec.IsDownloaded)
	assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))
}

func TestGetMissing(t *testing.T) {
	r := newTestRepo(t)
	rec, err := r.Get(context.Background(), 1, 1)
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetIncompleteOldestFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, 1, []models.ChapterCounts{
		{ChapterID: 10, TotalImages: 5, TotalSavedImages: 3},
		{ChapterID: 11, TotalImages: 5, TotalSavedImages: 5},
		{ChapterID: 12, TotalImages: 0},
	})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, 2, []models.ChapterCounts{{ChapterID: 20, TotalImages: 8, TotalSavedImages: 1}})
	require.NoError(t, err)
	// touching 10 again makes it the most recent
	_, err = r.Upsert(ctx, 1, []models.ChapterCounts{{ChapterID: 10, TotalImages: 5, TotalSavedImages: 4}})
	require.NoError(t, err)

	got, err := r.GetIncomplete(ctx, 10)
	require.NoError(t, err)
	var ids []int64
	for _, rec := range got {
		ids = append(ids, rec.ChapterID)
	}
	assert.Equal(t, []int64{12, 20, 10}, ids)

	got, err = r.GetIncomplete(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTouchRotatesBacklog(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, 1, []models.ChapterCounts{
		{ChapterID: 10, TotalImages: 5, TotalSavedImages: 3},
		{ChapterID: 11, TotalImages: 5, TotalSavedImages: 1},
	})
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, 1, 10))
	require.NoError(t, r.Touch(ctx, 9, 99))

	got, err := r.GetIncomplete(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].ChapterID)
	assert.Equal(t, int64(10), got[1].ChapterID)
	assert.Equal(t, 3, got[1].TotalSavedImages)
}

func TestUpsertAllFailed(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.DB.Close())

	keys, err := r.Upsert(context.Background(), 1, []models.ChapterCounts{{ChapterID: 1, TotalImages: 1}})
	assert.Empty(t, keys)
	assert.ErrorIs(t, err, models.ErrPersistence)

	keys, err = r.Upsert(context.Background(), 1, nil)
	assert.NoError(t, err)
	assert.Empty(t, keys)
}

func TestGetByManga(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Upsert(ctx, 3, []models.ChapterCounts{
		{ChapterID: 9, TotalImages: 2, TotalSavedImages: 2},
		{ChapterID: 4, TotalImages: 2, TotalSavedImages: 1},
	})
	require.NoError(t, err)

	view, err := r.GetByManga(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.MangaChapters{MangaID: 3, Chapters: []models.ChapterStatus{
		{ChapterID: 4, IsDownloaded: false},
		{ChapterID: 9, IsDownloaded: true},
	}}, view)

	empty, err := r.GetByManga(ctx, 99)
	require.NoError(t, err)
	assert.NotNil(t, empty.Chapters)
}

func TestHandlerRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newTestRepo(t)
	_, err := r.Upsert(context.Background(), 3, []models.ChapterCounts{{ChapterID: 4, TotalImages: 2, TotalSavedImages: 1}})
	require.NoError(t, err)

	router := gin.New()
	NewHandler(r).RegisterRoutes(router.Group("/saved"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/saved/not-downloaded?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var recs []models.ChapterRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(4), recs[0].ChapterID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/saved/downloaded/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/saved/downloaded/3", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"manga_id":3,"chapters":[{"chapter_id":4,"is_downloaded":false}]}`, w.Body.String())
}


func TestCSVRoundTrip(t *testing.T) {
	src := newTestRepo(t)
	ctx := context.Background()
	_, err := src.Upsert(ctx, 7, []models.ChapterCounts{
		{ChapterID: 2, TotalImages: 10, TotalSavedImages: 10},
		{ChapterID: 1, TotalImages: 20, TotalSavedImages: 18},
	})
	require.NoError(t, err)

	var buf strings.Builder
	n, err := src.ExportCSV(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "manga_id,chapter_id,total_images,total_saved_images,is_downloaded,updated_at", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "7,1,20,18,false,"))

	dst := newTestRepo(t)
	_, err = dst.Upsert(ctx, 7, []models.ChapterCounts{{ChapterID: 1, TotalImages: 20, TotalSavedImages: 19}})
	require.NoError(t, err)

	n, err = dst.ImportCSV(ctx, strings.NewReader(buf.String()+",,\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := dst.Get(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 18, rec.TotalSavedImages)
	rec, err = dst.Get(ctx, 7, 2)
	require.NoError(t, err)
	assert.True(t, rec.IsDownloaded)
}

func TestImportCSVRequiresIDs(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.ImportCSV(context.Background(), strings.NewReader("title\nfoo\n"))
	assert.ErrorContains(t, err, "manga_id")

	_, err = r.ImportCSV(context.Background(), strings.NewReader("manga_id,chapter_id,total_images\n1,2,lots\n"))
	assert.ErrorContains(t, err, "line 2 total_images")
}
