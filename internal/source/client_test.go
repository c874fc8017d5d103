package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangavault/pkg/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("https://site.test/", WithAPIBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithRateLimit(0), WithUserAgent("test-agent"))
}

func TestChapter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/chapters/42", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"data":{"id":42,"number":12.5,"name":" The Gate ","pages":[{},{},{}],"manga":{"id":7}}}`))
	})

	meta, err := c.Chapter(context.Background(), 7, 42)
	require.NoError(t, err)
	assert.Equal(t, models.ChapterMeta{ID: 42, MangaID: 7, Number: "12.5", Name: "The Gate", TotalPages: 3}, meta)
	assert.Equal(t, "chapter 12.5 - The Gate", meta.Title())
}

func TestChapterMissingData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null}`))
	})
	_, err := c.Chapter(context.Background(), 7, 42)
	assert.ErrorIs(t, err, models.ErrNoChapterData)
}

func TestChapterHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	})
	_, err := c.Chapter(context.Background(), 7, 42)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestChapters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/mangas/7/chapters", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":2,"number":"2","name":"B"},{"id":1,"number":"1"}]}`))
	})
	list, err := c.Chapters(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(7), list[1].MangaID)
	assert.Equal(t, "chapter 1 - untitled", list[1].Title())
}

func TestChapterURLAndHeaders(t *testing.T) {
	c := NewClient("https://site.test/", WithUserAgent("ua"))
	assert.Equal(t, "https://site.test/mangas/7/chapters/42", c.ChapterURL(7, 42))
	h := c.ImageHeaders("https://site.test/mangas/7/chapters/42")
	assert.Equal(t, "ua", h["User-Agent"])
	assert.Equal(t, "https://site.test/mangas/7/chapters/42", h["Referer"])
}
