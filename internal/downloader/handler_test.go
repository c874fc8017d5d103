package downloader

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangavault/pkg/models"
)

type staticProcesses []string

func (p staticProcesses) ActiveProcesses() []string { return p }

func newTestRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(h.svc, staticProcesses{"5_9"}).RegisterRoutes(r.Group("/api"))
	return r
}

func TestHandlerDownload(t *testing.T) {
	h := newHarness(t, &fakeExtractor{total: 2}, 2)
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chapters/download", strings.NewReader(`{"manga_id":5}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chapters/download", strings.NewReader(`{"manga_id":5,"chapter_id":9}`)))
	require.Equal(t, http.StatusOK, w.Code)
	var res models.ChapterResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []string{"images/5/3_9/page_1.png", "images/5/3_9/page_2.png"}, res.Files)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chapters/download", strings.NewReader(`{"manga_id":5,"chapter_id":404}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())
}

func TestHandlerProcesses(t *testing.T) {
	h := newHarness(t, &fakeExtractor{total: 2}, 2)
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/processes", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":[],"subscribed":["5_9"]}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/processes/5_9", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/mangas/x/chapters", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
