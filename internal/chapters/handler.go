package chapters

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Repo *Repo
}

func NewHandler(repo *Repo) *Handler {
	return &Handler{Repo: repo}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/not-downloaded", h.notDownloaded)          // GET /saved/not-downloaded?limit=
	rg.GET("/downloaded/:mangaId", h.downloadedByManga) // GET /saved/downloaded/:mangaId
}

func (h *Handler) notDownloaded(c *gin.Context) {
	limit := parseInt(c.Query("limit"), DefaultIncompleteLimit)
	items, err := h.Repo.GetIncomplete(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) downloadedByManga(c *gin.Context) {
	mangaID, err := strconv.ParseInt(c.Param("mangaId"), 10, 64)
	if err != nil || mangaID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manga id"})
		return
	}
	view, err := h.Repo.GetByManga(c.Request.Context(), mangaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func parseInt(s string, def int) int {
	if strings.TrimSpace(s) == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
