package downloader

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mangavault/pkg/models"
)

// Processes reports the process ids that currently have subscribers.
type Processes interface {
	ActiveProcesses() []string
}

type Handler struct {
	Service   *Service
	Processes Processes
}

func NewHandler(svc *Service, procs Processes) *Handler {
	return &Handler{Service: svc, Processes: procs}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chapters/download", h.download)           // POST /chapters/download
	rg.GET("/mangas/:mangaId/chapters", h.chapters)     // GET /mangas/:mangaId/chapters
	rg.GET("/processes", h.processes)                   // GET /processes
	rg.DELETE("/processes/:processId", h.cancelProcess) // DELETE /processes/:processId
}

func (h *Handler) download(c *gin.Context) {
	var req models.ChapterDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MangaID <= 0 || req.ChapterID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "manga_id and chapter_id are required"})
		return
	}
	res, err := h.Service.TriggerDownload(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "process_id": req.Key()})
		return
	}
	// nil when the site has no data for the chapter
	c.JSON(http.StatusOK, res)
}

func (h *Handler) chapters(c *gin.Context) {
	mangaID, err := strconv.ParseInt(c.Param("mangaId"), 10, 64)
	if err != nil || mangaID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manga id"})
		return
	}
	items, err := h.Service.ChapterList(c.Request.Context(), mangaID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "chapter list failed"})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) processes(c *gin.Context) {
	subscribed := []string{}
	if h.Processes != nil {
		subscribed = h.Processes.ActiveProcesses()
	}
	c.JSON(http.StatusOK, gin.H{
		"running":    h.Service.Running(),
		"subscribed": subscribed,
	})
}

func (h *Handler) cancelProcess(c *gin.Context) {
	id := c.Param("processId")
	if !h.Service.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such process"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": id})
}
