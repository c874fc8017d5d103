package models

import (
	"fmt"
	"time"
)

// ChapterDownloadRequest asks for one chapter to be fetched and stored.
// ProcessID only routes progress events; it never implies exclusion.
type ChapterDownloadRequest struct {
	MangaID   int64  `json:"manga_id"`
	ChapterID int64  `json:"chapter_id"`
	ProcessID string `json:"process_id,omitempty"`
}

// ProcessKey is the derived process id and record key for a chapter: "mangaId_chapterId".
func ProcessKey(mangaID, chapterID int64) string {
	return fmt.Sprintf("%d_%d", mangaID, chapterID)
}

// Key returns the request's ProcessID, deriving it when the caller left it empty.
func (r ChapterDownloadRequest) Key() string {
	if r.ProcessID != "" {
		return r.ProcessID
	}
	return ProcessKey(r.MangaID, r.ChapterID)
}

// ChapterRecord is the persisted completeness record of one chapter.
type ChapterRecord struct {
	MangaID          int64     `json:"manga_id"`
	ChapterID        int64     `json:"chapter_id"`
	TotalImages      int       `json:"total_images"`
	TotalSavedImages int       `json:"total_saved_images"`
	IsDownloaded     bool      `json:"is_downloaded"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ChapterCounts is one item of a tracker upsert.
type ChapterCounts struct {
	ChapterID        int64 `json:"chapter_id"`
	TotalImages      int   `json:"total_images"`
	TotalSavedImages int   `json:"total_saved_images"`
}

// Complete reports whether a chapter with these counts is fully downloaded.
func Complete(total, saved int) bool {
	return total > 0 && total == saved
}

// MergeCounts applies incoming counts to an existing record's counts.
//
// A positive incoming value is a recount and replaces the stored one; zero never
// regresses a stored positive value. Saved is clamped to total once total is known.
func MergeCounts(existingTotal, existingSaved int, in ChapterCounts) (total, saved int) {
	total, saved = existingTotal, existingSaved
	if in.TotalImages > 0 || total <= 0 {
		total = max(in.TotalImages, 0)
	}
	if in.TotalSavedImages > 0 || saved <= 0 {
		saved = max(in.TotalSavedImages, 0)
	}
	if total > 0 && saved > total {
		saved = total
	}
	return total, saved
}

// ChapterStatus is one entry of a manga's grouped completeness view.
type ChapterStatus struct {
	ChapterID    int64 `json:"chapter_id"`
	IsDownloaded bool  `json:"is_downloaded"`
}

// MangaChapters groups chapter completeness by manga.
type MangaChapters struct {
	MangaID  int64           `json:"manga_id"`
	Chapters []ChapterStatus `json:"chapters"`
}

// ChapterMeta is what the site API reports about a chapter.
type ChapterMeta struct {
	ID         int64  `json:"id"`
	MangaID    int64  `json:"manga_id"`
	Number     string `json:"number"`
	Name       string `json:"name,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
}

// Title renders the chapter for notifications.
func (m ChapterMeta) Title() string {
	name := m.Name
	if name == "" {
		name = "untitled"
	}
	return fmt.Sprintf("chapter %s - %s", m.Number, name)
}

// ChapterResult is returned by a trigger-download call.
type ChapterResult struct {
	Meta        ChapterMeta `json:"meta"`
	Files       []string    `json:"files"`
	TotalImages int         `json:"total_images"`
	Skipped     bool        `json:"skipped"` // served from disk without browser work
}

// Complete reports whether every discovered image was saved.
func (r *ChapterResult) Complete() bool {
	return r != nil && Complete(r.TotalImages, len(r.Files))
}

// ChapterListItem annotates a source chapter with its local download state.
// ProcessID is only set for chapters that are not fully downloaded.
type ChapterListItem struct {
	ChapterMeta
	ProcessID    string `json:"process_id,omitempty"`
	IsDownloaded bool   `json:"is_downloaded"`
}
