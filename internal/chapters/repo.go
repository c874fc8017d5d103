// Package chapters tracks how complete each downloaded chapter is.
package chapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mangavault/pkg/models"
)

const DefaultIncompleteLimit = 10

type Repo struct {
	DB  *sql.DB
	log *zap.Logger
	now func() time.Time
}

func NewRepo(db *sql.DB, logger *zap.Logger) *Repo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repo{DB: db, log: logger.Named("chapters"), now: time.Now}
}

// Upsert merges counts for chapters of one manga. Every item is its own transaction:
// a failed item is logged and skipped. It returns the process keys of the items that
// were written, and an error only when none was.
func (r *Repo) Upsert(ctx context.Context, mangaID int64, items []models.ChapterCounts) ([]string, error) {
	var (
		keys    []string
		lastErr error
	)
	for _, item := range items {
		if err := r.upsertOne(ctx, mangaID, item); err != nil {
			lastErr = fmt.Errorf("%w: chapter %d: %v", models.ErrPersistence, item.ChapterID, err)
			r.log.Error("upsert chapter failed",
				zap.Int64("manga", mangaID), zap.Int64("chapter", item.ChapterID), zap.Error(err))
			continue
		}
		keys = append(keys, models.ProcessKey(mangaID, item.ChapterID))
	}
	if len(keys) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return keys, nil
}

func (r *Repo) upsertOne(ctx context.Context, mangaID int64, item models.ChapterCounts) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var total, saved int
	err = tx.QueryRowContext(ctx, `
		SELECT total_images, total_saved_images
		FROM saved_chapters
		WHERE manga_id = ? AND chapter_id = ?
	`, mangaID, item.ChapterID).Scan(&total, &saved)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read: %w", err)
	}

	total, saved = models.MergeCounts(total, saved, item)
	now := r.now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO saved_chapters (manga_id, chapter_id, total_images, total_saved_images, is_downloaded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(manga_id, chapter_id) DO UPDATE SET
			total_images = excluded.total_images,
			total_saved_images = excluded.total_saved_images,
			is_downloaded = excluded.is_downloaded,
			updated_at = excluded.updated_at
	`, mangaID, item.ChapterID, total, saved, models.Complete(total, saved), now, now)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return tx.Commit()
}

// Touch moves a record behind the rest of the backlog without changing its counts.
func (r *Repo) Touch(ctx context.Context, mangaID, chapterID int64) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE saved_chapters SET updated_at = ?
		WHERE manga_id = ? AND chapter_id = ?
	`, r.now().UTC(), mangaID, chapterID)
	if err != nil {
		return fmt.Errorf("touch chapter: %w", err)
	}
	return nil
}

// Get returns nil when the chapter has no record.
func (r *Repo) Get(ctx context.Context, mangaID, chapterID int64) (*models.ChapterRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT manga_id, chapter_id, total_images, total_saved_images, is_downloaded, created_at, updated_at
		FROM saved_chapters
		WHERE manga_id = ? AND chapter_id = ?
	`, mangaID, chapterID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}
	return &rec, nil
}

// GetIncomplete returns up to limit chapters that are not fully downloaded,
// least recently touched first.
func (r *Repo) GetIncomplete(ctx context.Context, limit int) ([]models.ChapterRecord, error) {
	if limit <= 0 {
		limit = DefaultIncompleteLimit
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT manga_id, chapter_id, total_images, total_saved_images, is_downloaded, created_at, updated_at
		FROM saved_chapters
		WHERE is_downloaded = 0
		ORDER BY updated_at ASC, manga_id ASC, chapter_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("incomplete query: %w", err)
	}
	defer rows.Close()

	out := make([]models.ChapterRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("incomplete scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

// GetByManga groups the completeness of a manga's chapters, ordered by chapter id.
func (r *Repo) GetByManga(ctx context.Context, mangaID int64) (models.MangaChapters, error) {
	out := models.MangaChapters{MangaID: mangaID, Chapters: []models.ChapterStatus{}}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT chapter_id, is_downloaded
		FROM saved_chapters
		WHERE manga_id = ?
		ORDER BY chapter_id ASC
	`, mangaID)
	if err != nil {
		return out, fmt.Errorf("by manga query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s models.ChapterStatus
		if err := rows.Scan(&s.ChapterID, &s.IsDownloaded); err != nil {
			return out, fmt.Errorf("by manga scan: %w", err)
		}
		out.Chapters = append(out.Chapters, s)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

func countsOf(chapterID int64, total, saved int) models.ChapterCounts {
	return models.ChapterCounts{ChapterID: chapterID, TotalImages: total, TotalSavedImages: saved}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (models.ChapterRecord, error) {
	var rec models.ChapterRecord
	err := s.Scan(&rec.MangaID, &rec.ChapterID, &rec.TotalImages, &rec.TotalSavedImages,
		&rec.IsDownloaded, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}
