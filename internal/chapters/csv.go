package chapters

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{"manga_id", "chapter_id", "total_images", "total_saved_images", "is_downloaded", "updated_at"}

// ExportCSV writes every chapter record, ordered by manga then chapter.
func (r *Repo) ExportCSV(ctx context.Context, out io.Writer) (int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT manga_id, chapter_id, total_images, total_saved_images, is_downloaded, created_at, updated_at
		FROM saved_chapters
		ORDER BY manga_id ASC, chapter_id ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("export query: %w", err)
	}
	defer rows.Close()

	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return 0, err
	}

	n := 0
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return n, fmt.Errorf("export scan: %w", err)
		}
		if err := w.Write([]string{
			strconv.FormatInt(rec.MangaID, 10),
			strconv.FormatInt(rec.ChapterID, 10),
			strconv.Itoa(rec.TotalImages),
			strconv.Itoa(rec.TotalSavedImages),
			strconv.FormatBool(rec.IsDownloaded),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("rows err: %w", err)
	}

	w.Flush()
	return n, w.Error()
}

// ImportCSV merges records from a CSV with at least manga_id and chapter_id columns.
// Counts are merged like Upsert, so empty count columns keep what is recorded.
// Rows with no ids are skipped.
func (r *Repo) ImportCSV(ctx context.Context, in io.Reader) (int, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1

	header, err := readHeader(cr)
	if err != nil {
		return 0, err
	}

	n := 0
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}

		mangaID, _ := strconv.ParseInt(valueAt(header, row, "manga_id"), 10, 64)
		chapterID, _ := strconv.ParseInt(valueAt(header, row, "chapter_id"), 10, 64)
		if mangaID <= 0 || chapterID <= 0 {
			continue
		}
		total, err := parseCount(valueAt(header, row, "total_images"))
		if err != nil {
			return n, fmt.Errorf("line %d total_images: %w", line, err)
		}
		saved, err := parseCount(valueAt(header, row, "total_saved_images"))
		if err != nil {
			return n, fmt.Errorf("line %d total_saved_images: %w", line, err)
		}

		if err := r.upsertOne(ctx, mangaID, countsOf(chapterID, total, saved)); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, nil
}

func readHeader(r *csv.Reader) (map[string]int, error) {
	row, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header := make(map[string]int, len(row))
	for i, name := range row {
		header[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"manga_id", "chapter_id"} {
		if _, ok := header[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	return header, nil
}

func valueAt(header map[string]int, row []string, key string) string {
	idx, ok := header[key]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseCount(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
