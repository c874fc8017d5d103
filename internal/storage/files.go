// Package storage lays chapter images out on disk and lists what is already there.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mangavault/internal/workpool"
	"mangavault/pkg/models"
)

// RefPrefix starts every file reference handed to callers.
const RefPrefix = "images"

var pageName = regexp.MustCompile(`^page_(\d+)\.png$`)

// Store writes under root: {mangaId}/{chapterNumber}_{chapterId}/page_{index+1}.png.
type Store struct {
	root string
	pool workpool.Pool
	log  *zap.Logger
}

func NewStore(root string, writeWorkers int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, pool: workpool.New(writeWorkers), log: logger.Named("storage")}
}

func (s *Store) Root() string { return s.root }

// ChapterDir is the chapter directory relative to the root, slash separated.
func ChapterDir(meta models.ChapterMeta) string {
	number := sanitize(meta.Number)
	if number == "" {
		number = "0"
	}
	return fmt.Sprintf("%d/%s_%d", meta.MangaID, number, meta.ID)
}

// PageFile is the file name of the page at 0-based index.
func PageFile(index int) string {
	return fmt.Sprintf("page_%d.png", index+1)
}

// Ref turns a root-relative slash path into a file reference.
func Ref(rel string) string {
	return path.Join(RefPrefix, rel)
}

// Abs resolves a file reference to a path on disk.
func (s *Store) Abs(ref string) string {
	rel := strings.TrimPrefix(ref, RefPrefix+"/")
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// List returns the references of saved pages, ascending by page index.
// A chapter that was never written has no pages and no error.
func (s *Store) List(meta models.ChapterMeta) ([]string, error) {
	rel := ChapterDir(meta)
	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}

	type page struct {
		n   int
		ref string
	}
	var pages []page
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pageName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		pages = append(pages, page{n: n, ref: Ref(path.Join(rel, e.Name()))})
	}
	slices.SortFunc(pages, func(a, b page) int { return a.n - b.n })

	refs := make([]string, len(pages))
	for i, p := range pages {
		refs[i] = p.ref
	}
	return refs, nil
}

// Save writes every extracted page with the write pool and returns the references of
// all pages now on disk for the chapter. Failed writes are joined into the error,
// which matches models.ErrPersistence; the other pages are still written.
func (s *Store) Save(ctx context.Context, meta models.ChapterMeta, images []models.ImageResult, progress func(done, total int)) ([]string, error) {
	rel := ChapterDir(meta)
	dir := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", models.ErrPersistence, rel, err)
	}

	var ok []models.ImageResult
	for _, img := range images {
		if img.OK() {
			ok = append(ok, img)
		}
	}

	var (
		mu   sync.Mutex
		done int
		errs []error
	)
	runErr := s.pool.Run(ctx, len(ok), func(ctx context.Context, i int) {
		img := ok[i]
		err := writeAtomic(filepath.Join(dir, PageFile(img.Index)), img.Data)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", img.Index+1, err))
			s.log.Warn("write page failed", zap.String("chapter", rel), zap.Int("page", img.Index+1), zap.Error(err))
		}
		done++
		if progress != nil {
			progress(done, len(ok))
		}
	})
	if runErr != nil {
		errs = append(errs, runErr)
	}

	refs, err := s.List(meta)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return refs, fmt.Errorf("%w: %w", models.ErrPersistence, errors.Join(errs...))
	}
	s.log.Debug("chapter saved", zap.String("chapter", rel), zap.Int("pages", len(refs)))
	return refs, nil
}

func writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".page-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

// sanitize keeps a chapter number usable as a single path element.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, s)
}
