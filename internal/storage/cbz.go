package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"

	"mangavault/pkg/models"
)

// CBZName is the archive file name for a chapter. It is always a single path element.
func CBZName(meta models.ChapterMeta) string {
	number := sanitize(meta.Number)
	if number == "" {
		number = "0"
	}
	return fmt.Sprintf("%d_%s_%d.cbz", meta.MangaID, number, meta.ID)
}

// ExportCBZ packs the referenced pages, in the given order, into a comic book archive.
func (s *Store) ExportCBZ(refs []string, out string) (err error) {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("cbz: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	z := zip.NewWriter(f)
	for _, ref := range refs {
		if err := s.addToZip(z, ref); err != nil {
			_ = z.Close()
			return fmt.Errorf("cbz %s: %w", ref, err)
		}
	}
	return z.Close()
}

func (s *Store) addToZip(z *zip.Writer, ref string) error {
	src, err := os.Open(s.Abs(ref))
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = path.Base(ref)
	// png is already compressed
	header.Method = zip.Store

	w, err := z.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
