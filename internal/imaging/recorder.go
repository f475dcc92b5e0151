package imaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/scanbridge/internal/model"
)

// DirRecorder stores every page of a scan as <Dir>/<scan id>/page-NNNN.<ext>
// with its transforms applied.
type DirRecorder struct {
	Dir    string
	Format Format
}

func (r DirRecorder) Record(ctx context.Context, scanID string, img model.Image) error {
	m, err := Decode(img)
	if err != nil {
		return err
	}
	if m, err = Apply(m, img.Transforms); err != nil {
		return err
	}

	dir := r.ScanDir(scanID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("page-%04d%s", img.Page, r.format().Ext()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if err := Encode(f, m, r.format()); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.DebugContext(ctx, "page stored", "page", img.Page, "path", path)
	return nil
}

// ScanDir is the directory the pages of scanID go to.
func (r DirRecorder) ScanDir(scanID string) string {
	return filepath.Join(r.Dir, scanID)
}

func (r DirRecorder) format() Format {
	if r.Format == "" {
		return PNG
	}
	return r.Format
}
