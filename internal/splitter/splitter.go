// Package splitter turns a submitted document into ordered page images.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/store"
)

// ErrUnsupportedFormat is returned for files no splitter handles.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ErrNoPages is returned when a document (after page-range filtering) has nothing to convert.
var ErrNoPages = errors.New("document has no pages")

// PageImage is one rendered page.
type PageImage struct {
	Page       int    // 1-based display index
	PageSource int    // page number in the original document
	ImagePath  string // absolute path of the rendered image
}

// Result is the outcome of splitting a task's document.
type Result struct {
	Pages      []PageImage
	TotalPages int // pages in the source document before range filtering
}

// Splitter renders a task's source document into page images.
type Splitter interface {
	Split(ctx context.Context, task *store.Task) (*Result, error)

	// Cleanup removes anything Split wrote for the task.
	Cleanup(taskID string) error
}

// Resolver picks a splitter for a file name.
type Resolver interface {
	For(filename string) (Splitter, error)
}

// Config configures the splitter factory.
type Config struct {
	Home   *home.Dir
	DPI    float64
	Logger *slog.Logger
}

// Factory builds the splitter matching a document's extension.
type Factory struct {
	pdf   *PDFSplitter
	image *ImageSplitter
}

// NewFactory creates a factory. DPI defaults to 150.
func NewFactory(cfg Config) *Factory {
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{
		pdf:   &PDFSplitter{home: cfg.Home, dpi: cfg.DPI, logger: cfg.Logger},
		image: &ImageSplitter{home: cfg.Home, logger: cfg.Logger},
	}
}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
}

// Supported reports whether a file extension (with dot) can be split.
func Supported(ext string) bool {
	ext = strings.ToLower(ext)
	return ext == ".pdf" || imageExts[ext]
}

// For returns the splitter for filename.
func (f *Factory) For(filename string) (Splitter, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".pdf":
		return f.pdf, nil
	case imageExts[ext]:
		return f.image, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func removePages(h *home.Dir, taskID string) error {
	if err := os.RemoveAll(h.PagesDir(taskID)); err != nil {
		return fmt.Errorf("failed to remove page images: %w", err)
	}
	return nil
}
