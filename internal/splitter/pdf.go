package splitter

import (
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/store"
)

// PDFSplitter renders PDF pages to PNG with MuPDF.
type PDFSplitter struct {
	home   *home.Dir
	dpi    float64
	logger *slog.Logger
}

// PageCount reads the page count of a PDF.
func PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	n, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// Split renders the pages selected by the task's page range.
func (s *PDFSplitter) Split(ctx context.Context, task *store.Task) (*Result, error) {
	total, err := PageCount(task.SourcePath)
	if err != nil {
		return nil, err
	}
	selected, err := ParsePageRange(task.PageRange, total)
	if err != nil {
		return nil, err
	}

	doc, err := fitz.New(task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF for rendering: %w", err)
	}
	defer doc.Close()

	if err := os.MkdirAll(s.home.PagesDir(task.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pages directory: %w", err)
	}

	result := &Result{TotalPages: total, Pages: make([]PageImage, 0, len(selected))}
	for i, source := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.ImageDPI(source-1, s.dpi)
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", source, err)
		}

		path := s.home.PageImagePath(task.ID, i+1, ".png")
		out, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create page image: %w", err)
		}
		err = png.Encode(out, img)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write page %d: %w", source, err)
		}

		result.Pages = append(result.Pages, PageImage{Page: i + 1, PageSource: source, ImagePath: path})
	}

	s.logger.Debug("split pdf", "task_id", task.ID, "total_pages", total, "selected", len(selected))
	return result, nil
}

// Cleanup removes rendered page images.
func (s *PDFSplitter) Cleanup(taskID string) error {
	return removePages(s.home, taskID)
}

var _ Splitter = (*PDFSplitter)(nil)
