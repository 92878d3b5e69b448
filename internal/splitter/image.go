package splitter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/store"
)

// ImageSplitter treats a single image as a one-page document.
type ImageSplitter struct {
	home   *home.Dir
	logger *slog.Logger
}

// Split copies the image into the task's pages directory.
func (s *ImageSplitter) Split(ctx context.Context, task *store.Task) (*Result, error) {
	if _, err := ParsePageRange(task.PageRange, 1); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := os.Open(task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.home.PagesDir(task.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pages directory: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(task.SourcePath))
	path := s.home.PageImagePath(task.ID, 1, ext)

	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create page image: %w", err)
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to copy image: %w", err)
	}

	return &Result{
		TotalPages: 1,
		Pages:      []PageImage{{Page: 1, PageSource: 1, ImagePath: path}},
	}, nil
}

// Cleanup removes the copied image.
func (s *ImageSplitter) Cleanup(taskID string) error {
	return removePages(s.home, taskID)
}

var _ Splitter = (*ImageSplitter)(nil)
