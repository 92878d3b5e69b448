package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackzampolin/folio/internal/store"
)

// ErrNoCompletedPages is returned when a task reached the merge stage with nothing to merge.
var ErrNoCompletedPages = errors.New("no completed pages to merge")

// PageSeparator sits between pages in a merged document.
const PageSeparator = "\n\n---\n\n"

// MergerConfig configures a MergerWorker.
type MergerConfig struct {
	Poll time.Duration
}

// MergerWorker assembles converted pages into the final Markdown document.
type MergerWorker struct {
	Base
	cfg MergerConfig
}

// NewMergerWorker creates a merger worker.
func NewMergerWorker(deps Deps, cfg MergerConfig) *MergerWorker {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	w := &MergerWorker{cfg: cfg}
	w.init(KindMerger, deps)
	return w
}

// Run polls for READY_TO_MERGE tasks until stopped.
func (w *MergerWorker) Run(ctx context.Context) {
	w.loop(ctx, w.cfg.Poll, w.step)
}

func (w *MergerWorker) step(ctx context.Context) bool {
	task := w.claim(ctx, store.TaskReadyToMerge, store.TaskMerging)
	if task == nil {
		return false
	}
	w.process(ctx, task)
	return true
}

// process merges a claimed task and settles the claim whatever happens.
func (w *MergerWorker) process(ctx context.Context, task *store.Task) {
	w.setCurrentTask(task.ID)
	defer w.setCurrentTask("")

	err := w.merge(ctx, task)
	switch {
	case err == nil:
	case interrupted(ctx):
		w.releaseTask(ctx, task.ID, store.TaskReadyToMerge)
	case errors.Is(err, store.ErrTaskCancelled):
		w.logger.Info("task cancelled while merging", "task_id", task.ID)
	case errors.Is(err, store.ErrOwnershipLost):
		w.logger.Warn("lost task while merging", "task_id", task.ID, "error", err)
	default:
		w.handleError(ctx, task.ID, err)
	}
}

func (w *MergerWorker) merge(ctx context.Context, task *store.Task) error {
	pages, err := w.store.ListPages(ctx, task.ID, store.PageCompleted)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return ErrNoCompletedPages
	}

	path := OutputPath(task)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := writeFileAtomic(path, []byte(Merge(pages))); err != nil {
		return err
	}

	_, err = w.finishClaim(ctx, task.ID, store.TaskMerging, store.TaskUpdate{
		Status:        store.TaskCompleted,
		Progress:      store.Ptr(100),
		MergedPath:    store.Ptr(path),
		ReleaseWorker: true,
	}, nil)
	if err != nil {
		return err
	}

	w.logger.Info("task merged", "task_id", task.ID, "pages", len(pages), "path", path)
	return nil
}

// Merge renders pages in page order, each under an HTML comment marker,
// separated by a horizontal rule. Line endings are normalised to LF.
func Merge(pages []*store.Page) string {
	sorted := make([]*store.Page, len(pages))
	copy(sorted, pages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Page < sorted[j].Page })

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		content := strings.ReplaceAll(p.Content, "\r\n", "\n")
		parts[i] = fmt.Sprintf("<!-- Page %d -->\n\n%s", p.Page, content)
	}
	return strings.Join(parts, PageSeparator)
}

// OutputPath is <work dir>/<source base name>.md.
func OutputPath(task *store.Task) string {
	dir := task.WorkDir
	if dir == "" {
		dir = filepath.Dir(task.SourcePath)
	}
	base := filepath.Base(task.Filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		base = task.ID
	}
	return filepath.Join(dir, base+".md")
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write merged document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write merged document: %w", err)
	}
	return nil
}

var _ Worker = (*MergerWorker)(nil)
