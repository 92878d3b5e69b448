package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/folio/internal/splitter"
	"github.com/jackzampolin/folio/internal/store"
)

// SplitterConfig configures a SplitterWorker.
type SplitterConfig struct {
	Poll time.Duration
}

// SplitterWorker turns PENDING tasks into PROCESSING tasks with one page row per image.
type SplitterWorker struct {
	Base
	splitters splitter.Resolver
	cfg       SplitterConfig
}

// NewSplitterWorker creates a splitter worker.
func NewSplitterWorker(deps Deps, splitters splitter.Resolver, cfg SplitterConfig) *SplitterWorker {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	w := &SplitterWorker{splitters: splitters, cfg: cfg}
	w.init(KindSplitter, deps)
	return w
}

// Run polls for PENDING tasks until stopped.
func (w *SplitterWorker) Run(ctx context.Context) {
	w.loop(ctx, w.cfg.Poll, w.step)
}

func (w *SplitterWorker) step(ctx context.Context) bool {
	task := w.claim(ctx, store.TaskPending, store.TaskSplitting)
	if task == nil {
		return false
	}
	w.setCurrentTask(task.ID)
	defer w.setCurrentTask("")

	w.process(ctx, task)
	return true
}

func (w *SplitterWorker) process(ctx context.Context, task *store.Task) {
	sp, err := w.splitters.For(task.Filename)
	if err != nil {
		w.handleError(ctx, task.ID, err)
		return
	}

	err = w.split(ctx, sp, task)
	if err == nil {
		return
	}

	if cerr := sp.Cleanup(task.ID); cerr != nil {
		w.logger.Warn("splitter cleanup failed", "task_id", task.ID, "error", cerr)
	}
	switch {
	case interrupted(ctx):
		w.releaseTask(ctx, task.ID, store.TaskPending)
	case errors.Is(err, store.ErrTaskCancelled):
		w.logger.Info("task cancelled while splitting", "task_id", task.ID)
	case errors.Is(err, store.ErrOwnershipLost):
		w.logger.Warn("lost task while splitting", "task_id", task.ID, "error", err)
	default:
		w.handleError(ctx, task.ID, err)
	}
}

// split renders the document and publishes all pages plus the PROCESSING
// transition in one transaction, so converters never see a partial page set.
func (w *SplitterWorker) split(ctx context.Context, sp splitter.Splitter, task *store.Task) error {
	start := time.Now()
	res, err := sp.Split(ctx, task)
	if err != nil {
		return fmt.Errorf("split failed: %w", err)
	}
	if len(res.Pages) == 0 {
		return splitter.ErrNoPages
	}

	pages := make([]*store.Page, len(res.Pages))
	for i, img := range res.Pages {
		pages[i] = &store.Page{
			TaskID:     task.ID,
			Page:       img.Page,
			PageSource: img.PageSource,
			Provider:   task.Provider,
			Model:      task.Model,
			ImagePath:  img.ImagePath,
		}
	}

	update := store.TaskUpdate{
		Status:        store.TaskProcessing,
		Pages:         store.Ptr(len(pages)),
		Progress:      store.Ptr(0),
		ReleaseWorker: true,
	}
	_, err = w.finishClaim(ctx, task.ID, store.TaskSplitting, update, func(tx *store.Tx) error {
		return tx.InsertPages(ctx, pages)
	})
	if err != nil {
		return err
	}

	w.logger.Info("task split",
		"task_id", task.ID,
		"pages", len(pages),
		"total_pages", res.TotalPages,
		"duration", time.Since(start),
	)
	return nil
}

var _ Worker = (*SplitterWorker)(nil)
