package tasks

import (
	"context"
	"fmt"

	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/store"
)

// RetryPage puts a finished page back in the queue and reopens its task.
func (m *Manager) RetryPage(ctx context.Context, pageID int64) (*store.Task, error) {
	var task *store.Task
	err := m.store.WithSerializableRetry(ctx, commitAttempts, func(tx *store.Tx) error {
		page, err := tx.GetPage(ctx, pageID)
		if err != nil {
			return err
		}
		parent, err := tx.GetTask(ctx, page.TaskID)
		if err != nil {
			return err
		}
		if err := retryable(parent); err != nil {
			return err
		}
		if !page.Status.IsTerminal() {
			return fmt.Errorf("%w: page %d is %s", store.ErrInvalidState, page.ID, page.Status)
		}
		if err := resetPage(ctx, tx, page); err != nil {
			return err
		}
		task, err = reopen(ctx, tx, parent.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("page reset for retry", "task_id", task.ID, "page_id", pageID)
	events.Notify(m.events, task, true, true)
	return task, nil
}

// RetryFailedPages resets every FAILED page of a task. A task without failed
// pages is returned unchanged.
func (m *Manager) RetryFailedPages(ctx context.Context, taskID string) (*store.Task, int, error) {
	var (
		task  *store.Task
		reset int
	)
	err := m.store.WithSerializableRetry(ctx, commitAttempts, func(tx *store.Tx) error {
		task, reset = nil, 0
		parent, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := retryable(parent); err != nil {
			return err
		}
		failed, err := tx.ListPages(ctx, taskID, store.PageFailed)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			task = parent
			return nil
		}
		for _, p := range failed {
			if err := resetPage(ctx, tx, p); err != nil {
				return err
			}
		}
		reset = len(failed)
		task, err = reopen(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	if reset > 0 {
		m.logger.Info("failed pages reset for retry", "task_id", taskID, "pages", reset)
		events.Notify(m.events, task, true, true)
	}
	return task, reset, nil
}

// retryable rejects tasks that are cancelled, not split yet, or held by a
// splitter or merger.
func retryable(t *store.Task) error {
	switch t.Status {
	case store.TaskCancelled:
		return fmt.Errorf("%w: %s", store.ErrTaskCancelled, t.ID)
	case store.TaskCreated, store.TaskPending, store.TaskSplitting, store.TaskMerging:
		return fmt.Errorf("%w: task %s is %s", store.ErrInvalidState, t.ID, t.Status)
	}
	if t.Pages == 0 {
		return fmt.Errorf("%w: task %s has not been split", store.ErrInvalidState, t.ID)
	}
	return nil
}

func resetPage(ctx context.Context, tx *store.Tx, p *store.Page) error {
	if err := tx.ResetPage(ctx, p.ID); err != nil {
		return err
	}
	return tx.DecrementCounter(ctx, p.TaskID, p.Status)
}

// reopen moves a task back to PROCESSING with its progress recomputed.
func reopen(ctx context.Context, tx *store.Tx, taskID string) (*store.Task, error) {
	t, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	err = tx.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:        store.TaskProcessing,
		Progress:      store.Ptr(store.Progress(t.Finished(), t.Pages)),
		Error:         store.Ptr(""),
		MergedPath:    store.Ptr(""),
		ReleaseWorker: true,
	})
	if err != nil {
		return nil, err
	}
	return tx.GetTask(ctx, taskID)
}

// CancelTask stops a non-terminal task. Work in flight finishes but its
// results are discarded.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (*store.Task, error) {
	cur, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ok, err := m.store.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s is already %s", store.ErrInvalidState, taskID, cur.Status)
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("task cancelled", "task_id", taskID, "was", cur.Status)
	events.Notify(m.events, task, true, false)
	return task, nil
}

// MergePartial accepts a PARTIAL_FAILED task as is and queues it for merging
// with the pages that did convert.
func (m *Manager) MergePartial(ctx context.Context, taskID string) (*store.Task, error) {
	var task *store.Task
	err := m.store.WithSerializableRetry(ctx, commitAttempts, func(tx *store.Tx) error {
		cur, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if cur.Status != store.TaskPartialFailed {
			return fmt.Errorf("%w: task %s is %s", store.ErrInvalidState, taskID, cur.Status)
		}
		if cur.CompletedCount == 0 {
			return fmt.Errorf("%w: task %s has no completed pages", store.ErrInvalidState, taskID)
		}
		if err := tx.UpdateTask(ctx, taskID, store.TaskUpdate{Status: store.TaskReadyToMerge, ReleaseWorker: true}); err != nil {
			return err
		}
		task, err = tx.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("partial task queued for merge", "task_id", taskID, "failed", task.FailedCount)
	events.Notify(m.events, task, true, false)
	return task, nil
}
