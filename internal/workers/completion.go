package workers

import (
	"context"
	"fmt"

	"github.com/jackzampolin/folio/internal/store"
)

// CompleteSuccess records a converted page and advances its task.
// It returns the task after the change, or nil when the page had already
// been recorded (a duplicate completion is a no-op).
func (w *ConverterWorker) CompleteSuccess(ctx context.Context, page *store.Page, result store.PageResult) (*store.Task, error) {
	return w.complete(ctx, page, func(tx *store.Tx) (bool, error) {
		ok, err := tx.CompletePage(ctx, page.ID, w.id, result)
		if err != nil || !ok {
			return ok, err
		}
		return true, tx.IncrementCompleted(ctx, page.TaskID)
	})
}

// CompleteFailure records a page that will not be converted and advances its task.
func (w *ConverterWorker) CompleteFailure(ctx context.Context, page *store.Page, cause error) (*store.Task, error) {
	return w.complete(ctx, page, func(tx *store.Tx) (bool, error) {
		ok, err := tx.FailPage(ctx, page.ID, w.id, cause.Error())
		if err != nil || !ok {
			return ok, err
		}
		return true, tx.IncrementFailed(ctx, page.TaskID)
	})
}

// complete runs record inside the aggregation transaction: ownership and
// cancellation guards, then the page write and counter bump, then the
// terminal check and progress update. The counter read that decides the
// terminal transition sees the same snapshot as the increment, so only one
// of several concurrent finishers moves the task on.
func (w *ConverterWorker) complete(ctx context.Context, page *store.Page, record func(*store.Tx) (bool, error)) (*store.Task, error) {
	var (
		task          *store.Task
		statusChanged bool
		aborted       error
	)

	err := w.store.WithSerializableRetry(ctx, w.cfg.CommitAttempts, func(tx *store.Tx) error {
		task, statusChanged, aborted = nil, false, nil

		cur, err := tx.GetPage(ctx, page.ID)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			return nil
		}
		if cur.WorkerID != w.id {
			return fmt.Errorf("%w: page %d is held by %q", store.ErrOwnershipLost, page.ID, cur.WorkerID)
		}

		parent, err := tx.GetTask(ctx, cur.TaskID)
		if err != nil {
			return err
		}
		if parent.Status != store.TaskProcessing {
			// Hand the page back without touching content or counters. The
			// release commits; the caller still learns why nothing was recorded.
			if _, err := tx.ReleasePage(ctx, page.ID, w.id); err != nil {
				return err
			}
			if parent.Status == store.TaskCancelled {
				aborted = store.ErrTaskCancelled
			} else {
				aborted = fmt.Errorf("%w: task %s is %s", store.ErrInvalidState, parent.ID, parent.Status)
			}
			return nil
		}

		ok, err := record(tx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: page %d", store.ErrOwnershipLost, page.ID)
		}

		counts, err := tx.GetTask(ctx, cur.TaskID)
		if err != nil {
			return err
		}
		finished := counts.Finished()
		update := store.TaskUpdate{Progress: store.Ptr(store.Progress(finished, counts.Pages))}
		if finished >= counts.Pages {
			update.Status = store.TaskReadyToMerge
			if counts.FailedCount > 0 {
				update.Status = store.TaskPartialFailed
			}
			update.ReleaseWorker = true
			statusChanged = true
		}
		if err := tx.UpdateTask(ctx, cur.TaskID, update); err != nil {
			return err
		}

		task, err = tx.GetTask(ctx, cur.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if aborted != nil {
		return nil, aborted
	}
	if task == nil {
		w.logger.Debug("page already recorded", "page_id", page.ID)
		return nil, nil
	}

	w.notify(task, statusChanged, true)
	if statusChanged {
		w.logger.Info("all pages finished",
			"task_id", task.ID,
			"status", task.Status,
			"completed", task.CompletedCount,
			"failed", task.FailedCount,
		)
	}
	return task, nil
}
