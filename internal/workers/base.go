// Package workers runs the split, convert and merge stages of the pipeline.
//
// Workers never coordinate in memory. Every claim is a conditional update
// against the store and every aggregate change runs in a serializable
// transaction, so any number of workers can share one database.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/store"
)

// Kind names a worker's pipeline stage.
type Kind string

const (
	KindSplitter  Kind = "splitter"
	KindConverter Kind = "converter"
	KindMerger    Kind = "merger"
)

// cleanupTimeout bounds the store writes made after the loop context is gone.
const cleanupTimeout = 10 * time.Second

// defaultCommitAttempts is how often a conflicted completion transaction is rerun.
const defaultCommitAttempts = 5

// Worker is a single pipeline loop.
type Worker interface {
	ID() string
	Kind() Kind
	// Run blocks until Stop is called or ctx is cancelled.
	Run(ctx context.Context)
	Stop()
	Running() bool
}

// Deps are the collaborators every worker needs.
type Deps struct {
	Store  *store.Store
	Events events.Emitter
	Logger *slog.Logger
}

// Base is the lifecycle shared by all worker kinds.
type Base struct {
	id     string
	kind   Kind
	store  *store.Store
	events events.Emitter
	logger *slog.Logger

	running atomic.Bool
	stopped atomic.Bool

	mu            sync.Mutex
	cancel        context.CancelFunc
	currentTaskID string
	currentPageID int64
}

func (b *Base) init(kind Kind, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b.events = deps.Events
	if b.events == nil {
		b.events = events.Discard
	}
	b.id = fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	b.kind = kind
	b.store = deps.Store
	b.logger = logger.With("worker", b.id, "kind", kind)
}

// ID returns the worker identity written to worker_id columns.
func (b *Base) ID() string { return b.id }

// Kind returns the worker's stage.
func (b *Base) Kind() Kind { return b.kind }

// Running reports whether the loop is active.
func (b *Base) Running() bool { return b.running.Load() }

// Stop asks the loop to exit. It returns immediately; the loop finishes
// within one poll interval and releases whatever it holds.
func (b *Base) Stop() {
	b.stopped.Store(true)
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// loop calls step until stopped, sleeping for poll whenever step found no work.
func (b *Base) loop(ctx context.Context, poll time.Duration, step func(context.Context) bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.running.Store(true)
	defer b.running.Store(false)
	b.logger.Info("worker started", "poll", poll)

	for !b.stopped.Load() && ctx.Err() == nil {
		if step(ctx) {
			continue
		}
		if !sleep(ctx, poll) {
			break
		}
	}
	b.logger.Info("worker stopped")
}

// sleep waits for d, returning false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// detached returns a context that survives the loop being cancelled, for
// writes that must still happen on the way out.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// claim takes the oldest unowned task in from and moves it to to.
// Any failure is logged and reported as no work.
func (b *Base) claim(ctx context.Context, from, to store.TaskStatus) *store.Task {
	var task *store.Task
	err := b.store.Serializable(ctx, func(tx *store.Tx) error {
		task = nil
		candidate, err := tx.NextTask(ctx, from)
		if err != nil || candidate == nil {
			return err
		}
		ok, err := tx.ClaimTask(ctx, candidate.ID, from, to, b.id)
		if err != nil || !ok {
			return err
		}
		task, err = tx.GetTask(ctx, candidate.ID)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("failed to claim task", "from", from, "to", to, "error", err)
		}
		return nil
	}
	if task != nil {
		b.logger.Debug("claimed task", "task_id", task.ID, "status", task.Status)
		b.notify(task, true, false)
	}
	return task
}

// updateStatus applies u unconditionally and emits the matching events.
func (b *Base) updateStatus(ctx context.Context, taskID string, u store.TaskUpdate) (*store.Task, error) {
	if err := b.store.UpdateTask(ctx, taskID, u); err != nil {
		return nil, err
	}
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	b.notify(task, u.Status != "", u.Progress != nil)
	return task, nil
}

// finishClaim applies u to a task this worker holds in status, in one
// serializable transaction. An empty status accepts any status the worker
// holds. A task cancelled or reassigned in the meantime is left alone.
func (b *Base) finishClaim(ctx context.Context, taskID string, status store.TaskStatus, u store.TaskUpdate, fn func(*store.Tx) error) (*store.Task, error) {
	var task *store.Task
	err := b.store.WithSerializableRetry(ctx, defaultCommitAttempts, func(tx *store.Tx) error {
		cur, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if cur.Status == store.TaskCancelled {
			return store.ErrTaskCancelled
		}
		if (status != "" && cur.Status != status) || cur.WorkerID != b.id {
			return fmt.Errorf("%w: task %s is %s held by %q", store.ErrOwnershipLost, taskID, cur.Status, cur.WorkerID)
		}
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		if err := tx.UpdateTask(ctx, taskID, u); err != nil {
			return err
		}
		task, err = tx.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.notify(task, u.Status != "", u.Progress != nil)
	return task, nil
}

// handleError fails a task this worker holds and releases it for
// inspection. A task that was cancelled or taken over is not touched. It
// never returns an error since it already runs on a failure path.
func (b *Base) handleError(ctx context.Context, taskID string, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	_, err := b.finishClaim(ctx, taskID, "", store.TaskUpdate{
		Status:        store.TaskFailed,
		Error:         store.Ptr(cause.Error()),
		ReleaseWorker: true,
	}, nil)
	switch {
	case err == nil:
		b.logger.Error("task failed", "task_id", taskID, "error", cause)
	case errors.Is(err, store.ErrTaskCancelled):
		b.logger.Info("task cancelled before failure was recorded", "task_id", taskID, "error", cause)
	case errors.Is(err, store.ErrOwnershipLost):
		b.logger.Warn("task failed after losing it", "task_id", taskID, "cause", cause, "error", err)
	default:
		b.logger.Error("failed to record task failure", "task_id", taskID, "cause", cause, "error", err)
	}
}

// releaseTask hands a held task back in status, e.g. on shutdown.
func (b *Base) releaseTask(ctx context.Context, taskID string, status store.TaskStatus) {
	ctx, cancel := detached(ctx)
	defer cancel()

	ok, err := b.store.ReleaseTask(ctx, taskID, b.id, status)
	switch {
	case err != nil:
		b.logger.Error("failed to release task", "task_id", taskID, "error", err)
	case ok:
		b.logger.Info("released task", "task_id", taskID, "status", status)
		if task, err := b.store.GetTask(ctx, taskID); err == nil {
			b.notify(task, true, false)
		}
	}
}

func (b *Base) notify(task *store.Task, statusChanged, progressChanged bool) {
	events.Notify(b.events, task, statusChanged, progressChanged)
}

func (b *Base) setCurrentTask(id string) {
	b.mu.Lock()
	b.currentTaskID = id
	b.mu.Unlock()
}

func (b *Base) setCurrentPage(id int64) {
	b.mu.Lock()
	b.currentPageID = id
	b.mu.Unlock()
}

// Current returns the task and page the worker holds right now, if any.
func (b *Base) Current() (taskID string, pageID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTaskID, b.currentPageID
}

// interrupted reports whether the loop is shutting down, in which case a
// failed unit of work is released rather than failed.
func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}
