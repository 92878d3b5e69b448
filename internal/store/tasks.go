package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const taskColumns = `id, filename, source_path, work_dir, page_range, provider, model,
	pages, completed_count, failed_count, progress, status, worker_id, error,
	merged_path, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var workerID, errMsg, mergedPath sql.NullString
	err := row.Scan(
		&t.ID, &t.Filename, &t.SourcePath, &t.WorkDir, &t.PageRange, &t.Provider, &t.Model,
		&t.Pages, &t.CompletedCount, &t.FailedCount, &t.Progress, &t.Status, &workerID, &errMsg,
		&mergedPath, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.WorkerID = workerID.String
	t.Error = errMsg.String
	t.MergedPath = mergedPath.String
	return &t, nil
}

// InsertTask stores a new task. CreatedAt/UpdatedAt are set when zero.
func (c conn) InsertTask(ctx context.Context, t *Task) error {
	ts := now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = ts
	}
	t.UpdatedAt = ts
	if t.Status == "" {
		t.Status = TaskPending
	}
	_, err := c.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Filename, t.SourcePath, t.WorkDir, t.PageRange, t.Provider, t.Model,
		t.Pages, t.CompletedCount, t.FailedCount, t.Progress, t.Status,
		nullString(t.WorkerID), nullString(t.Error), nullString(t.MergedPath),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (c conn) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(c.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first.
func (c conn) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextTask returns the oldest unowned task in status, or nil if there is none.
func (c conn) NextTask(ctx context.Context, status TaskStatus) (*Task, error) {
	t, err := scanTask(c.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND worker_id IS NULL
		ORDER BY created_at, id
		LIMIT 1`, status))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select task: %w", err)
	}
	return t, nil
}

// ClaimTask moves an unowned task from one status to another on behalf of workerID.
// It returns false when another actor changed the row first.
func (c conn) ClaimTask(ctx context.Context, id string, from, to TaskStatus, workerID string) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE tasks SET status = ?, worker_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id IS NULL`,
		to, workerID, now(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	return ok, nil
}

// ReleaseTask hands a task back by resetting its status and clearing the
// owner, provided workerID still holds it.
func (c conn) ReleaseTask(ctx context.Context, id, workerID string, status TaskStatus) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE tasks SET status = ?, worker_id = NULL, updated_at = ?
		WHERE id = ? AND worker_id = ?`,
		status, now(), id, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to release task: %w", err)
	}
	return ok, nil
}

// UpdateTask applies u to a task unconditionally.
func (c conn) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{now()}
	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, u.Status)
	}
	if u.Pages != nil {
		sets = append(sets, "pages = ?")
		args = append(args, *u.Pages)
	}
	if u.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *u.Progress)
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(TruncateError(*u.Error)))
	}
	if u.MergedPath != nil {
		sets = append(sets, "merged_path = ?")
		args = append(args, nullString(*u.MergedPath))
	}
	if u.ReleaseWorker {
		sets = append(sets, "worker_id = NULL")
	}
	args = append(args, id)

	ok, err := c.execOne(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// IncrementCompleted adds one to a task's completed_count.
func (c conn) IncrementCompleted(ctx context.Context, id string) error {
	return c.adjustCounter(ctx, id, `completed_count = completed_count + 1`)
}

// IncrementFailed adds one to a task's failed_count.
func (c conn) IncrementFailed(ctx context.Context, id string) error {
	return c.adjustCounter(ctx, id, `failed_count = failed_count + 1`)
}

// DecrementCounter takes back the contribution of a page that finished with status.
// Counters never go below zero.
func (c conn) DecrementCounter(ctx context.Context, id string, status PageStatus) error {
	switch status {
	case PageCompleted:
		return c.adjustCounter(ctx, id, `completed_count = CASE WHEN completed_count > 0 THEN completed_count - 1 ELSE 0 END`)
	case PageFailed:
		return c.adjustCounter(ctx, id, `failed_count = CASE WHEN failed_count > 0 THEN failed_count - 1 ELSE 0 END`)
	default:
		return nil
	}
}

func (c conn) adjustCounter(ctx context.Context, id, set string) error {
	ok, err := c.execOne(ctx, `UPDATE tasks SET `+set+`, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update task counters: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// CancelTask marks a non-terminal task CANCELLED and clears its owner.
// It returns false if the task was already terminal.
func (c conn) CancelTask(ctx context.Context, id string) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE tasks SET status = ?, worker_id = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		TaskCancelled, now(), id, TaskCompleted, TaskFailed, TaskCancelled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	return ok, nil
}

// OrphanCounts reports how many rows ReleaseOrphans reset.
type OrphanCounts struct {
	Splitting int64
	Merging   int64
	Pages     int64
}

// Total returns the number of rows released.
func (o OrphanCounts) Total() int64 {
	return o.Splitting + o.Merging + o.Pages
}

// ReleaseOrphans resets claims left behind by a process that died mid-stage.
// Only safe when no other process is running workers against the store.
func (c conn) ReleaseOrphans(ctx context.Context) (OrphanCounts, error) {
	var counts OrphanCounts
	ts := now()

	res, err := c.exec(ctx, `UPDATE tasks SET status = ?, worker_id = NULL, updated_at = ? WHERE status = ?`,
		TaskPending, ts, TaskSplitting)
	if err != nil {
		return counts, fmt.Errorf("failed to release splitting tasks: %w", err)
	}
	counts.Splitting, _ = res.RowsAffected()

	res, err = c.exec(ctx, `UPDATE tasks SET status = ?, worker_id = NULL, updated_at = ? WHERE status = ?`,
		TaskReadyToMerge, ts, TaskMerging)
	if err != nil {
		return counts, fmt.Errorf("failed to release merging tasks: %w", err)
	}
	counts.Merging, _ = res.RowsAffected()

	res, err = c.exec(ctx, `UPDATE pages SET status = ?, worker_id = NULL, started_at = NULL WHERE status = ?`,
		PagePending, PageProcessing)
	if err != nil {
		return counts, fmt.Errorf("failed to release processing pages: %w", err)
	}
	counts.Pages, _ = res.RowsAffected()

	return counts, nil
}
