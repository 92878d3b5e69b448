package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const pageColumns = `id, task_id, page, page_source, provider, model, status, worker_id,
	image_path, content, error, retry_count, input_tokens, output_tokens,
	conversion_time, started_at, completed_at`

func scanPage(row rowScanner) (*Page, error) {
	var p Page
	var workerID, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.TaskID, &p.Page, &p.PageSource, &p.Provider, &p.Model, &p.Status, &workerID,
		&p.ImagePath, &p.Content, &errMsg, &p.RetryCount, &p.InputTokens, &p.OutputTokens,
		&p.ConversionTime, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	p.WorkerID = workerID.String
	p.Error = errMsg.String
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}

// InsertPages stores a batch of new PENDING pages and fills in their ids.
func (c conn) InsertPages(ctx context.Context, pages []*Page) error {
	const q = `INSERT INTO pages (task_id, page, page_source, provider, model, status, image_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, p := range pages {
		p.Status = PagePending
		args := []any{p.TaskID, p.Page, p.PageSource, p.Provider, p.Model, p.Status, p.ImagePath}

		if c.dialect == DialectPostgres {
			if err := c.queryRow(ctx, q+` RETURNING id`, args...).Scan(&p.ID); err != nil {
				return fmt.Errorf("failed to insert page %d: %w", p.Page, err)
			}
			continue
		}
		res, err := c.exec(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("failed to insert page %d: %w", p.Page, err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read page id: %w", err)
		}
	}
	return nil
}

// GetPage returns a page by id.
func (c conn) GetPage(ctx context.Context, id int64) (*Page, error) {
	p, err := scanPage(c.queryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrPageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return p, nil
}

// ListPages returns a task's pages ordered by page number.
// An empty status returns every page.
func (c conn) ListPages(ctx context.Context, taskID string, status PageStatus) ([]*Page, error) {
	q := `SELECT ` + pageColumns + ` FROM pages WHERE task_id = ?`
	args := []any{taskID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY page, id`

	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NextPage returns a claim candidate: an unowned PENDING page whose task is
// PROCESSING, preferring pages that have not failed yet, then low page numbers.
// The result may be stale; ClaimPage revalidates it.
func (c conn) NextPage(ctx context.Context) (*Page, error) {
	p, err := scanPage(c.queryRow(ctx, `SELECT p.id, p.task_id, p.page, p.page_source, p.provider,
		p.model, p.status, p.worker_id, p.image_path, p.content, p.error, p.retry_count,
		p.input_tokens, p.output_tokens, p.conversion_time, p.started_at, p.completed_at
		FROM pages p JOIN tasks t ON t.id = p.task_id
		WHERE p.status = ? AND p.worker_id IS NULL AND t.status = ?
		ORDER BY p.retry_count, p.page, p.id
		LIMIT 1`, PagePending, TaskProcessing))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select page: %w", err)
	}
	return p, nil
}

// ClaimPage takes exclusive ownership of a PENDING page for workerID.
// The parent task must still be PROCESSING at the moment of the update.
// It returns false when another worker won the race or the task moved on.
func (c conn) ClaimPage(ctx context.Context, id int64, workerID string) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE pages SET status = ?, worker_id = ?, started_at = ?
		WHERE id = ? AND status = ? AND worker_id IS NULL
		AND EXISTS (SELECT 1 FROM tasks t WHERE t.id = pages.task_id AND t.status = ?)`,
		PageProcessing, workerID, now(), id, PagePending, TaskProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to claim page: %w", err)
	}
	return ok, nil
}

// CompletePage records a successful conversion if workerID still holds the page.
func (c conn) CompletePage(ctx context.Context, id int64, workerID string, r PageResult) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE pages SET status = ?, content = ?, input_tokens = ?,
		output_tokens = ?, conversion_time = ?, completed_at = ?, worker_id = NULL, error = NULL
		WHERE id = ? AND worker_id = ? AND status = ?`,
		PageCompleted, r.Content, r.InputTokens, r.OutputTokens, r.ConversionTime.Milliseconds(), now(),
		id, workerID, PageProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to complete page: %w", err)
	}
	return ok, nil
}

// FailPage records a failed conversion if workerID still holds the page.
func (c conn) FailPage(ctx context.Context, id int64, workerID, msg string) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE pages SET status = ?, error = ?, completed_at = ?, worker_id = NULL
		WHERE id = ? AND worker_id = ? AND status = ?`,
		PageFailed, TruncateError(msg), now(), id, workerID, PageProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to fail page: %w", err)
	}
	return ok, nil
}

// IncrementPageRetry bumps retry_count while workerID holds the page.
func (c conn) IncrementPageRetry(ctx context.Context, id int64, workerID string) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE pages SET retry_count = retry_count + 1 WHERE id = ? AND worker_id = ?`,
		id, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return ok, nil
}

// ReleasePage returns a page held by workerID to PENDING without recording an outcome.
func (c conn) ReleasePage(ctx context.Context, id int64, workerID string) (bool, error) {
	ok, err := c.execOne(ctx, `UPDATE pages SET status = ?, worker_id = NULL, started_at = NULL
		WHERE id = ? AND worker_id = ? AND status = ?`,
		PagePending, id, workerID, PageProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to release page: %w", err)
	}
	return ok, nil
}

// ResetPage puts a page back to a fresh PENDING state, clearing its result.
func (c conn) ResetPage(ctx context.Context, id int64) error {
	ok, err := c.execOne(ctx, `UPDATE pages SET status = ?, worker_id = NULL, content = '', error = NULL,
		retry_count = 0, input_tokens = 0, output_tokens = 0, conversion_time = 0,
		started_at = NULL, completed_at = NULL
		WHERE id = ?`, PagePending, id)
	if err != nil {
		return fmt.Errorf("failed to reset page: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrPageNotFound, id)
	}
	return nil
}
