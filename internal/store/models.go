package store

import (
	"math"
	"time"
)

// TaskStatus is the lifecycle state of a document conversion task.
type TaskStatus string

const (
	TaskCreated       TaskStatus = "CREATED"
	TaskPending       TaskStatus = "PENDING"
	TaskSplitting     TaskStatus = "SPLITTING"
	TaskProcessing    TaskStatus = "PROCESSING"
	TaskReadyToMerge  TaskStatus = "READY_TO_MERGE"
	TaskPartialFailed TaskStatus = "PARTIAL_FAILED"
	TaskMerging       TaskStatus = "MERGING"
	TaskCompleted     TaskStatus = "COMPLETED"
	TaskFailed        TaskStatus = "FAILED"
	TaskCancelled     TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no worker will touch a task in this state again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskCreated, TaskPending, TaskSplitting, TaskProcessing, TaskReadyToMerge,
		TaskPartialFailed, TaskMerging, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// PageStatus is the lifecycle state of a single page.
type PageStatus string

const (
	PagePending    PageStatus = "PENDING"
	PageProcessing PageStatus = "PROCESSING"
	PageCompleted  PageStatus = "COMPLETED"
	PageFailed     PageStatus = "FAILED"
)

// IsTerminal reports whether the page has been counted in its task aggregates.
func (s PageStatus) IsTerminal() bool {
	return s == PageCompleted || s == PageFailed
}

// Valid reports whether s is a known page status.
func (s PageStatus) Valid() bool {
	switch s {
	case PagePending, PageProcessing, PageCompleted, PageFailed:
		return true
	}
	return false
}

// Task is one document conversion job.
type Task struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	SourcePath string `json:"source_path"`
	WorkDir    string `json:"work_dir"`
	PageRange  string `json:"page_range,omitempty"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`

	Pages          int `json:"pages"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
	Progress       int `json:"progress"`

	Status     TaskStatus `json:"status"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	MergedPath string     `json:"merged_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Finished returns the number of pages that reached a terminal state.
func (t *Task) Finished() int {
	return t.CompletedCount + t.FailedCount
}

// Progress computes round(finished/pages*100), 0 for an unsplit task.
func Progress(finished, pages int) int {
	if pages <= 0 {
		return 0
	}
	p := int(math.Round(float64(finished) / float64(pages) * 100))
	if p > 100 {
		p = 100
	}
	return p
}

// Page is one unit of conversion work (a single source page of a task).
type Page struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	Page       int    `json:"page"`
	PageSource int    `json:"page_source"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`

	Status         PageStatus `json:"status"`
	WorkerID       string     `json:"worker_id,omitempty"`
	ImagePath      string     `json:"image_path"`
	Content        string     `json:"content,omitempty"`
	Error          string     `json:"error,omitempty"`
	RetryCount     int        `json:"retry_count"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	ConversionTime int64      `json:"conversion_time_ms"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// PageResult is the outcome of a successful page conversion.
type PageResult struct {
	Content        string
	InputTokens    int
	OutputTokens   int
	ConversionTime time.Duration
}

// TaskUpdate lists the task columns an update touches. Nil fields are left alone.
type TaskUpdate struct {
	Status     TaskStatus // empty = unchanged
	Pages      *int
	Progress   *int
	Error      *string // "" stores NULL
	MergedPath *string // "" stores NULL

	// ReleaseWorker sets worker_id to NULL.
	ReleaseWorker bool
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
}

// Ptr returns a pointer to v, for TaskUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}

const maxErrorLength = 1000

// TruncateError bounds a stored error message to 1000 runes, marking the cut with "...".
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxErrorLength {
		return msg
	}
	return string(r[:maxErrorLength-3]) + "..."
}
