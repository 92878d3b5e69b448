package store

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrTaskNotFound is returned when a task id matches no row.
	ErrTaskNotFound = errors.New("task not found")

	// ErrPageNotFound is returned when a page id matches no row.
	ErrPageNotFound = errors.New("page not found")

	// ErrOwnershipLost is returned when a worker no longer holds the row it is writing.
	ErrOwnershipLost = errors.New("ownership lost")

	// ErrTaskCancelled is returned when work is discarded because its task was cancelled.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrInvalidState is returned when an operation is not allowed in the row's current status.
	ErrInvalidState = errors.New("invalid state")
)

// IsConflict reports whether err is a serialization or lock conflict that
// should be retried by rerunning the whole transaction.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		// serialization_failure, deadlock_detected
		return pe.Code == "40001" || pe.Code == "40P01"
	}
	return false
}
