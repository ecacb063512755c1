package model

import "time"

// Submission lifecycle states. Every submission moves through all five, in
// this order, exactly once.
const (
	StatusCreated   = "created"
	StatusQueued    = "queued"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusDisposed  = "disposed"
)

// validTransitions maps each status to the single status that may follow it.
var validTransitions = map[string]string{
	StatusCreated:   StatusQueued,
	StatusQueued:    StatusExecuting,
	StatusExecuting: StatusCompleted,
	StatusCompleted: StatusDisposed,
}

// ValidTransition reports whether moving from one status to another is allowed.
func ValidTransition(from, to string) bool {
	next, ok := validTransitions[from]
	return ok && next == to
}

// IsTerminal reports whether status is the final lifecycle state.
func IsTerminal(status string) bool {
	return status == StatusDisposed
}

// Submission is the journal record of one offloaded unit of work.
type Submission struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	DurationMS    int32      `json:"duration_ms"`
	Result        *int32     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CallbackError string     `json:"callback_error,omitempty"`
	WorkMS        *int64     `json:"work_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DisposedAt    *time.Time `json:"disposed_at,omitempty"`
}

// Failed reports whether the unit of work itself failed.
func (s *Submission) Failed() bool {
	return s.Error != ""
}
