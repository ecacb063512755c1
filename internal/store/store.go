package store

import (
	"context"
	"errors"

	"github.com/seantiz/offload/internal/model"
)

// ErrInvalidTransition is returned when a submission status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// SubmissionStats holds aggregate journal statistics.
type SubmissionStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	Failed           int            `json:"failed"`
	CallbackFailures int            `json:"callback_failures"`
	AvgWorkMS        float64        `json:"avg_work_ms"`
}

// Store defines the persistence operations for the submission journal.
type Store interface {
	CreateSubmission(ctx context.Context, s *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, limit, offset int) ([]*model.Submission, int, error)
	UpdateSubmission(ctx context.Context, s *model.Submission) error
	GetStats(ctx context.Context) (*SubmissionStats, error)
	Close() error
}
