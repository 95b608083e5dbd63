// Package runner executes long-running work out of band and tracks it as pollable jobs.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/minerp/internal/shared"
)

// Status enumerates job states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind names a registered unit of work.
type Kind string

// Job is the pollable record of one submission.
type Job struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	Status          Status          `json:"status"`
	Params          json.RawMessage `json:"params,omitempty"`
	ActorID         int64           `json:"actor_id"`
	Processed       int64           `json:"processed"`
	Total           int64           `json:"total"`
	OutputRef       string          `json:"output_ref,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// ErrCancelled is returned by Progress.Step once cancellation was requested.
var ErrCancelled = errors.New("job cancelled")

func notFound(id string) error {
	return fmt.Errorf("job %s: %w", id, shared.ErrNotFound)
}

func precondition(id, rule string) error {
	return &shared.RuleError{Kind: shared.ErrPrecondition, Entity: "job", Rule: rule, Detail: id}
}
