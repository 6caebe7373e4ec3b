// Package queue carries the engine's asynchronous work: advance jobs that
// drive an enrollment forward, and email jobs handed to the send worker.
// Delivery is at-least-once; consumers must tolerate duplicates.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when nothing is ready.
var ErrEmpty = errors.New("queue empty")

// AdvanceJob asks the executor to move one enrollment forward.
type AdvanceJob struct {
	EnrollmentID uint   `json:"enrollment_id"`
	Reason       string `json:"reason,omitempty"` // enrolled, wait, retry, sweep, resume
}

// EmailJob is the payload accepted by the email dispatch queue.
type EmailJob struct {
	ID                string         `json:"id"`
	Recipient         string         `json:"recipient"`
	Subject           string         `json:"subject"`
	HTMLContent       string         `json:"html_content"`
	FromName          string         `json:"from_name"`
	FromEmail         string         `json:"from_email"`
	SendingProviderID uint           `json:"sending_provider_id"`
	ProviderConfig    map[string]any `json:"provider_config"`
	EnrollmentID      uint           `json:"enrollment_id"`
	StepID            uint           `json:"step_id"`
	EnqueuedAt        time.Time      `json:"enqueued_at"`
}

// AdvanceQueue schedules advance jobs, immediately or at a due time.
type AdvanceQueue interface {
	Enqueue(ctx context.Context, job AdvanceJob) error
	EnqueueAt(ctx context.Context, job AdvanceJob, at time.Time) error
	EnqueueBatch(ctx context.Context, jobs []AdvanceJob) error
	// Dequeue claims up to limit jobs due at or before now.
	Dequeue(ctx context.Context, now time.Time, limit int) ([]AdvanceJob, error)
}

// EmailQueue accepts email jobs and returns their job id.
type EmailQueue interface {
	Enqueue(ctx context.Context, job EmailJob) (string, error)
	// Dequeue blocks up to timeout; ErrEmpty when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*EmailJob, error)
}
