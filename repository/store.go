// Package repository is the persistence adapter for sequences, steps,
// enrollments and step executions, plus the read side of subscribers,
// segments, suppressions and sending providers.
package repository

import (
	"context"
	"errors"
	"time"

	"sequencer/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// PairKey identifies an enrollment by (sequence, subscriber).
type PairKey struct {
	SequenceID   uint
	SubscriberID uint
}

// EnrollmentCounts are the per-status aggregates behind sequence stats.
type EnrollmentCounts struct {
	Total     int64
	Active    int64
	Completed int64
	Exited    int64
	Paused    int64
}

// CountRange bounds an aggregate by enrolled_at. Nil ends are open.
type CountRange struct {
	From *time.Time
	To   *time.Time
}

// SequenceStore persists sequences and their steps.
type SequenceStore interface {
	CreateSequence(ctx context.Context, seq *models.Sequence) error
	// GetSequence loads the sequence with its steps ordered by step_order.
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	ListSequences(ctx context.Context, ownerID uint) ([]models.Sequence, error)
	// ActiveSequences loads active sequences of an owner (all owners when
	// ownerID is 0) with their steps. An empty trigger matches every type.
	ActiveSequences(ctx context.Context, ownerID uint, trigger models.TriggerType) ([]models.Sequence, error)
	UpdateSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error
	UpdateSequenceStats(ctx context.Context, id uint, stats models.SequenceStats) error
	CreateStep(ctx context.Context, step *models.SequenceStep) error
}

// EnrollmentStore persists enrollments. Every transition is conditional on
// the row's current status so concurrent writers cannot resurrect a
// terminal enrollment.
type EnrollmentStore interface {
	// CreateEnrollment inserts the enrollment unless an active one already
	// exists for the pair, in which case created is false.
	CreateEnrollment(ctx context.Context, e *models.Enrollment) (created bool, err error)
	// CreateEnrollments inserts a batch, skipping pairs that conflict.
	CreateEnrollments(ctx context.Context, batch []*models.Enrollment) error
	GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error)
	// FindEnrollment returns the most recent enrollment for the pair.
	FindEnrollment(ctx context.Context, sequenceID, subscriberID uint) (*models.Enrollment, error)
	// EnrolledPairs reports which pairs already have an enrollment.
	EnrolledPairs(ctx context.Context, sequenceIDs, subscriberIDs []uint) (map[PairKey]bool, error)
	// AdvanceEnrollment writes the progress columns of e if it is still
	// active. ok is false when the enrollment left the active state.
	AdvanceEnrollment(ctx context.Context, e *models.Enrollment) (ok bool, err error)
	CompleteEnrollment(ctx context.Context, id uint, at time.Time) (ok bool, err error)
	ExitEnrollment(ctx context.Context, id uint, reason string, at time.Time) (ok bool, err error)
	// ExitActive exits every active enrollment of the subscriber, restricted
	// to one sequence when sequenceID is non-zero.
	ExitActive(ctx context.Context, sequenceID, subscriberID uint, reason string, at time.Time) (int64, error)
	PauseEnrollment(ctx context.Context, id uint) (ok bool, err error)
	ResumeEnrollment(ctx context.Context, id uint, at time.Time) (ok bool, err error)
	// RetryEnrollment reschedules an active enrollment that is held after
	// a permanent step failure. ok is false when it is not held.
	RetryEnrollment(ctx context.Context, id uint, at time.Time) (ok bool, err error)
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]uint, error)
	CountEnrollments(ctx context.Context, sequenceID uint, r CountRange) (EnrollmentCounts, error)
}

// ExecutionStore persists step executions.
type ExecutionStore interface {
	// CreateExecution inserts the attempt. created is false when the
	// (enrollment, step, attempt) key already exists.
	CreateExecution(ctx context.Context, x *models.StepExecution) (created bool, err error)
	// LatestExecution returns the highest attempt for (enrollment, step).
	LatestExecution(ctx context.Context, enrollmentID, stepID uint) (*models.StepExecution, error)
	UpdateExecution(ctx context.Context, x *models.StepExecution) error
	ListExecutions(ctx context.Context, enrollmentID uint) ([]models.StepExecution, error)
}

// SubscriberStore is the subscriber/segment/suppression side the engine reads,
// plus the tag and field writes performed by action steps.
type SubscriberStore interface {
	GetSubscriber(ctx context.Context, id uint) (*models.Subscriber, error)
	CreateSubscribers(ctx context.Context, subs []*models.Subscriber) error
	SegmentIDs(ctx context.Context, subscriberIDs []uint) (map[uint][]uint, error)
	IsSuppressed(ctx context.Context, ownerID uint, email string) (bool, error)
	Suppress(ctx context.Context, s *models.Suppression) error
	MarkUnsubscribed(ctx context.Context, subscriberID uint, at time.Time) error
	AddTag(ctx context.Context, subscriberID uint, tag string) error
	RemoveTag(ctx context.Context, subscriberID uint, tag string) error
	SetField(ctx context.Context, subscriberID uint, name, value string) error
}

// ProviderStore persists sending providers. Passwords are stored as
// given; callers encrypt them.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *models.SendingProvider) error
	GetProvider(ctx context.Context, id uint) (*models.SendingProvider, error)
	ListProviders(ctx context.Context, ownerID uint) ([]models.SendingProvider, error)
	UpdateProvider(ctx context.Context, p *models.SendingProvider) error
}

// Store is the full persistence surface.
type Store interface {
	SequenceStore
	EnrollmentStore
	ExecutionStore
	SubscriberStore
	ProviderStore
}
