package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type SequenceStatus string

const (
	SequenceDraft     SequenceStatus = "draft"
	SequenceActive    SequenceStatus = "active"
	SequencePaused    SequenceStatus = "paused"
	SequenceCompleted SequenceStatus = "completed"
)

type TriggerType string

const (
	TriggerSubscription TriggerType = "subscription"
	TriggerTagAdded     TriggerType = "tag_added"
	TriggerManual       TriggerType = "manual"
	TriggerWebhook      TriggerType = "webhook"
	TriggerDate         TriggerType = "date"
)

type StepType string

const (
	StepEmail     StepType = "email"
	StepWait      StepType = "wait"
	StepCondition StepType = "condition"
	StepAction    StepType = "action"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
	EnrollmentPaused    EnrollmentStatus = "paused"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// Sequence represents an automated multi-step email workflow
type Sequence struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"default:'draft';index" json:"status"`

	// Trigger
	TriggerType   TriggerType   `gorm:"not null;index" json:"trigger_type"`
	TriggerConfig TriggerConfig `gorm:"type:jsonb;serializer:json" json:"trigger_config"`

	Settings SequenceSettings `gorm:"type:jsonb;serializer:json" json:"settings"`

	// Statistics (materialized, recomputed from enrollments)
	Stats SequenceStats `gorm:"type:jsonb;serializer:json" json:"stats"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// TriggerConfig narrows which subscribers a trigger enrolls
type TriggerConfig struct {
	SegmentIDs []uint `json:"segment_ids,omitempty"`
	Tag        string `json:"tag,omitempty"`   // tag_added triggers
	Event      string `json:"event,omitempty"` // webhook triggers
}

type SequenceSettings struct {
	SendingProviderID *uint  `json:"sending_provider_id,omitempty"`
	FromName          string `json:"from_name,omitempty"`
	FromEmail         string `json:"from_email,omitempty"`
	AllowReenrollment bool   `json:"allow_reenrollment"`
}

type SequenceStats struct {
	TotalEntered   int64      `json:"total_entered"`
	TotalCompleted int64      `json:"total_completed"`
	CurrentActive  int64      `json:"current_active"`
	TotalExited    int64      `json:"total_exited"`
	ConversionRate float64    `json:"conversion_rate"`
	ComputedAt     *time.Time `json:"computed_at,omitempty"`
}

// SequenceStep is one unit of work in a sequence. Config holds the
// type-specific payload and is decoded by the engine according to Type.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepOrder int             `gorm:"not null" json:"step_order"`
	Type      StepType        `gorm:"not null" json:"type"`
	Name      string          `json:"name"`
	Config    json.RawMessage `gorm:"type:jsonb" json:"config"`
	IsActive  bool            `json:"is_active"`
}

// Enrollment is one subscriber's run through one sequence
type Enrollment struct {
	gorm.Model
	SequenceID   uint `gorm:"not null;index;uniqueIndex:idx_enrollment_active_pair,where:status = 'active'" json:"sequence_id"`
	SubscriberID uint `gorm:"not null;index;uniqueIndex:idx_enrollment_active_pair" json:"subscriber_id"`
	UserID       uint `gorm:"not null;index" json:"user_id"`

	Status EnrollmentStatus `gorm:"not null;default:'active';index" json:"status"`

	// Progress
	CurrentStepID        *uint      `json:"current_step_id"`
	CurrentStepStartedAt *time.Time `json:"current_step_started_at"`
	BranchStepID         *uint      `json:"branch_step_id,omitempty"` // set by a condition step
	NextScheduledAt      *time.Time `gorm:"index" json:"next_scheduled_at"`

	// failures recorded before this instant are retried instead of held
	RetryRequestedAt *time.Time `json:"retry_requested_at,omitempty"`

	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ExitedAt    *time.Time `json:"exited_at"`
	ExitReason  string     `json:"exit_reason,omitempty"`

	Metadata map[string]any `gorm:"type:jsonb;serializer:json" json:"metadata"`
}

func (Enrollment) TableName() string {
	return "sequence_enrollments"
}

// StepExecution records one attempt to run one step for one enrollment
type StepExecution struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;uniqueIndex:idx_step_execution_attempt" json:"enrollment_id"`
	StepID       uint `gorm:"not null;uniqueIndex:idx_step_execution_attempt" json:"step_id"`
	Attempt      int  `gorm:"not null;default:1;uniqueIndex:idx_step_execution_attempt" json:"attempt"`

	Status      ExecutionStatus `gorm:"not null;index" json:"status"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`

	Result        map[string]any `gorm:"type:jsonb;serializer:json" json:"result,omitempty"`
	Error         string         `gorm:"type:text" json:"error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"` // validation, not_found, transient, partial
	ExternalJobID string         `json:"external_job_id,omitempty"`
}

func (StepExecution) TableName() string {
	return "sequence_step_executions"
}
