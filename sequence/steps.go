package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sequencer/models"
	"sequencer/utils"
)

// StepConfig is the decoded, type-specific payload of a step. Each variant
// routes itself to the matching StepVisitor method, so a new step type does
// not compile until every visitor handles it.
type StepConfig interface {
	Type() models.StepType
	Accept(ctx context.Context, v StepVisitor) (Outcome, error)
}

// StepVisitor performs the side effect of each step type.
type StepVisitor interface {
	VisitEmail(ctx context.Context, c *EmailStep) (Outcome, error)
	VisitWait(ctx context.Context, c *WaitStep) (Outcome, error)
	VisitCondition(ctx context.Context, c *ConditionStep) (Outcome, error)
	VisitAction(ctx context.Context, c *ActionStep) (Outcome, error)
}

// Outcome is what a successful step asks the executor to persist.
type Outcome struct {
	Status        models.ExecutionStatus
	Result        map[string]any
	ExternalJobID string
	// WaitUntil delays the next step.
	WaitUntil *time.Time
	// NextStepID overrides the ordered successor for one transition.
	NextStepID *uint
	// ExitReason ends the enrollment instead of advancing it.
	ExitReason string
	// Partial lists sub-actions that failed while the step still completed.
	Partial *PartialFailure
}

type EmailStep struct {
	Subject           string `json:"subject" validate:"required"`
	Content           string `json:"content" validate:"required"`
	SendingProviderID *uint  `json:"sending_provider_id,omitempty"`
	FromName          string `json:"from_name,omitempty"`
	FromEmail         string `json:"from_email,omitempty" validate:"omitempty,email"`
}

func (*EmailStep) Type() models.StepType { return models.StepEmail }

func (c *EmailStep) Accept(ctx context.Context, v StepVisitor) (Outcome, error) {
	return v.VisitEmail(ctx, c)
}

type WaitStep struct {
	Duration int    `json:"duration" validate:"gt=0"`
	Unit     string `json:"unit" validate:"oneof=minutes hours days weeks"`
	// At snaps the result to a wall clock time in Timezone.
	At       string `json:"at,omitempty" validate:"omitempty,clock"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

func (*WaitStep) Type() models.StepType { return models.StepWait }

func (c *WaitStep) Accept(ctx context.Context, v StepVisitor) (Outcome, error) {
	return v.VisitWait(ctx, c)
}

type Predicate struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"oneof=equals not_equals contains not_contains starts_with ends_with greater_than less_than exists not_exists has_tag"`
	Value    any    `json:"value,omitempty"`
}

type ConditionStep struct {
	Match       string      `json:"match,omitempty" validate:"omitempty,oneof=all any"`
	Conditions  []Predicate `json:"conditions" validate:"required,min=1,dive"`
	TrueStepID  *uint       `json:"true_step_id,omitempty"`
	FalseStepID *uint       `json:"false_step_id,omitempty"`
}

func (*ConditionStep) Type() models.StepType { return models.StepCondition }

func (c *ConditionStep) Accept(ctx context.Context, v StepVisitor) (Outcome, error) {
	return v.VisitCondition(ctx, c)
}

const (
	ActionAddTag      = "add_tag"
	ActionRemoveTag   = "remove_tag"
	ActionUpdateField = "update_field"
	ActionWebhook     = "webhook"
)

type Action struct {
	Type  string `json:"type" validate:"oneof=add_tag remove_tag update_field webhook"`
	Tag   string `json:"tag,omitempty"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
	URL   string `json:"url,omitempty" validate:"omitempty,url"`
	Event string `json:"event,omitempty"`
}

func (a Action) check() error {
	switch a.Type {
	case ActionAddTag, ActionRemoveTag:
		if a.Tag == "" {
			return invalid("tag", "%s requires a tag", a.Type)
		}
	case ActionUpdateField:
		if a.Field == "" {
			return invalid("field", "update_field requires a field")
		}
	case ActionWebhook:
		if a.URL == "" {
			return invalid("url", "webhook requires a url")
		}
	}
	return nil
}

type ActionStep struct {
	Actions []Action `json:"actions" validate:"required,min=1,dive"`
}

func (*ActionStep) Type() models.StepType { return models.StepAction }

func (c *ActionStep) Accept(ctx context.Context, v StepVisitor) (Outcome, error) {
	return v.VisitAction(ctx, c)
}

// DecodeStep turns the raw config of step into its typed variant. Any
// decoding or validation problem is a *ValidationError.
func DecodeStep(step models.SequenceStep) (StepConfig, error) {
	var cfg StepConfig
	switch step.Type {
	case models.StepEmail:
		cfg = &EmailStep{}
	case models.StepWait:
		cfg = &WaitStep{}
	case models.StepCondition:
		cfg = &ConditionStep{}
	case models.StepAction:
		cfg = &ActionStep{}
	default:
		return nil, invalid("type", "unknown step type %q", step.Type)
	}

	if len(step.Config) == 0 {
		return nil, invalid("config", "%s step has no config", step.Type)
	}
	if err := json.Unmarshal(step.Config, cfg); err != nil {
		return nil, invalid("config", "decode %s step: %v", step.Type, err)
	}
	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, invalid("config", "%v", err)
	}
	if a, ok := cfg.(*ActionStep); ok {
		for i, action := range a.Actions {
			if err := action.check(); err != nil {
				return nil, fmt.Errorf("action %d: %w", i, err)
			}
		}
	}
	return cfg, nil
}
