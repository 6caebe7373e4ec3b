package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sequencer/backoff"
	"sequencer/models"
	"sequencer/queue"
	"sequencer/repository"
	"sequencer/utils"
)

// FailurePolicy decides what happens to an enrollment once a step has used
// up its attempts.
type FailurePolicy string

const (
	// PolicyHold keeps the enrollment active on the failed step, unscheduled,
	// for an operator to inspect.
	PolicyHold FailurePolicy = "hold"
	// PolicyExit exits the enrollment with ExitStepFailed.
	PolicyExit FailurePolicy = "exit"
)

const (
	ExitStepFailed = "step_failed"

	resultWaitUntil  = "wait_until"
	resultNextStep   = "next_step_id"
	resultMatched    = "matched"
	resultPartial    = "partial_failure"
	resultExitReason = "exit_reason"
)

type ExecutorConfig struct {
	MaxStepAttempts int
	Backoff         backoff.Strategy
	FailurePolicy   FailurePolicy
	// ExecutionLease is how long an executing attempt may run before another
	// delivery treats it as abandoned.
	ExecutionLease time.Duration
	MaxStepsPerRun int
}

func (c *ExecutorConfig) defaults() {
	if c.MaxStepAttempts <= 0 {
		c.MaxStepAttempts = 3
	}
	if c.Backoff == nil {
		c.Backoff = backoff.Jittered{Initial: time.Minute, Max: time.Hour}
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = PolicyHold
	}
	if c.ExecutionLease <= 0 {
		c.ExecutionLease = 15 * time.Minute
	}
	if c.MaxStepsPerRun <= 0 {
		c.MaxStepsPerRun = 25
	}
}

// Executor advances enrollments through their sequence. It is safe to run
// any number of executors against the same store: duplicate deliveries are
// absorbed by the (enrollment, step, attempt) key.
type Executor struct {
	store    repository.Store
	emails   queue.EmailQueue
	advance  queue.AdvanceQueue
	webhooks WebhookPoster
	cfg      ExecutorConfig
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewExecutor(store repository.Store, emails queue.EmailQueue, advance queue.AdvanceQueue, webhooks WebhookPoster, cfg ExecutorConfig, log logrus.FieldLogger) *Executor {
	cfg.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{
		store:    store,
		emails:   emails,
		advance:  advance,
		webhooks: webhooks,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Process runs one advance job for the enrollment. Jobs for enrollments
// that are gone, not active or not yet due are dropped. The returned error
// is an infrastructure failure; the enrollment stays due and the sweep
// picks it up again.
func (x *Executor) Process(ctx context.Context, enrollmentID uint) error {
	log := x.log.WithField("enrollment_id", enrollmentID)

	for ran := 0; ; ran++ {
		e, err := x.store.GetEnrollment(ctx, enrollmentID)
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("Dropping job for missing enrollment")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load enrollment %d: %w", enrollmentID, err)
		}
		if e.Status != models.EnrollmentActive {
			log.WithField("status", e.Status).Debug("Enrollment not active, skipping job")
			return nil
		}
		if e.NextScheduledAt == nil {
			// held after a permanent step failure
			log.Debug("Enrollment is not scheduled, skipping job")
			return nil
		}
		if e.NextScheduledAt.After(x.now()) {
			return nil
		}

		seq, err := x.store.GetSequence(ctx, e.SequenceID)
		if errors.Is(err, repository.ErrNotFound) {
			log.WithField("sequence_id", e.SequenceID).Warn("Dropping job for missing sequence")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load sequence %d: %w", e.SequenceID, err)
		}

		step, ok := nextStep(seq.Steps, e)
		if !ok {
			log.WithField("step_id", *e.CurrentStepID).Warn("Current step no longer exists, holding enrollment")
			e.NextScheduledAt = nil
			if _, err := x.store.AdvanceEnrollment(ctx, e); err != nil {
				return fmt.Errorf("hold enrollment %d: %w", e.ID, err)
			}
			return nil
		}
		if step == nil {
			return x.complete(ctx, e, log)
		}

		if ran >= x.cfg.MaxStepsPerRun {
			// hand the rest to a fresh job
			if err := x.advance.Enqueue(ctx, queue.AdvanceJob{EnrollmentID: e.ID, Reason: "continue"}); err != nil {
				log.WithError(err).Warn("Failed to enqueue continuation job")
			}
			return nil
		}

		more, err := x.runStep(ctx, e, seq, step)
		if err != nil || !more {
			return err
		}
	}
}

// nextStep picks the pending branch target when it is still a usable step,
// otherwise the first active step after the current one. A nil step means
// the sequence is finished; ok is false when the current step was deleted.
func nextStep(steps []models.SequenceStep, e *models.Enrollment) (step *models.SequenceStep, ok bool) {
	if e.BranchStepID != nil {
		for i := range steps {
			if steps[i].ID == *e.BranchStepID && steps[i].IsActive {
				return &steps[i], true
			}
		}
	}

	start := 0
	if e.CurrentStepID != nil {
		start = -1
		for i := range steps {
			if steps[i].ID == *e.CurrentStepID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, false
		}
	}
	for i := start; i < len(steps); i++ {
		if steps[i].IsActive {
			return &steps[i], true
		}
	}
	return nil, true
}

func (x *Executor) complete(ctx context.Context, e *models.Enrollment, log logrus.FieldLogger) error {
	ok, err := x.store.CompleteEnrollment(ctx, e.ID, x.now())
	if err != nil {
		return fmt.Errorf("complete enrollment %d: %w", e.ID, err)
	}
	if ok {
		log.WithField("sequence_id", e.SequenceID).Info("Enrollment completed")
	}
	return nil
}

// runStep executes one step. more reports whether the caller should move on
// to the following step within the same job.
func (x *Executor) runStep(ctx context.Context, e *models.Enrollment, seq *models.Sequence, step *models.SequenceStep) (more bool, err error) {
	log := x.log.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"sequence_id":   seq.ID,
		"step_id":       step.ID,
		"step_type":     step.Type,
	})
	now := x.now()

	attempt := 1
	latest, err := x.store.LatestExecution(ctx, e.ID, step.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load execution: %w", err)
	default:
		switch latest.Status {
		case models.ExecutionCompleted, models.ExecutionSkipped:
			// duplicate delivery: replay the recorded outcome without side effects
			log.Debug("Step already executed, advancing")
			return x.apply(ctx, e, step, latest, outcomeFromRecord(latest))
		case models.ExecutionExecuting, models.ExecutionPending:
			if latest.StartedAt != nil && now.Sub(*latest.StartedAt) < x.cfg.ExecutionLease {
				log.Debug("Step is being executed by another worker")
				return false, nil
			}
			latest.Status = models.ExecutionFailed
			latest.Error = "abandoned: execution lease expired"
			latest.ErrorKind = string(KindTransient)
			latest.CompletedAt = &now
			if err := x.store.UpdateExecution(ctx, latest); err != nil {
				return false, fmt.Errorf("mark abandoned execution: %w", err)
			}
			log.WithField("attempt", latest.Attempt).Warn("Execution lease expired, retrying step")
		}
		if !retryRequested(e, latest) &&
			(ErrorKind(latest.ErrorKind) != KindTransient || latest.Attempt >= x.cfg.MaxStepAttempts) {
			return false, x.exhausted(ctx, e, step, latest, log)
		}
		attempt = latest.Attempt + 1
	}

	exec := &models.StepExecution{
		EnrollmentID: e.ID,
		StepID:       step.ID,
		Attempt:      attempt,
		Status:       models.ExecutionExecuting,
		StartedAt:    &now,
	}
	created, err := x.store.CreateExecution(ctx, exec)
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	if !created {
		log.WithField("attempt", attempt).Debug("Execution already claimed")
		return false, nil
	}

	run := &stepRun{x: x, log: log, enrollment: e, sequence: seq, step: step, startedAt: now}
	out, err := dispatch(ctx, run, *step)
	if err != nil {
		return false, x.fail(ctx, e, step, exec, err, log)
	}

	if out.Status == "" {
		out.Status = models.ExecutionCompleted
	}
	done := x.now()
	exec.Status = out.Status
	exec.CompletedAt = &done
	exec.Result = out.Result
	exec.ExternalJobID = out.ExternalJobID
	if out.Partial != nil {
		exec.Error = out.Partial.Error()
		exec.ErrorKind = string(KindPartial)
	}
	if err := x.store.UpdateExecution(ctx, exec); err != nil {
		return false, fmt.Errorf("record execution %d: %w", exec.ID, err)
	}
	log.WithFields(logrus.Fields{"attempt": attempt, "status": exec.Status}).Info("Step executed")

	return x.apply(ctx, e, step, exec, out)
}

// retryRequested reports whether an operator asked for a retry after the
// failed execution was recorded.
func retryRequested(e *models.Enrollment, failed *models.StepExecution) bool {
	return e.RetryRequestedAt != nil && failed.CompletedAt != nil && failed.CompletedAt.Before(*e.RetryRequestedAt)
}

func dispatch(ctx context.Context, v StepVisitor, step models.SequenceStep) (Outcome, error) {
	cfg, err := DecodeStep(step)
	if err != nil {
		return Outcome{}, err
	}
	return cfg.Accept(ctx, v)
}

// apply moves the enrollment past step according to out.
func (x *Executor) apply(ctx context.Context, e *models.Enrollment, step *models.SequenceStep, exec *models.StepExecution, out Outcome) (bool, error) {
	now := x.now()
	if out.ExitReason != "" {
		if _, err := x.store.ExitEnrollment(ctx, e.ID, out.ExitReason, now); err != nil {
			return false, fmt.Errorf("exit enrollment %d: %w", e.ID, err)
		}
		return false, nil
	}

	e.CurrentStepID = &step.ID
	e.CurrentStepStartedAt = exec.StartedAt
	e.BranchStepID = out.NextStepID
	e.NextScheduledAt = &now
	wait := out.WaitUntil != nil && out.WaitUntil.After(now)
	if wait {
		e.NextScheduledAt = out.WaitUntil
	}

	ok, err := x.store.AdvanceEnrollment(ctx, e)
	if err != nil {
		return false, fmt.Errorf("advance enrollment %d: %w", e.ID, err)
	}
	if !ok {
		// exited or paused underneath us
		return false, nil
	}
	if wait {
		job := queue.AdvanceJob{EnrollmentID: e.ID, Reason: "wait"}
		if err := x.advance.EnqueueAt(ctx, job, *out.WaitUntil); err != nil {
			x.log.WithField("enrollment_id", e.ID).WithError(err).Warn("Failed to schedule wait job; sweep will pick it up")
		}
		return false, nil
	}
	return true, nil
}

func (x *Executor) fail(ctx context.Context, e *models.Enrollment, step *models.SequenceStep, exec *models.StepExecution, cause error, log logrus.FieldLogger) error {
	kind := Classify(cause)
	now := x.now()
	exec.Status = models.ExecutionFailed
	exec.Error = cause.Error()
	exec.ErrorKind = string(kind)
	exec.CompletedAt = &now
	if err := x.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("record failed execution %d: %w", exec.ID, err)
	}

	log = log.WithFields(logrus.Fields{"attempt": exec.Attempt, "error_kind": kind})
	if kind == KindTransient && exec.Attempt < x.cfg.MaxStepAttempts {
		at := now.Add(x.cfg.Backoff.Delay(exec.Attempt))
		e.NextScheduledAt = &at
		if _, err := x.store.AdvanceEnrollment(ctx, e); err != nil {
			return fmt.Errorf("schedule retry for enrollment %d: %w", e.ID, err)
		}
		if err := x.advance.EnqueueAt(ctx, queue.AdvanceJob{EnrollmentID: e.ID, Reason: "retry"}, at); err != nil {
			log.WithError(err).Warn("Failed to enqueue retry job; sweep will pick it up")
		}
		log.WithError(cause).WithField("retry_at", at).Warn("Step failed, retry scheduled")
		return nil
	}
	return x.exhausted(ctx, e, step, exec, log)
}

// exhausted applies the failure policy to a step that will not be retried.
func (x *Executor) exhausted(ctx context.Context, e *models.Enrollment, step *models.SequenceStep, exec *models.StepExecution, log logrus.FieldLogger) error {
	utils.LogError("sequence_step_failed", errors.New(exec.Error), map[string]interface{}{
		"enrollment_id": e.ID,
		"sequence_id":   e.SequenceID,
		"step_id":       step.ID,
		"attempt":       exec.Attempt,
		"error_kind":    exec.ErrorKind,
		"policy":        string(x.cfg.FailurePolicy),
	})

	if x.cfg.FailurePolicy == PolicyExit {
		if _, err := x.store.ExitEnrollment(ctx, e.ID, ExitStepFailed, x.now()); err != nil {
			return fmt.Errorf("exit enrollment %d: %w", e.ID, err)
		}
		log.Warn("Step failed permanently, enrollment exited")
		return nil
	}

	if e.NextScheduledAt != nil {
		e.NextScheduledAt = nil
		if _, err := x.store.AdvanceEnrollment(ctx, e); err != nil {
			return fmt.Errorf("hold enrollment %d: %w", e.ID, err)
		}
	}
	log.Warn("Step failed permanently, enrollment held")
	return nil
}

// outcomeFromRecord rebuilds the enrollment side of an outcome from a
// finished execution.
func outcomeFromRecord(exec *models.StepExecution) Outcome {
	out := Outcome{Status: exec.Status}
	if exec.Result == nil {
		return out
	}
	if s, ok := exec.Result[resultWaitUntil].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			out.WaitUntil = &t
		}
	}
	if id, ok := toUint(exec.Result[resultNextStep]); ok {
		out.NextStepID = &id
	}
	if reason, ok := exec.Result[resultExitReason].(string); ok {
		out.ExitReason = reason
	}
	return out
}

func toUint(v any) (uint, bool) {
	switch n := v.(type) {
	case uint:
		return n, true
	case int:
		return uint(n), n >= 0
	case int64:
		return uint(n), n >= 0
	case float64:
		return uint(n), n >= 0
	case string:
		id, err := strconv.ParseUint(n, 10, 64)
		return uint(id), err == nil
	}
	return 0, false
}

// stepRun is the visitor for a single attempt.
type stepRun struct {
	x          *Executor
	log        logrus.FieldLogger
	enrollment *models.Enrollment
	sequence   *models.Sequence
	step       *models.SequenceStep
	startedAt  time.Time
	sub        *models.Subscriber
}

var _ StepVisitor = (*stepRun)(nil)

func (r *stepRun) subscriber(ctx context.Context) (*models.Subscriber, error) {
	if r.sub != nil {
		return r.sub, nil
	}
	sub, err := r.x.store.GetSubscriber(ctx, r.enrollment.SubscriberID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Entity: "subscriber", ID: r.enrollment.SubscriberID}
	}
	if err != nil {
		return nil, &TransientError{Op: "load subscriber", Err: err}
	}
	r.sub = sub
	return sub, nil
}
