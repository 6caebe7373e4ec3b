package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"sequencer/models"
	"sequencer/repository"
	"sequencer/utils"
)

const defaultWebhookEvent = "sequence.action"

// WebhookPoster delivers outbound webhook events.
type WebhookPoster interface {
	Post(ctx context.Context, url, event string, payload map[string]any) (int, error)
}

// VisitAction runs every sub-action even when a sibling fails. The step
// fails only when all of them failed. A webhook answered with a non-2xx
// status counts as a failed sub-action but never fails the step.
func (r *stepRun) VisitAction(ctx context.Context, c *ActionStep) (Outcome, error) {
	var (
		outcomes  = make([]map[string]any, 0, len(c.Actions))
		failures  []string
		fatal     int
		retryable bool
	)
	for i, action := range c.Actions {
		entry := map[string]any{"type": action.Type, "ok": true}
		if err := r.runAction(ctx, action); err != nil {
			entry["ok"] = false
			entry["error"] = err.Error()
			failures = append(failures, fmt.Sprintf("%s: %v", action.Type, err))

			var rejected *utils.WebhookStatusError
			if errors.As(err, &rejected) {
				entry["status"] = rejected.StatusCode
			} else {
				fatal++
				retryable = retryable || Retryable(err)
				r.log.WithField("action", i).WithError(err).Warn("Sequence action failed")
			}
		}
		outcomes = append(outcomes, entry)
	}

	result := map[string]any{"actions": outcomes}
	if len(failures) == 0 {
		return Outcome{Status: models.ExecutionCompleted, Result: result}, nil
	}

	pf := &PartialFailure{Total: len(c.Actions), Failures: failures}
	if fatal == len(c.Actions) {
		if retryable {
			return Outcome{}, &TransientError{Op: "run actions", Err: pf}
		}
		return Outcome{}, invalid("actions", "%v", pf)
	}
	result[resultPartial] = pf.Error()
	return Outcome{Status: models.ExecutionCompleted, Result: result, Partial: pf}, nil
}

func (r *stepRun) runAction(ctx context.Context, a Action) error {
	subID := r.enrollment.SubscriberID

	var err error
	switch a.Type {
	case ActionAddTag:
		err = r.x.store.AddTag(ctx, subID, a.Tag)
	case ActionRemoveTag:
		err = r.x.store.RemoveTag(ctx, subID, a.Tag)
	case ActionUpdateField:
		err = r.x.store.SetField(ctx, subID, a.Field, a.Value)
	case ActionWebhook:
		return r.postWebhook(ctx, a)
	default:
		return invalid("type", "unknown action %q", a.Type)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return &NotFoundError{Entity: "subscriber", ID: subID}
	default:
		return &TransientError{Op: a.Type, Err: err}
	}
}

func (r *stepRun) postWebhook(ctx context.Context, a Action) error {
	if r.x.webhooks == nil {
		return invalid("url", "no webhook dispatcher configured")
	}
	event := a.Event
	if event == "" {
		event = defaultWebhookEvent
	}

	payload := map[string]any{
		"sequence_id":   r.sequence.ID,
		"step_id":       r.step.ID,
		"enrollment_id": r.enrollment.ID,
		"subscriber_id": r.enrollment.SubscriberID,
		"metadata":      r.enrollment.Metadata,
	}

	ctx, cancel := context.WithTimeout(ctx, utils.MaxWebhookTimeout)
	defer cancel()

	status, err := r.x.webhooks.Post(ctx, a.URL, event, payload)
	if err == nil {
		return nil
	}

	var statusErr *utils.WebhookStatusError
	if errors.As(err, &statusErr) {
		// the target answered; its verdict is recorded, not retried
		r.log.WithFields(logrus.Fields{"url": a.URL, "status": status}).Warn("Webhook rejected")
		utils.LogEvent("sequence_webhook_rejected", map[string]interface{}{
			"enrollment_id": r.enrollment.ID,
			"step_id":       r.step.ID,
			"url":           a.URL,
			"status":        statusErr.StatusCode,
		})
		return statusErr
	}
	r.log.WithField("url", a.URL).WithError(err).Warn("Webhook delivery failed")
	return &TransientError{Op: "webhook", Err: err}
}
