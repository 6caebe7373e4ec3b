package sequence

import (
	"context"
	"errors"
	"strings"

	"github.com/badoux/checkmail"

	"sequencer/models"
	"sequencer/queue"
	"sequencer/repository"
)

const ExitSuppressed = "suppressed"

// VisitEmail hands the message to the send queue. It fails closed: without
// an active provider owned by the sequence owner nothing is enqueued.
func (r *stepRun) VisitEmail(ctx context.Context, c *EmailStep) (Outcome, error) {
	provider, err := r.provider(ctx, c)
	if err != nil {
		return Outcome{}, err
	}

	sub, err := r.subscriber(ctx)
	if err != nil {
		return Outcome{}, err
	}

	if reason, err := r.suppression(ctx, sub); err != nil {
		return Outcome{}, err
	} else if reason != "" {
		return Outcome{
			Status:     models.ExecutionSkipped,
			ExitReason: ExitSuppressed,
			Result:     map[string]any{resultExitReason: ExitSuppressed, "suppression": reason},
		}, nil
	}

	if err := checkmail.ValidateFormat(sub.Email); err != nil {
		return Outcome{}, invalid("recipient", "%q: %v", sub.Email, err)
	}

	job := queue.EmailJob{
		Recipient:         sub.Email,
		Subject:           personalize(c.Subject, sub),
		HTMLContent:       personalize(c.Content, sub),
		FromName:          firstNonEmpty(c.FromName, r.sequence.Settings.FromName, provider.FromName),
		FromEmail:         firstNonEmpty(c.FromEmail, r.sequence.Settings.FromEmail, provider.FromEmail),
		SendingProviderID: provider.ID,
		ProviderConfig:    provider.ProviderConfig(),
		EnrollmentID:      r.enrollment.ID,
		StepID:            r.step.ID,
	}
	jobID, err := r.x.emails.Enqueue(ctx, job)
	if err != nil {
		return Outcome{}, &TransientError{Op: "enqueue email", Err: err}
	}

	return Outcome{
		Status:        models.ExecutionCompleted,
		ExternalJobID: jobID,
		Result: map[string]any{
			"job_id":              jobID,
			"recipient":           sub.Email,
			"sending_provider_id": provider.ID,
		},
	}, nil
}

func (r *stepRun) provider(ctx context.Context, c *EmailStep) (*models.SendingProvider, error) {
	id := c.SendingProviderID
	if id == nil || *id == 0 {
		id = r.sequence.Settings.SendingProviderID
	}
	if id == nil || *id == 0 {
		return nil, invalid("sending_provider_id", "missing sending provider on step and sequence")
	}

	p, err := r.x.store.GetProvider(ctx, *id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, invalid("sending_provider_id", "sending provider %d does not exist", *id)
	case err != nil:
		return nil, &TransientError{Op: "load sending provider", Err: err}
	}
	if p.UserID != r.sequence.UserID {
		return nil, invalid("sending_provider_id", "sending provider %d belongs to another owner", *id)
	}
	if !p.IsActive {
		return nil, invalid("sending_provider_id", "sending provider %d is not active", *id)
	}
	return p, nil
}

// suppression returns why sub must not be mailed, or "".
func (r *stepRun) suppression(ctx context.Context, sub *models.Subscriber) (string, error) {
	if sub.Status != models.SubscriberActive {
		return string(sub.Status), nil
	}
	suppressed, err := r.x.store.IsSuppressed(ctx, r.sequence.UserID, sub.Email)
	if err != nil {
		return "", &TransientError{Op: "check suppression list", Err: err}
	}
	if suppressed {
		return "suppression_list", nil
	}
	return "", nil
}

func personalize(text string, sub *models.Subscriber) string {
	return strings.NewReplacer(
		"{{email}}", sub.Email,
		"{{first_name}}", sub.FirstName,
		"{{last_name}}", sub.LastName,
	).Replace(text)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
