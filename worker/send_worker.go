package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sequencer/queue"
	"sequencer/repository"
	"sequencer/utils"
)

// Mailer delivers one message over SMTP.
type Mailer interface {
	Send(settings utils.SMTPSettings, data utils.EmailData) error
}

// SendWorker drains the email queue and delivers each job with the
// credentials of its sending provider.
type SendWorker struct {
	emails        queue.EmailQueue
	providers     repository.ProviderStore
	mailer        Mailer
	encryptionKey string
	blockTimeout  time.Duration
	logger        logrus.FieldLogger

	trackingBaseURL string
	trackingSecret  string
}

func NewSendWorker(emails queue.EmailQueue, providers repository.ProviderStore, mailer Mailer, encryptionKey string, logger logrus.FieldLogger) *SendWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SendWorker{
		emails:        emails,
		providers:     providers,
		mailer:        mailer,
		encryptionKey: encryptionKey,
		blockTimeout:  5 * time.Second,
		logger:        logger.WithField("worker", "send"),
	}
}

// WithTracking rewrites links and appends an open pixel pointing at baseURL.
func (w *SendWorker) WithTracking(baseURL, secret string) *SendWorker {
	w.trackingBaseURL = baseURL
	w.trackingSecret = secret
	return w
}

func (w *SendWorker) Start(ctx context.Context) {
	w.logger.Info("Send worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("Send worker shutting down...")
			return
		}
		_, err := w.SendNext(ctx)
		switch {
		case err == nil, errors.Is(err, queue.ErrEmpty):
		case errors.Is(err, context.Canceled):
		default:
			w.logger.WithError(err).Warn("Failed to dequeue email job")
			select {
			case <-ctx.Done():
			case <-time.After(w.blockTimeout):
			}
		}
	}
}

// SendNext takes one job off the queue and delivers it. A delivery failure
// is reported and the job is dropped; the returned error is only for queue
// failures.
func (w *SendWorker) SendNext(ctx context.Context) (*queue.EmailJob, error) {
	job, err := w.emails.Dequeue(ctx, w.blockTimeout)
	if err != nil {
		return nil, err
	}

	log := w.logger.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"enrollment_id": job.EnrollmentID,
		"step_id":       job.StepID,
		"provider_id":   job.SendingProviderID,
	})
	if err := w.deliver(ctx, job); err != nil {
		utils.LogError("sequence_email_send_failed", err, map[string]interface{}{
			"job_id":        job.ID,
			"enrollment_id": job.EnrollmentID,
			"step_id":       job.StepID,
			"provider_id":   job.SendingProviderID,
		})
		return job, nil
	}
	log.Info("Sequence email sent")
	return job, nil
}

func (w *SendWorker) deliver(ctx context.Context, job *queue.EmailJob) error {
	provider, err := w.providers.GetProvider(ctx, job.SendingProviderID)
	if err != nil {
		return fmt.Errorf("load provider %d: %w", job.SendingProviderID, err)
	}
	if !provider.IsActive {
		return fmt.Errorf("provider %d is not active", provider.ID)
	}

	password := ""
	if provider.SMTPPassword != "" {
		password, err = utils.Decrypt(w.encryptionKey, provider.SMTPPassword)
		if err != nil {
			return fmt.Errorf("decrypt provider %d password: %w", provider.ID, err)
		}
	}

	settings := utils.SMTPSettings{
		Host:       provider.SMTPHost,
		Port:       provider.SMTPPort,
		Username:   provider.SMTPUsername,
		Password:   password,
		Encryption: provider.Encryption,
	}
	body := job.HTMLContent
	if w.trackingBaseURL != "" {
		body = utils.InjectTracking(body, w.trackingBaseURL, w.trackingSecret, job.ID)
	}
	data := utils.EmailData{
		Subject:   job.Subject,
		To:        []string{job.Recipient},
		HTMLBody:  body,
		FromName:  job.FromName,
		FromEmail: job.FromEmail,
		MessageID: job.ID,
	}
	return w.mailer.Send(settings, data)
}
