package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sequencer/models"
	"sequencer/queue"
	"sequencer/repository"
	"sequencer/utils"
)

const (
	ExitManual       = "manual"
	ExitUnsubscribed = "unsubscribed"
)

type ManagerConfig struct {
	EnrollBatchSize   int
	ScheduleBatchSize int
}

// Manager creates, exits, pauses and resumes enrollments.
type Manager struct {
	store   repository.Store
	advance queue.AdvanceQueue
	cfg     ManagerConfig
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewManager(store repository.Store, advance queue.AdvanceQueue, cfg ManagerConfig, log logrus.FieldLogger) *Manager {
	if cfg.EnrollBatchSize <= 0 {
		cfg.EnrollBatchSize = 50
	}
	if cfg.ScheduleBatchSize <= 0 {
		cfg.ScheduleBatchSize = 20
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{store: store, advance: advance, cfg: cfg, log: log, now: time.Now}
}

type EnrollResult struct {
	Enrollment      *models.Enrollment `json:"enrollment"`
	AlreadyEnrolled bool               `json:"already_enrolled"`
}

// EnrollOne enrolls the subscriber into an active sequence. An existing
// enrollment for the pair is returned with AlreadyEnrolled set; finished
// ones are only replaced when the sequence allows re-enrollment.
func (m *Manager) EnrollOne(ctx context.Context, sequenceID, subscriberID uint, metadata map[string]any) (*EnrollResult, error) {
	seq, err := m.store.GetSequence(ctx, sequenceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Entity: "sequence", ID: sequenceID}
	}
	if err != nil {
		return nil, fmt.Errorf("load sequence %d: %w", sequenceID, err)
	}
	if seq.Status != models.SequenceActive {
		return nil, invalid("status", "sequence %d is %s, not active", seq.ID, seq.Status)
	}

	sub, err := m.store.GetSubscriber(ctx, subscriberID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Entity: "subscriber", ID: subscriberID}
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber %d: %w", subscriberID, err)
	}
	if sub.UserID != seq.UserID {
		return nil, invalid("subscriber_id", "subscriber %d belongs to another owner", sub.ID)
	}

	return m.enroll(ctx, seq, sub.ID, metadata)
}

func (m *Manager) enroll(ctx context.Context, seq *models.Sequence, subscriberID uint, metadata map[string]any) (*EnrollResult, error) {
	existing, err := m.store.FindEnrollment(ctx, seq.ID, subscriberID)
	switch {
	case err == nil:
		finished := existing.Status == models.EnrollmentCompleted || existing.Status == models.EnrollmentExited
		if !finished || !seq.Settings.AllowReenrollment {
			return &EnrollResult{Enrollment: existing, AlreadyEnrolled: true}, nil
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("find enrollment: %w", err)
	}

	now := m.now()
	e := &models.Enrollment{
		SequenceID:      seq.ID,
		SubscriberID:    subscriberID,
		UserID:          seq.UserID,
		Status:          models.EnrollmentActive,
		EnrolledAt:      now,
		NextScheduledAt: &now,
		Metadata:        metadata,
	}
	created, err := m.store.CreateEnrollment(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	if !created {
		// a concurrent call won the active slot
		winner, err := m.store.FindEnrollment(ctx, seq.ID, subscriberID)
		if err != nil {
			return nil, fmt.Errorf("find enrollment: %w", err)
		}
		return &EnrollResult{Enrollment: winner, AlreadyEnrolled: true}, nil
	}

	m.log.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"sequence_id":   seq.ID,
		"subscriber_id": subscriberID,
	}).Info("Subscriber enrolled")
	m.schedule(ctx, []uint{e.ID}, "enrolled")
	return &EnrollResult{Enrollment: e}, nil
}

// schedule emits advance jobs in bounded batches. Failures are logged only:
// the enrollments stay due and the sweep re-emits them.
func (m *Manager) schedule(ctx context.Context, ids []uint, reason string) int {
	scheduled := 0
	for start := 0; start < len(ids); start += m.cfg.ScheduleBatchSize {
		end := min(start+m.cfg.ScheduleBatchSize, len(ids))
		jobs := make([]queue.AdvanceJob, 0, end-start)
		for _, id := range ids[start:end] {
			jobs = append(jobs, queue.AdvanceJob{EnrollmentID: id, Reason: reason})
		}
		if err := m.advance.EnqueueBatch(ctx, jobs); err != nil {
			m.log.WithError(err).WithField("jobs", len(jobs)).Warn("Failed to enqueue advance jobs; sweep will recover them")
			continue
		}
		scheduled += len(jobs)
	}
	return scheduled
}

type BulkResult struct {
	Sequences       int `json:"sequences"`
	Candidates      int `json:"candidates"`
	Created         int `json:"created"`
	AlreadyEnrolled int `json:"already_enrolled"`
	Failed          int `json:"failed"`
	Scheduled       int `json:"scheduled"`
}

// BulkEnroll enrolls a batch of the owner's subscribers into every active
// subscription-triggered sequence they qualify for. Lookups happen once per
// call; inserts and job emission are chunked. A failing row never aborts
// the rest of the batch.
func (m *Manager) BulkEnroll(ctx context.Context, subs []models.Subscriber, ownerID uint) (*BulkResult, error) {
	res := &BulkResult{}
	if len(subs) == 0 {
		return res, nil
	}

	seqs, err := m.store.ActiveSequences(ctx, ownerID, models.TriggerSubscription)
	if err != nil {
		return nil, fmt.Errorf("load active sequences: %w", err)
	}
	res.Sequences = len(seqs)
	if len(seqs) == 0 {
		return res, nil
	}

	subIDs := make([]uint, 0, len(subs))
	for _, sub := range subs {
		subIDs = append(subIDs, sub.ID)
	}
	seqIDs := make([]uint, 0, len(seqs))
	for _, seq := range seqs {
		seqIDs = append(seqIDs, seq.ID)
	}

	segments, err := m.store.SegmentIDs(ctx, subIDs)
	if err != nil {
		return nil, fmt.Errorf("load segment memberships: %w", err)
	}
	pairs, err := m.store.EnrolledPairs(ctx, seqIDs, subIDs)
	if err != nil {
		return nil, fmt.Errorf("load existing enrollments: %w", err)
	}

	now := m.now()
	var pending []*models.Enrollment
	for i := range seqs {
		seq := &seqs[i]
		for j := range subs {
			sub := &subs[j]
			if sub.UserID != ownerID || sub.Status != models.SubscriberActive {
				continue
			}
			if !Qualifies(sub, segments[sub.ID], seq) {
				continue
			}
			res.Candidates++

			active, seen := pairs[repository.PairKey{SequenceID: seq.ID, SubscriberID: sub.ID}]
			if active || (seen && !seq.Settings.AllowReenrollment) {
				res.AlreadyEnrolled++
				continue
			}
			at := now
			pending = append(pending, &models.Enrollment{
				SequenceID:      seq.ID,
				SubscriberID:    sub.ID,
				UserID:          ownerID,
				Status:          models.EnrollmentActive,
				EnrolledAt:      now,
				NextScheduledAt: &at,
				Metadata:        map[string]any{"source": "bulk"},
			})
		}
	}

	var created []uint
	for start := 0; start < len(pending); start += m.cfg.EnrollBatchSize {
		chunk := pending[start:min(start+m.cfg.EnrollBatchSize, len(pending))]
		if err := m.store.CreateEnrollments(ctx, chunk); err != nil {
			m.log.WithError(err).WithField("rows", len(chunk)).Warn("Batch enrollment insert failed, retrying row by row")
			created = append(created, m.insertEach(ctx, chunk, res)...)
			continue
		}
		for _, e := range chunk {
			if e.ID == 0 {
				res.AlreadyEnrolled++
				continue
			}
			created = append(created, e.ID)
		}
	}
	res.Created = len(created)
	res.Scheduled = m.schedule(ctx, created, "enrolled")

	m.log.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"sequences":  res.Sequences,
		"candidates": res.Candidates,
		"created":    res.Created,
		"failed":     res.Failed,
		"scheduled":  res.Scheduled,
	}).Info("Bulk enrollment finished")
	return res, nil
}

func (m *Manager) insertEach(ctx context.Context, chunk []*models.Enrollment, res *BulkResult) []uint {
	var ids []uint
	for _, e := range chunk {
		e.ID = 0
		created, err := m.store.CreateEnrollment(ctx, e)
		switch {
		case err != nil:
			res.Failed++
			utils.LogError("bulk_enrollment_failed", err, map[string]interface{}{
				"sequence_id":   e.SequenceID,
				"subscriber_id": e.SubscriberID,
			})
		case !created:
			res.AlreadyEnrolled++
		default:
			ids = append(ids, e.ID)
		}
	}
	return ids
}

type EventResult struct {
	Matched  int             `json:"matched"`
	Enrolled []*EnrollResult `json:"enrolled"`
}

// HandleEvent enrolls the event's subscriber into every active sequence of
// the owner whose trigger matches the event.
func (m *Manager) HandleEvent(ctx context.Context, ev TriggerEvent) (*EventResult, error) {
	sub, err := m.store.GetSubscriber(ctx, ev.SubscriberID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Entity: "subscriber", ID: ev.SubscriberID}
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber %d: %w", ev.SubscriberID, err)
	}
	if ev.OwnerID != 0 && sub.UserID != ev.OwnerID {
		return nil, &NotFoundError{Entity: "subscriber", ID: ev.SubscriberID}
	}

	res := &EventResult{Enrolled: []*EnrollResult{}}
	if sub.Status != models.SubscriberActive {
		return res, nil
	}

	seqs, err := m.store.ActiveSequences(ctx, sub.UserID, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("load active sequences: %w", err)
	}
	segments, err := m.store.SegmentIDs(ctx, []uint{sub.ID})
	if err != nil {
		return nil, fmt.Errorf("load segment memberships: %w", err)
	}

	for i := range seqs {
		seq := &seqs[i]
		if !MatchesEvent(seq, ev) || !Qualifies(sub, segments[sub.ID], seq) {
			continue
		}
		res.Matched++
		r, err := m.enroll(ctx, seq, sub.ID, ev.Metadata)
		if err != nil {
			m.log.WithError(err).WithField("sequence_id", seq.ID).Warn("Event enrollment failed")
			continue
		}
		res.Enrolled = append(res.Enrolled, r)
	}
	return res, nil
}

// Exit exits the subscriber's active or paused enrollment in one sequence.
func (m *Manager) Exit(ctx context.Context, sequenceID, subscriberID uint, reason string) (int64, error) {
	if reason == "" {
		reason = ExitManual
	}
	n, err := m.store.ExitActive(ctx, sequenceID, subscriberID, reason, m.now())
	if err != nil {
		return 0, fmt.Errorf("exit subscriber %d from sequence %d: %w", subscriberID, sequenceID, err)
	}
	return n, nil
}

// ExitAll exits every active or paused enrollment of the subscriber. Jobs
// already queued for them become no-ops.
func (m *Manager) ExitAll(ctx context.Context, subscriberID uint, reason string) (int64, error) {
	if reason == "" {
		reason = ExitManual
	}
	n, err := m.store.ExitActive(ctx, 0, subscriberID, reason, m.now())
	if err != nil {
		return 0, fmt.Errorf("exit subscriber %d: %w", subscriberID, err)
	}
	if n > 0 {
		m.log.WithFields(logrus.Fields{"subscriber_id": subscriberID, "exited": n, "reason": reason}).Info("Subscriber exited from sequences")
	}
	return n, nil
}

func (m *Manager) Pause(ctx context.Context, enrollmentID uint) error {
	ok, err := m.store.PauseEnrollment(ctx, enrollmentID)
	if err != nil {
		return fmt.Errorf("pause enrollment %d: %w", enrollmentID, err)
	}
	if !ok {
		return m.transitionError(ctx, enrollmentID, models.EnrollmentActive)
	}
	return nil
}

// Resume reactivates a paused enrollment and schedules it right away.
func (m *Manager) Resume(ctx context.Context, enrollmentID uint) error {
	ok, err := m.store.ResumeEnrollment(ctx, enrollmentID, m.now())
	if err != nil {
		return fmt.Errorf("resume enrollment %d: %w", enrollmentID, err)
	}
	if !ok {
		return m.transitionError(ctx, enrollmentID, models.EnrollmentPaused)
	}
	m.schedule(ctx, []uint{enrollmentID}, "resume")
	return nil
}

// Retry reschedules an enrollment held after a permanent step failure. The
// failed step runs again as a new attempt.
func (m *Manager) Retry(ctx context.Context, enrollmentID uint) error {
	ok, err := m.store.RetryEnrollment(ctx, enrollmentID, m.now())
	if err != nil {
		return fmt.Errorf("retry enrollment %d: %w", enrollmentID, err)
	}
	if !ok {
		e, err := m.store.GetEnrollment(ctx, enrollmentID)
		if err == nil && e.Status == models.EnrollmentActive {
			return invalid("status", "enrollment %d is not held", enrollmentID)
		}
		return m.transitionError(ctx, enrollmentID, models.EnrollmentActive)
	}
	m.log.WithField("enrollment_id", enrollmentID).Info("Held enrollment retried")
	m.schedule(ctx, []uint{enrollmentID}, "retry")
	return nil
}

func (m *Manager) transitionError(ctx context.Context, id uint, want models.EnrollmentStatus) error {
	e, err := m.store.GetEnrollment(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Entity: "enrollment", ID: id}
	}
	if err != nil {
		return fmt.Errorf("load enrollment %d: %w", id, err)
	}
	if e.Status == want && want == models.EnrollmentPaused {
		return invalid("status", "subscriber already has another active enrollment in sequence %d", e.SequenceID)
	}
	return invalid("status", "enrollment %d is %s, not %s", id, e.Status, want)
}

// Unsubscribe suppresses the subscriber's address for the owner, marks the
// subscriber unsubscribed and exits all of their enrollments.
func (m *Manager) Unsubscribe(ctx context.Context, ownerID, subscriberID uint, reason string) (int64, error) {
	sub, err := m.store.GetSubscriber(ctx, subscriberID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && sub.UserID != ownerID) {
		return 0, &NotFoundError{Entity: "subscriber", ID: subscriberID}
	}
	if err != nil {
		return 0, fmt.Errorf("load subscriber %d: %w", subscriberID, err)
	}
	if reason == "" {
		reason = ExitUnsubscribed
	}

	owner := ownerID
	if err := m.store.Suppress(ctx, &models.Suppression{UserID: &owner, Email: sub.Email, Reason: reason, Source: "unsubscribe"}); err != nil {
		return 0, fmt.Errorf("suppress %d: %w", subscriberID, err)
	}
	if err := m.store.MarkUnsubscribed(ctx, subscriberID, m.now()); err != nil {
		return 0, fmt.Errorf("mark subscriber %d unsubscribed: %w", subscriberID, err)
	}
	return m.ExitAll(ctx, subscriberID, ExitUnsubscribed)
}
