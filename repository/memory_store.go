package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"sequencer/models"
)

// MemoryStore is an in-process Store honouring the same uniqueness rules as
// the database indexes. It backs tests and the in-memory dev mode.
type MemoryStore struct {
	mu sync.Mutex

	nextID uint

	sequences   map[uint]*models.Sequence
	steps       map[uint]*models.SequenceStep
	enrollments map[uint]*models.Enrollment
	executions  map[uint]*models.StepExecution
	subscribers map[uint]*models.Subscriber
	memberships map[uint][]uint
	suppressed  []models.Suppression
	providers   map[uint]*models.SendingProvider

	// BatchSizes records the size of every CreateEnrollments call.
	BatchSizes []int
	// FailEnrollment, when set, makes inserts for matching pairs fail.
	FailEnrollment func(e *models.Enrollment) error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sequences:   make(map[uint]*models.Sequence),
		steps:       make(map[uint]*models.SequenceStep),
		enrollments: make(map[uint]*models.Enrollment),
		executions:  make(map[uint]*models.StepExecution),
		subscribers: make(map[uint]*models.Subscriber),
		memberships: make(map[uint][]uint),
		providers:   make(map[uint]*models.SendingProvider),
	}
}

func (m *MemoryStore) id() uint {
	m.nextID++
	return m.nextID
}

// ========= Sequences =========

func (m *MemoryStore) CreateSequence(_ context.Context, seq *models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	seq.ID = m.id()
	seq.CreatedAt, seq.UpdatedAt = now, now
	for i := range seq.Steps {
		seq.Steps[i].ID = m.id()
		seq.Steps[i].SequenceID = seq.ID
		step := seq.Steps[i]
		m.steps[step.ID] = &step
	}
	cp := *seq
	cp.Steps = nil
	m.sequences[seq.ID] = &cp
	return nil
}

func (m *MemoryStore) withSteps(seq *models.Sequence) models.Sequence {
	out := *seq
	out.Steps = nil
	for _, st := range m.steps {
		if st.SequenceID == seq.ID {
			out.Steps = append(out.Steps, *st)
		}
	}
	sort.Slice(out.Steps, func(i, j int) bool {
		if out.Steps[i].StepOrder != out.Steps[j].StepOrder {
			return out.Steps[i].StepOrder < out.Steps[j].StepOrder
		}
		return out.Steps[i].ID < out.Steps[j].ID
	})
	return out
}

func (m *MemoryStore) GetSequence(_ context.Context, id uint) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.withSteps(seq)
	return &out, nil
}

func (m *MemoryStore) ListSequences(_ context.Context, ownerID uint) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Sequence
	for _, seq := range m.sequences {
		if seq.UserID == ownerID {
			out = append(out, *seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MemoryStore) ActiveSequences(_ context.Context, ownerID uint, trigger models.TriggerType) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Sequence
	for _, seq := range m.sequences {
		if seq.Status != models.SequenceActive {
			continue
		}
		if ownerID != 0 && seq.UserID != ownerID {
			continue
		}
		if trigger != "" && seq.TriggerType != trigger {
			continue
		}
		out = append(out, m.withSteps(seq))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateSequenceStatus(_ context.Context, id uint, status models.SequenceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.sequences[id]
	if !ok {
		return ErrNotFound
	}
	seq.Status = status
	return nil
}

func (m *MemoryStore) UpdateSequenceStats(_ context.Context, id uint, stats models.SequenceStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.sequences[id]
	if !ok {
		return ErrNotFound
	}
	seq.Stats = stats
	return nil
}

func (m *MemoryStore) CreateStep(_ context.Context, step *models.SequenceStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sequences[step.SequenceID]; !ok {
		return ErrNotFound
	}
	step.ID = m.id()
	cp := *step
	m.steps[step.ID] = &cp
	return nil
}

// DeleteStep removes a step; used to simulate deletion mid-flight.
func (m *MemoryStore) DeleteStep(id uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.steps, id)
}

// ========= Enrollments =========

func (m *MemoryStore) hasActivePair(seqID, subID uint) bool {
	for _, e := range m.enrollments {
		if e.SequenceID == seqID && e.SubscriberID == subID && e.Status == models.EnrollmentActive {
			return true
		}
	}
	return false
}

func (m *MemoryStore) insertEnrollment(e *models.Enrollment) (bool, error) {
	if m.FailEnrollment != nil {
		if err := m.FailEnrollment(e); err != nil {
			return false, err
		}
	}
	if e.Status == models.EnrollmentActive && m.hasActivePair(e.SequenceID, e.SubscriberID) {
		return false, nil
	}
	e.ID = m.id()
	e.CreatedAt, e.UpdatedAt = time.Now(), time.Now()
	cp := *e
	m.enrollments[e.ID] = &cp
	return true, nil
}

func (m *MemoryStore) CreateEnrollment(_ context.Context, e *models.Enrollment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertEnrollment(e)
}

func (m *MemoryStore) CreateEnrollments(_ context.Context, batch []*models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BatchSizes = append(m.BatchSizes, len(batch))
	// all-or-nothing, like a single multi-row INSERT
	for _, e := range batch {
		if m.FailEnrollment != nil {
			if err := m.FailEnrollment(e); err != nil {
				return err
			}
		}
	}
	for _, e := range batch {
		if _, err := m.insertEnrollment(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetEnrollment(_ context.Context, id uint) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) FindEnrollment(_ context.Context, sequenceID, subscriberID uint) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *models.Enrollment
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.SubscriberID == subscriberID {
			if found == nil || e.ID > found.ID {
				found = e
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) EnrolledPairs(_ context.Context, sequenceIDs, subscriberIDs []uint) (map[PairKey]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seqs := toSet(sequenceIDs)
	subs := toSet(subscriberIDs)
	pairs := make(map[PairKey]bool)
	for _, e := range m.enrollments {
		if !seqs[e.SequenceID] || !subs[e.SubscriberID] {
			continue
		}
		key := PairKey{SequenceID: e.SequenceID, SubscriberID: e.SubscriberID}
		pairs[key] = pairs[key] || e.Status == models.EnrollmentActive
	}
	return pairs, nil
}

func toSet(ids []uint) map[uint]bool {
	set := make(map[uint]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (m *MemoryStore) transition(id uint, from []models.EnrollmentStatus, apply func(e *models.Enrollment)) bool {
	e, ok := m.enrollments[id]
	if !ok {
		return false
	}
	for _, st := range from {
		if e.Status == st {
			apply(e)
			e.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

func (m *MemoryStore) AdvanceEnrollment(_ context.Context, e *models.Enrollment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(e.ID, []models.EnrollmentStatus{models.EnrollmentActive}, func(row *models.Enrollment) {
		row.CurrentStepID = e.CurrentStepID
		row.CurrentStepStartedAt = e.CurrentStepStartedAt
		row.BranchStepID = e.BranchStepID
		row.NextScheduledAt = e.NextScheduledAt
	}), nil
}

func (m *MemoryStore) CompleteEnrollment(_ context.Context, id uint, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, []models.EnrollmentStatus{models.EnrollmentActive}, func(row *models.Enrollment) {
		row.Status = models.EnrollmentCompleted
		row.CompletedAt = &at
		row.NextScheduledAt = nil
		row.BranchStepID = nil
	}), nil
}

func exitRow(reason string, at time.Time) func(row *models.Enrollment) {
	return func(row *models.Enrollment) {
		row.Status = models.EnrollmentExited
		row.ExitedAt = &at
		row.ExitReason = reason
		row.NextScheduledAt = nil
	}
}

func (m *MemoryStore) ExitEnrollment(_ context.Context, id uint, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, exitableStatuses, exitRow(reason, at)), nil
}

func (m *MemoryStore) ExitActive(_ context.Context, sequenceID, subscriberID uint, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.enrollments {
		if e.SubscriberID != subscriberID || (sequenceID != 0 && e.SequenceID != sequenceID) {
			continue
		}
		if m.transition(id, exitableStatuses, exitRow(reason, at)) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PauseEnrollment(_ context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, []models.EnrollmentStatus{models.EnrollmentActive}, func(row *models.Enrollment) {
		row.Status = models.EnrollmentPaused
		row.NextScheduledAt = nil
	}), nil
}

func (m *MemoryStore) ResumeEnrollment(_ context.Context, id uint, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.enrollments[id]
	if !ok || m.hasActivePair(e.SequenceID, e.SubscriberID) {
		return false, nil
	}
	return m.transition(id, []models.EnrollmentStatus{models.EnrollmentPaused}, func(row *models.Enrollment) {
		row.Status = models.EnrollmentActive
		row.NextScheduledAt = &at
		row.RetryRequestedAt = &at
	}), nil
}

func (m *MemoryStore) RetryEnrollment(_ context.Context, id uint, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.enrollments[id]; !ok || e.NextScheduledAt != nil {
		return false, nil
	}
	return m.transition(id, []models.EnrollmentStatus{models.EnrollmentActive}, func(row *models.Enrollment) {
		row.NextScheduledAt = &at
		row.RetryRequestedAt = &at
	}), nil
}

func (m *MemoryStore) DueEnrollments(_ context.Context, now time.Time, limit int) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.Enrollment
	for _, e := range m.enrollments {
		if e.Status == models.EnrollmentActive && e.NextScheduledAt != nil && !e.NextScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextScheduledAt.Before(*due[j].NextScheduledAt) })

	ids := make([]uint, 0, len(due))
	for _, e := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (m *MemoryStore) CountEnrollments(_ context.Context, sequenceID uint, r CountRange) (EnrollmentCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c EnrollmentCounts
	for _, e := range m.enrollments {
		if e.SequenceID != sequenceID {
			continue
		}
		if r.From != nil && e.EnrolledAt.Before(*r.From) {
			continue
		}
		if r.To != nil && !e.EnrolledAt.Before(*r.To) {
			continue
		}
		c.Total++
		switch e.Status {
		case models.EnrollmentActive:
			c.Active++
		case models.EnrollmentCompleted:
			c.Completed++
		case models.EnrollmentExited:
			c.Exited++
		case models.EnrollmentPaused:
			c.Paused++
		}
	}
	return c, nil
}

// Enrollments returns a snapshot of every enrollment.
func (m *MemoryStore) Enrollments() []models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Enrollment, 0, len(m.enrollments))
	for _, e := range m.enrollments {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ========= Step executions =========

func (m *MemoryStore) CreateExecution(_ context.Context, x *models.StepExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.executions {
		if existing.EnrollmentID == x.EnrollmentID && existing.StepID == x.StepID && existing.Attempt == x.Attempt {
			return false, nil
		}
	}
	x.ID = m.id()
	x.CreatedAt, x.UpdatedAt = time.Now(), time.Now()
	cp := *x
	m.executions[x.ID] = &cp
	return true, nil
}

func (m *MemoryStore) LatestExecution(_ context.Context, enrollmentID, stepID uint) (*models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.StepExecution
	for _, x := range m.executions {
		if x.EnrollmentID == enrollmentID && x.StepID == stepID {
			if latest == nil || x.Attempt > latest.Attempt {
				latest = x
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, x *models.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[x.ID]; !ok {
		return ErrNotFound
	}
	x.UpdatedAt = time.Now()
	cp := *x
	m.executions[x.ID] = &cp
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, enrollmentID uint) ([]models.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.StepExecution
	for _, x := range m.executions {
		if x.EnrollmentID == enrollmentID {
			out = append(out, *x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ========= Subscribers =========

// AddSubscriber stores a subscriber with its segment memberships.
func (m *MemoryStore) AddSubscriber(sub *models.Subscriber, segmentIDs ...uint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.ID == 0 {
		sub.ID = m.id()
	}
	if sub.Status == "" {
		sub.Status = models.SubscriberActive
	}
	cp := *sub
	m.subscribers[sub.ID] = &cp
	m.memberships[sub.ID] = append(m.memberships[sub.ID], segmentIDs...)
}

func (m *MemoryStore) GetSubscriber(_ context.Context, id uint) (*models.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	cp.Tags = append([]models.SubscriberTag(nil), sub.Tags...)
	cp.Fields = append([]models.SubscriberField(nil), sub.Fields...)
	return &cp, nil
}

func (m *MemoryStore) CreateSubscribers(_ context.Context, subs []*models.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range subs {
		sub.ID = m.id()
		if sub.Status == "" {
			sub.Status = models.SubscriberActive
		}
		cp := *sub
		m.subscribers[sub.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) SegmentIDs(_ context.Context, subscriberIDs []uint) (map[uint][]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint][]uint)
	for _, id := range subscriberIDs {
		if segs := m.memberships[id]; len(segs) > 0 {
			out[id] = append([]uint(nil), segs...)
		}
	}
	return out, nil
}

func (m *MemoryStore) IsSuppressed(_ context.Context, ownerID uint, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = strings.ToLower(email)
	for _, s := range m.suppressed {
		if s.Email == email && (s.UserID == nil || *s.UserID == ownerID) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Suppress(_ context.Context, s *models.Suppression) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.ID = m.id()
	s.Email = strings.ToLower(s.Email)
	m.suppressed = append(m.suppressed, *s)
	return nil
}

func (m *MemoryStore) MarkUnsubscribed(_ context.Context, subscriberID uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[subscriberID]
	if !ok {
		return ErrNotFound
	}
	sub.Status = models.SubscriberUnsubscribed
	sub.UnsubscribedAt = &at
	return nil
}

func (m *MemoryStore) AddTag(_ context.Context, subscriberID uint, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[subscriberID]
	if !ok {
		return ErrNotFound
	}
	for _, t := range sub.Tags {
		if t.Tag == tag {
			return nil
		}
	}
	sub.Tags = append(sub.Tags, models.SubscriberTag{SubscriberID: subscriberID, Tag: tag})
	return nil
}

func (m *MemoryStore) RemoveTag(_ context.Context, subscriberID uint, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[subscriberID]
	if !ok {
		return ErrNotFound
	}
	kept := sub.Tags[:0]
	for _, t := range sub.Tags {
		if t.Tag != tag {
			kept = append(kept, t)
		}
	}
	sub.Tags = kept
	return nil
}

func (m *MemoryStore) SetField(_ context.Context, subscriberID uint, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[subscriberID]
	if !ok {
		return ErrNotFound
	}
	for i := range sub.Fields {
		if sub.Fields[i].Name == name {
			sub.Fields[i].Value = value
			return nil
		}
	}
	sub.Fields = append(sub.Fields, models.SubscriberField{SubscriberID: subscriberID, Name: name, Value: value})
	return nil
}

// ========= Providers =========

// AddProvider stores a sending provider.
func (m *MemoryStore) AddProvider(p *models.SendingProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.ID = m.id()
	cp := *p
	m.providers[p.ID] = &cp
}

func (m *MemoryStore) CreateProvider(_ context.Context, p *models.SendingProvider) error {
	m.AddProvider(p)
	return nil
}

func (m *MemoryStore) ListProviders(_ context.Context, ownerID uint) ([]models.SendingProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SendingProvider
	for _, p := range m.providers {
		if p.UserID == ownerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateProvider(_ context.Context, p *models.SendingProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.providers[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProvider(_ context.Context, id uint) (*models.SendingProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ErrInjected is a convenience error for FailEnrollment hooks.
var ErrInjected = errors.New("injected failure")
