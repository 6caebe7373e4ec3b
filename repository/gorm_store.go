package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sequencer/models"
)

// GormStore implements Store on top of gorm (postgres in production).
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

var _ Store = (*GormStore)(nil)

func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_order ASC, id ASC")
}

// ========= Sequences =========

func (s *GormStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	return s.DB.WithContext(ctx).Create(seq).Error
}

func (s *GormStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := s.DB.WithContext(ctx).Preload("Steps", orderedSteps).First(&seq, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &seq, nil
}

func (s *GormStore) ListSequences(ctx context.Context, ownerID uint) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Find(&seqs).Error
	return seqs, err
}

func (s *GormStore) ActiveSequences(ctx context.Context, ownerID uint, trigger models.TriggerType) ([]models.Sequence, error) {
	q := s.DB.WithContext(ctx).Preload("Steps", orderedSteps).Where("status = ?", models.SequenceActive)
	if ownerID != 0 {
		q = q.Where("user_id = ?", ownerID)
	}
	if trigger != "" {
		q = q.Where("trigger_type = ?", trigger)
	}
	var seqs []models.Sequence
	if err := q.Order("id ASC").Find(&seqs).Error; err != nil {
		return nil, err
	}
	return seqs, nil
}

func (s *GormStore) UpdateSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error {
	res := s.DB.WithContext(ctx).Model(&models.Sequence{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdateSequenceStats(ctx context.Context, id uint, stats models.SequenceStats) error {
	seq := models.Sequence{}
	seq.ID = id
	return s.DB.WithContext(ctx).Model(&seq).Select("Stats").Updates(&models.Sequence{Stats: stats}).Error
}

func (s *GormStore) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	return s.DB.WithContext(ctx).Create(step).Error
}

// ========= Enrollments =========

func activePairConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:     []clause.Column{{Name: "sequence_id"}, {Name: "subscriber_id"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "status = 'active'"}}},
		DoNothing:   true,
	}
}

func (s *GormStore) CreateEnrollment(ctx context.Context, e *models.Enrollment) (bool, error) {
	res := s.DB.WithContext(ctx).Clauses(activePairConflict()).Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CreateEnrollments(ctx context.Context, batch []*models.Enrollment) error {
	if len(batch) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Clauses(activePairConflict()).CreateInBatches(batch, len(batch)).Error
}

func (s *GormStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.DB.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (s *GormStore) FindEnrollment(ctx context.Context, sequenceID, subscriberID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.DB.WithContext(ctx).
		Where("sequence_id = ? AND subscriber_id = ?", sequenceID, subscriberID).
		Order("id DESC").
		First(&e).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (s *GormStore) EnrolledPairs(ctx context.Context, sequenceIDs, subscriberIDs []uint) (map[PairKey]bool, error) {
	pairs := make(map[PairKey]bool)
	if len(sequenceIDs) == 0 || len(subscriberIDs) == 0 {
		return pairs, nil
	}

	var rows []struct {
		SequenceID   uint
		SubscriberID uint
		Status       models.EnrollmentStatus
	}
	err := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Select("sequence_id, subscriber_id, status").
		Where("sequence_id IN ? AND subscriber_id IN ?", sequenceIDs, subscriberIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		key := PairKey{SequenceID: r.SequenceID, SubscriberID: r.SubscriberID}
		pairs[key] = pairs[key] || r.Status == models.EnrollmentActive
	}
	return pairs, nil
}

func (s *GormStore) AdvanceEnrollment(ctx context.Context, e *models.Enrollment) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", e.ID, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"current_step_id":         e.CurrentStepID,
			"current_step_started_at": e.CurrentStepStartedAt,
			"branch_step_id":          e.BranchStepID,
			"next_scheduled_at":       e.NextScheduledAt,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) CompleteEnrollment(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"status":            models.EnrollmentCompleted,
			"completed_at":      at,
			"next_scheduled_at": nil,
			"branch_step_id":    nil,
		})
	return res.RowsAffected > 0, res.Error
}

func exitAssignments(reason string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":            models.EnrollmentExited,
		"exited_at":         at,
		"exit_reason":       reason,
		"next_scheduled_at": nil,
	}
}

var exitableStatuses = []models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPaused}

func (s *GormStore) ExitEnrollment(ctx context.Context, id uint, reason string, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", id, exitableStatuses).
		Updates(exitAssignments(reason, at))
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) ExitActive(ctx context.Context, sequenceID, subscriberID uint, reason string, at time.Time) (int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("subscriber_id = ? AND status IN ?", subscriberID, exitableStatuses)
	if sequenceID != 0 {
		q = q.Where("sequence_id = ?", sequenceID)
	}
	res := q.Updates(exitAssignments(reason, at))
	return res.RowsAffected, res.Error
}

func (s *GormStore) PauseEnrollment(ctx context.Context, id uint) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"status":            models.EnrollmentPaused,
			"next_scheduled_at": nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) ResumeEnrollment(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentPaused).
		Updates(map[string]interface{}{
			"status":             models.EnrollmentActive,
			"next_scheduled_at":  at,
			"retry_requested_at": at,
		})
	if res.Error != nil {
		// resuming into a pair that was re-enrolled meanwhile violates the active-pair index
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) || strings.Contains(res.Error.Error(), "idx_enrollment_active_pair") {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) RetryEnrollment(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND next_scheduled_at IS NULL", id, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"next_scheduled_at":  at,
			"retry_requested_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("status = ? AND next_scheduled_at <= ?", models.EnrollmentActive, now).
		Order("next_scheduled_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *GormStore) CountEnrollments(ctx context.Context, sequenceID uint, r CountRange) (EnrollmentCounts, error) {
	q := s.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS total").
		Where("sequence_id = ?", sequenceID)
	if r.From != nil {
		q = q.Where("enrolled_at >= ?", *r.From)
	}
	if r.To != nil {
		q = q.Where("enrolled_at < ?", *r.To)
	}

	var rows []struct {
		Status models.EnrollmentStatus
		Total  int64
	}
	if err := q.Group("status").Scan(&rows).Error; err != nil {
		return EnrollmentCounts{}, fmt.Errorf("count enrollments: %w", err)
	}

	var counts EnrollmentCounts
	for _, row := range rows {
		counts.Total += row.Total
		switch row.Status {
		case models.EnrollmentActive:
			counts.Active = row.Total
		case models.EnrollmentCompleted:
			counts.Completed = row.Total
		case models.EnrollmentExited:
			counts.Exited = row.Total
		case models.EnrollmentPaused:
			counts.Paused = row.Total
		}
	}
	return counts, nil
}

// ========= Step executions =========

func (s *GormStore) CreateExecution(ctx context.Context, x *models.StepExecution) (bool, error) {
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "enrollment_id"}, {Name: "step_id"}, {Name: "attempt"}},
		DoNothing: true,
	}).Create(x)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) LatestExecution(ctx context.Context, enrollmentID, stepID uint) (*models.StepExecution, error) {
	var x models.StepExecution
	err := s.DB.WithContext(ctx).
		Where("enrollment_id = ? AND step_id = ?", enrollmentID, stepID).
		Order("attempt DESC").
		First(&x).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &x, nil
}

func (s *GormStore) UpdateExecution(ctx context.Context, x *models.StepExecution) error {
	return s.DB.WithContext(ctx).Save(x).Error
}

func (s *GormStore) ListExecutions(ctx context.Context, enrollmentID uint) ([]models.StepExecution, error) {
	var xs []models.StepExecution
	err := s.DB.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id ASC").
		Find(&xs).Error
	return xs, err
}

// ========= Subscribers =========

func (s *GormStore) GetSubscriber(ctx context.Context, id uint) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := s.DB.WithContext(ctx).Preload("Tags").Preload("Fields").First(&sub, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &sub, nil
}

func (s *GormStore) CreateSubscribers(ctx context.Context, subs []*models.Subscriber) error {
	if len(subs) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).CreateInBatches(subs, 100).Error
}

func (s *GormStore) SegmentIDs(ctx context.Context, subscriberIDs []uint) (map[uint][]uint, error) {
	out := make(map[uint][]uint)
	if len(subscriberIDs) == 0 {
		return out, nil
	}
	var memberships []models.SegmentMembership
	err := s.DB.WithContext(ctx).
		Where("subscriber_id IN ?", subscriberIDs).
		Find(&memberships).Error
	if err != nil {
		return nil, err
	}
	for _, m := range memberships {
		out[m.SubscriberID] = append(out[m.SubscriberID], m.SegmentID)
	}
	return out, nil
}

func (s *GormStore) IsSuppressed(ctx context.Context, ownerID uint, email string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.Suppression{}).
		Where("email = ? AND (user_id IS NULL OR user_id = ?)", strings.ToLower(email), ownerID).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) Suppress(ctx context.Context, sup *models.Suppression) error {
	sup.Email = strings.ToLower(sup.Email)
	return s.DB.WithContext(ctx).Create(sup).Error
}

func (s *GormStore) MarkUnsubscribed(ctx context.Context, subscriberID uint, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ?", subscriberID).
		Updates(map[string]interface{}{
			"status":          models.SubscriberUnsubscribed,
			"unsubscribed_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AddTag(ctx context.Context, subscriberID uint, tag string) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SubscriberTag{SubscriberID: subscriberID, Tag: tag}).Error
}

func (s *GormStore) RemoveTag(ctx context.Context, subscriberID uint, tag string) error {
	return s.DB.WithContext(ctx).Unscoped().
		Where("subscriber_id = ? AND tag = ?", subscriberID, tag).
		Delete(&models.SubscriberTag{}).Error
}

func (s *GormStore) SetField(ctx context.Context, subscriberID uint, name, value string) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&models.SubscriberField{SubscriberID: subscriberID, Name: name, Value: value}).Error
}

// ========= Providers =========

func (s *GormStore) CreateProvider(ctx context.Context, p *models.SendingProvider) error {
	return s.DB.WithContext(ctx).Create(p).Error
}

func (s *GormStore) ListProviders(ctx context.Context, ownerID uint) ([]models.SendingProvider, error) {
	var providers []models.SendingProvider
	err := s.DB.WithContext(ctx).Where("user_id = ?", ownerID).Order("id").Find(&providers).Error
	return providers, err
}

func (s *GormStore) UpdateProvider(ctx context.Context, p *models.SendingProvider) error {
	res := s.DB.WithContext(ctx).Save(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetProvider(ctx context.Context, id uint) (*models.SendingProvider, error) {
	var p models.SendingProvider
	if err := s.DB.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}
