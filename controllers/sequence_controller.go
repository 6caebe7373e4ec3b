package controller

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"sequencer/middleware"
	"sequencer/models"
	"sequencer/repository"
	"sequencer/sequence"
	"sequencer/utils"
)

type SequenceController struct {
	store   repository.Store
	manager *sequence.Manager
	stats   *sequence.StatsAggregator
	logger  logrus.FieldLogger
}

func NewSequenceController(store repository.Store, manager *sequence.Manager, stats *sequence.StatsAggregator, logger logrus.FieldLogger) *SequenceController {
	return &SequenceController{
		store:   store,
		manager: manager,
		stats:   stats,
		logger:  logger,
	}
}

type CreateStepRequest struct {
	StepOrder int             `json:"step_order" validate:"gt=0"`
	Type      models.StepType `json:"type" validate:"required,oneof=email wait condition action"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config" validate:"required"`
	IsActive  *bool           `json:"is_active"`
}

type CreateSequenceRequest struct {
	Name          string                  `json:"name" validate:"required,max=255"`
	Description   string                  `json:"description"`
	TriggerType   models.TriggerType      `json:"trigger_type" validate:"required,oneof=subscription tag_added manual webhook date"`
	TriggerConfig models.TriggerConfig    `json:"trigger_config"`
	Settings      models.SequenceSettings `json:"settings"`
	Steps         []CreateStepRequest     `json:"steps" validate:"dive"`
}

type EnrollRequest struct {
	SubscriberID uint           `json:"subscriber_id" validate:"required"`
	Metadata     map[string]any `json:"metadata"`
}

type ExitRequest struct {
	SubscriberID uint   `json:"subscriber_id" validate:"required"`
	Reason       string `json:"reason" validate:"max=255"`
}

// toStep validates the typed config before anything is stored, so a
// malformed step is rejected at authoring time rather than at execution.
func (r CreateStepRequest) toStep(sequenceID uint) (models.SequenceStep, error) {
	step := models.SequenceStep{
		SequenceID: sequenceID,
		StepOrder:  r.StepOrder,
		Type:       r.Type,
		Name:       r.Name,
		Config:     r.Config,
		IsActive:   r.IsActive == nil || *r.IsActive,
	}
	if _, err := sequence.DecodeStep(step); err != nil {
		return step, err
	}
	return step, nil
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	ownerID := middleware.OwnerID(c)

	var req CreateSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	seq := &models.Sequence{
		UserID:        ownerID,
		Name:          req.Name,
		Description:   req.Description,
		Status:        models.SequenceDraft,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		Settings:      req.Settings,
	}
	for i, sr := range req.Steps {
		if sr.StepOrder == 0 {
			sr.StepOrder = i + 1
		}
		step, err := sr.toStep(0)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step configuration", err)
		}
		seq.Steps = append(seq.Steps, step)
	}

	if err := sc.store.CreateSequence(c.Context(), seq); err != nil {
		return sc.fail(c, "Failed to create sequence", err)
	}

	sc.logger.WithFields(logrus.Fields{"sequence_id": seq.ID, "user_id": ownerID}).Info("Sequence created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	seqs, err := sc.store.ListSequences(c.Context(), middleware.OwnerID(c))
	if err != nil {
		return sc.fail(c, "Failed to fetch sequences", err)
	}
	return c.JSON(utils.SuccessResponse(seqs))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	seq, err := sc.ownedSequence(c)
	if err != nil {
		return sc.fail(c, "Failed to fetch sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	seq, err := sc.ownedSequence(c)
	if err != nil {
		return sc.fail(c, "Failed to activate sequence", err)
	}

	active := 0
	for _, st := range seq.Steps {
		if st.IsActive {
			active++
		}
	}
	if active == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sequence has no active steps", nil)
	}
	return sc.setStatus(c, seq, models.SequenceActive)
}

func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	seq, err := sc.ownedSequence(c)
	if err != nil {
		return sc.fail(c, "Failed to pause sequence", err)
	}
	return sc.setStatus(c, seq, models.SequencePaused)
}

func (sc *SequenceController) setStatus(c *fiber.Ctx, seq *models.Sequence, status models.SequenceStatus) error {
	if err := sc.store.UpdateSequenceStatus(c.Context(), seq.ID, status); err != nil {
		return sc.fail(c, "Failed to update sequence status", err)
	}
	seq.Status = status
	sc.logger.WithFields(logrus.Fields{"sequence_id": seq.ID, "status": status}).Info("Sequence status changed")
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	seq, err := sc.ownedSequence(c)
	if err != nil {
		return sc.fail(c, "Failed to add step", err)
	}

	var req CreateStepRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if req.StepOrder == 0 {
		req.StepOrder = len(seq.Steps) + 1
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	step, err := req.toStep(seq.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step configuration", err)
	}

	if err := sc.store.CreateStep(c.Context(), &step); err != nil {
		return sc.fail(c, "Failed to add step", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// GetSequenceStats recomputes the counters. With from/to the result is a
// one-off window and the cached stats are left untouched.
func (sc *SequenceController) GetSequenceStats(c *fiber.Ctx) error {
	seq, err := sc.ownedSequence(c)
	if err != nil {
		return sc.fail(c, "Failed to fetch stats", err)
	}

	from, err := utils.ParseTimeParam(c.Query("from"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid from parameter", err)
	}
	to, err := utils.ParseTimeParam(c.Query("to"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid to parameter", err)
	}
	if from != nil && to != nil && !from.Before(*to) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "from must be before to", nil)
	}

	stats, err := sc.stats.Recompute(c.Context(), seq.ID, from, to)
	if err != nil {
		return sc.fail(c, "Failed to compute stats", err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

func (sc *SequenceController) Enroll(c *fiber.Ctx) error {
	seq, err := sc.ownedSequence(c)
	if err != nil {
		return sc.fail(c, "Failed to enroll subscriber", err)
	}

	var req EnrollRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	res, err := sc.manager.EnrollOne(c.Context(), seq.ID, req.SubscriberID, req.Metadata)
	if err != nil {
		return sc.fail(c, "Failed to enroll subscriber", err)
	}
	status := fiber.StatusCreated
	if res.AlreadyEnrolled {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(utils.SuccessResponse(res))
}

func (sc *SequenceController) ExitSubscriber(c *fiber.Ctx) error {
	seq, err := sc.ownedSequence(c)
	if err != nil {
		return sc.fail(c, "Failed to exit subscriber", err)
	}

	var req ExitRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	n, err := sc.manager.Exit(c.Context(), seq.ID, req.SubscriberID, req.Reason)
	if err != nil {
		return sc.fail(c, "Failed to exit subscriber", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"exited": n}))
}

func (sc *SequenceController) PauseEnrollment(c *fiber.Ctx) error {
	e, err := sc.ownedEnrollment(c)
	if err != nil {
		return sc.fail(c, "Failed to pause enrollment", err)
	}
	if err := sc.manager.Pause(c.Context(), e.ID); err != nil {
		return sc.fail(c, "Failed to pause enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": e.ID, "status": models.EnrollmentPaused}))
}

func (sc *SequenceController) ResumeEnrollment(c *fiber.Ctx) error {
	e, err := sc.ownedEnrollment(c)
	if err != nil {
		return sc.fail(c, "Failed to resume enrollment", err)
	}
	if err := sc.manager.Resume(c.Context(), e.ID); err != nil {
		return sc.fail(c, "Failed to resume enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": e.ID, "status": models.EnrollmentActive}))
}

// RetryEnrollment re-runs the step a held enrollment failed on.
func (sc *SequenceController) RetryEnrollment(c *fiber.Ctx) error {
	e, err := sc.ownedEnrollment(c)
	if err != nil {
		return sc.fail(c, "Failed to retry enrollment", err)
	}
	if err := sc.manager.Retry(c.Context(), e.ID); err != nil {
		return sc.fail(c, "Failed to retry enrollment", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": e.ID, "status": models.EnrollmentActive}))
}

func (sc *SequenceController) GetExecutions(c *fiber.Ctx) error {
	e, err := sc.ownedEnrollment(c)
	if err != nil {
		return sc.fail(c, "Failed to fetch executions", err)
	}
	execs, err := sc.store.ListExecutions(c.Context(), e.ID)
	if err != nil {
		return sc.fail(c, "Failed to fetch executions", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"enrollment": e, "executions": execs}))
}

// ownedSequence loads the :id sequence; another owner's sequence is
// reported as missing.
func (sc *SequenceController) ownedSequence(c *fiber.Ctx) (*models.Sequence, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, &sequence.ValidationError{Field: "id", Message: "invalid sequence id"}
	}
	seq, err := sc.store.GetSequence(c.Context(), id)
	if err != nil {
		return nil, notFound("sequence", id, err)
	}
	if seq.UserID != middleware.OwnerID(c) {
		return nil, &sequence.NotFoundError{Entity: "sequence", ID: id}
	}
	return seq, nil
}

func (sc *SequenceController) ownedEnrollment(c *fiber.Ctx) (*models.Enrollment, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, &sequence.ValidationError{Field: "id", Message: "invalid enrollment id"}
	}
	e, err := sc.store.GetEnrollment(c.Context(), id)
	if err != nil {
		return nil, notFound("enrollment", id, err)
	}
	if e.UserID != middleware.OwnerID(c) {
		return nil, &sequence.NotFoundError{Entity: "enrollment", ID: id}
	}
	return e, nil
}

func notFound(entity string, id uint, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &sequence.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// fail maps the error taxonomy onto HTTP statuses.
func (sc *SequenceController) fail(c *fiber.Ctx, message string, err error) error {
	return respondError(c, sc.logger, message, err)
}

func respondError(c *fiber.Ctx, logger logrus.FieldLogger, message string, err error) error {
	switch sequence.Classify(err) {
	case sequence.KindValidation:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, message, err)
	case sequence.KindNotFound:
		return utils.ErrorResponse(c, fiber.StatusNotFound, message, err)
	}
	logger.WithError(err).WithField("path", c.Path()).Error(message)
	utils.LogError("api_error", err, map[string]interface{}{
		"path":    c.Path(),
		"method":  c.Method(),
		"user_id": middleware.OwnerID(c),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, message, nil)
}
