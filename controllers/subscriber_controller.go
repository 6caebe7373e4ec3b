package controller

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"sequencer/middleware"
	"sequencer/models"
	"sequencer/repository"
	"sequencer/sequence"
	"sequencer/utils"
)

type SubscriberController struct {
	store   repository.Store
	manager *sequence.Manager
	logger  logrus.FieldLogger
}

func NewSubscriberController(store repository.Store, manager *sequence.Manager, logger logrus.FieldLogger) *SubscriberController {
	return &SubscriberController{store: store, manager: manager, logger: logger}
}

type ImportSubscriber struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"max=255"`
	LastName  string `json:"last_name" validate:"max=255"`
}

type ImportRequest struct {
	Subscribers []ImportSubscriber `json:"subscribers" validate:"required,min=1,max=1000,dive"`
	Source      string             `json:"source"`
}

type ImportResponse struct {
	Imported   int                  `json:"imported"`
	Enrollment *sequence.BulkResult `json:"enrollment"`
}

type UnsubscribeRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// ImportSubscribers stores the batch and backfills enrollments into every
// active subscription sequence of the owner.
func (sc *SubscriberController) ImportSubscribers(c *fiber.Ctx) error {
	ownerID := middleware.OwnerID(c)

	var req ImportRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	source := req.Source
	if source == "" {
		source = "import"
	}
	seen := make(map[string]bool, len(req.Subscribers))
	subs := make([]*models.Subscriber, 0, len(req.Subscribers))
	for _, in := range req.Subscribers {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if seen[email] {
			continue
		}
		seen[email] = true
		subs = append(subs, &models.Subscriber{
			UserID:    ownerID,
			Email:     email,
			FirstName: in.FirstName,
			LastName:  in.LastName,
			Status:    models.SubscriberActive,
			Source:    source,
		})
	}

	if err := sc.store.CreateSubscribers(c.Context(), subs); err != nil {
		return respondError(c, sc.logger, "Failed to import subscribers", err)
	}

	batch := make([]models.Subscriber, 0, len(subs))
	for _, s := range subs {
		batch = append(batch, *s)
	}
	res, err := sc.manager.BulkEnroll(c.Context(), batch, ownerID)
	if err != nil {
		// the subscribers are stored; the sweep cannot recover missing
		// enrollments, so report the failure
		return respondError(c, sc.logger, "Subscribers imported but enrollment failed", err)
	}

	utils.LogEvent("subscribers_imported", map[string]interface{}{
		"user_id":  ownerID,
		"imported": len(subs),
		"enrolled": res.Created,
	})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(ImportResponse{
		Imported:   len(subs),
		Enrollment: res,
	}))
}

func (sc *SubscriberController) Unsubscribe(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid subscriber id", nil)
	}

	var req UnsubscribeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	n, err := sc.manager.Unsubscribe(c.Context(), middleware.OwnerID(c), id, req.Reason)
	if err != nil {
		return respondError(c, sc.logger, "Failed to unsubscribe", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"exited": n}))
}

// HandleEvent enrolls the subscriber into the owner's sequences whose
// trigger matches the event.
func (sc *SubscriberController) HandleEvent(c *fiber.Ctx) error {
	var ev sequence.TriggerEvent
	if err := c.BodyParser(&ev); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(ev); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if ev.Type == models.TriggerManual && ev.SequenceID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Manual events require sequence_id", nil)
	}
	ev.OwnerID = middleware.OwnerID(c)

	res, err := sc.manager.HandleEvent(c.Context(), ev)
	if err != nil {
		return respondError(c, sc.logger, "Failed to handle event", err)
	}
	return c.JSON(utils.SuccessResponse(res))
}
