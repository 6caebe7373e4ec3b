package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"sequencer/middleware"
	"sequencer/models"
	"sequencer/repository"
	"sequencer/sequence"
	"sequencer/utils"
)

// ProviderController manages the sending providers email steps resolve.
type ProviderController struct {
	store         repository.ProviderStore
	encryptionKey string
	logger        logrus.FieldLogger
}

func NewProviderController(store repository.ProviderStore, encryptionKey string, logger logrus.FieldLogger) *ProviderController {
	return &ProviderController{store: store, encryptionKey: encryptionKey, logger: logger}
}

type CreateProviderRequest struct {
	Name         string `json:"name" validate:"required"`
	FromEmail    string `json:"from_email" validate:"required,email"`
	FromName     string `json:"from_name" validate:"required"`
	ProviderType string `json:"provider_type" validate:"required,oneof=smtp"`
	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	Encryption   string `json:"encryption" validate:"omitempty,oneof=ssl tls none SSL TLS STARTTLS"`
}

type UpdateProviderRequest struct {
	Name         *string `json:"name"`
	FromEmail    *string `json:"from_email" validate:"omitempty,email"`
	FromName     *string `json:"from_name"`
	SMTPPassword *string `json:"smtp_password"`
	IsActive     *bool   `json:"is_active"`
}

func (pc *ProviderController) CreateProvider(c *fiber.Ctx) error {
	var req CreateProviderRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	// Encrypt sensitive data
	encryptedPassword, err := utils.Encrypt(pc.encryptionKey, req.SMTPPassword)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt SMTP password", nil)
	}

	provider := &models.SendingProvider{
		UserID:       middleware.OwnerID(c),
		Name:         req.Name,
		FromEmail:    req.FromEmail,
		FromName:     req.FromName,
		ProviderType: req.ProviderType,
		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
		SMTPUsername: req.SMTPUsername,
		SMTPPassword: encryptedPassword,
		Encryption:   req.Encryption,
		IsActive:     true,
	}
	if err := pc.store.CreateProvider(c.Context(), provider); err != nil {
		return respondError(c, pc.logger, "Failed to create provider", err)
	}

	provider.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(provider))
}

func (pc *ProviderController) GetProviders(c *fiber.Ctx) error {
	providers, err := pc.store.ListProviders(c.Context(), middleware.OwnerID(c))
	if err != nil {
		return respondError(c, pc.logger, "Failed to fetch providers", err)
	}
	for i := range providers {
		providers[i].Sanitize()
	}
	return c.JSON(utils.SuccessResponse(providers))
}

func (pc *ProviderController) UpdateProvider(c *fiber.Ctx) error {
	provider, err := pc.owned(c)
	if err != nil {
		return respondError(c, pc.logger, "Failed to update provider", err)
	}

	var req UpdateProviderRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if req.Name != nil {
		provider.Name = *req.Name
	}
	if req.FromEmail != nil {
		provider.FromEmail = *req.FromEmail
	}
	if req.FromName != nil {
		provider.FromName = *req.FromName
	}
	if req.SMTPPassword != nil {
		encrypted, err := utils.Encrypt(pc.encryptionKey, *req.SMTPPassword)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt SMTP password", nil)
		}
		provider.SMTPPassword = encrypted
	}
	if req.IsActive != nil {
		provider.IsActive = *req.IsActive
	}

	if err := pc.store.UpdateProvider(c.Context(), provider); err != nil {
		return respondError(c, pc.logger, "Failed to update provider", err)
	}

	provider.Sanitize()
	return c.JSON(utils.SuccessResponse(provider))
}

func (pc *ProviderController) owned(c *fiber.Ctx) (*models.SendingProvider, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, &sequence.ValidationError{Field: "id", Message: "invalid provider id"}
	}
	provider, err := pc.store.GetProvider(c.Context(), id)
	if err != nil {
		return nil, notFound("sending provider", id, err)
	}
	if provider.UserID != middleware.OwnerID(c) {
		return nil, &sequence.NotFoundError{Entity: "sending provider", ID: id}
	}
	return provider, nil
}
