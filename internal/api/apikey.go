package api

import (
	"github.com/nexus-api/metering/internal/models"
	"github.com/nexus-api/metering/internal/services/apikey"
	"github.com/nexus-api/metering/internal/services/middleware"
	"github.com/gofiber/fiber/v2"
)

type APIKeyHandler struct {
	service *apikey.Service
}

func NewAPIKeyHandler(service *apikey.Service) *APIKeyHandler {
	return &APIKeyHandler{service: service}
}

func (h *APIKeyHandler) RegisterRoutes(app *fiber.App, basePath string, auth *middleware.AuthMiddleware) {
	group := app.Group(basePath, auth.RequireAuth())
	group.Post("/generate", h.CreateAPIKey)
	group.Get("/list", h.ListAPIKeys)
	group.Post("/revoke", h.RevokeAPIKey)
	group.Post("/rotate", h.RotateAPIKey)
}

func (h *APIKeyHandler) CreateAPIKey(c *fiber.Ctx) error {
	var req models.APIKeyCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.EcoID = middleware.EcoIDFromContext(c)

	resp, err := h.service.CreateAPIKey(c.Context(), &req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *APIKeyHandler) ListAPIKeys(c *fiber.Ctx) error {
	keys, err := h.service.ListAPIKeys(c.Context(), middleware.EcoIDFromContext(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list API keys",
		})
	}

	return c.JSON(fiber.Map{"keys": keys})
}

type keyActionRequest struct {
	KeyID string `json:"key_id"`
}

func (h *APIKeyHandler) RevokeAPIKey(c *fiber.Ctx) error {
	var req keyActionRequest
	if err := c.BodyParser(&req); err != nil || req.KeyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "key_id is required",
		})
	}

	if err := h.service.RevokeAPIKey(c.Context(), middleware.EcoIDFromContext(c), req.KeyID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"revoked": true})
}

func (h *APIKeyHandler) RotateAPIKey(c *fiber.Ctx) error {
	var req keyActionRequest
	if err := c.BodyParser(&req); err != nil || req.KeyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "key_id is required",
		})
	}

	resp, err := h.service.RotateAPIKey(c.Context(), middleware.EcoIDFromContext(c), req.KeyID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(resp)
}
