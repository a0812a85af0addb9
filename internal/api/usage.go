package api

import (
	"strconv"

	"github.com/nexus-api/metering/internal/services/billing"
	"github.com/nexus-api/metering/internal/services/middleware"
	"github.com/nexus-api/metering/internal/services/usage"
	"github.com/gofiber/fiber/v2"
)

type UsageHandler struct {
	store          usage.Store
	overageService *billing.OverageService
}

func NewUsageHandler(store usage.Store, overageService *billing.OverageService) *UsageHandler {
	return &UsageHandler{
		store:          store,
		overageService: overageService,
	}
}

func (h *UsageHandler) RegisterRoutes(app *fiber.App, basePath string, auth *middleware.AuthMiddleware) {
	group := app.Group(basePath, auth.RequireAuth())
	group.Get("/current", h.GetCurrentUsage)
	group.Get("/history", h.GetHistory)
	group.Get("/endpoints", h.GetEndpointStats)
	group.Get("/overage", h.GetOverageSummary)
}

func (h *UsageHandler) GetCurrentUsage(c *fiber.Ctx) error {
	ecoID := middleware.EcoIDFromContext(c)

	snapshot, err := h.store.GetCurrentUsage(c.Context(), ecoID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get current usage",
		})
	}

	return c.JSON(snapshot)
}

func (h *UsageHandler) GetHistory(c *fiber.Ctx) error {
	ecoID := middleware.EcoIDFromContext(c)
	days := parseDays(c.Query("days"), 7)

	history, err := h.store.GetHistory(c.Context(), ecoID, days)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get usage history",
		})
	}

	return c.JSON(fiber.Map{
		"history":     history,
		"period_days": days,
	})
}

func (h *UsageHandler) GetEndpointStats(c *fiber.Ctx) error {
	ecoID := middleware.EcoIDFromContext(c)
	days := parseDays(c.Query("days"), 7)

	stats, err := h.store.GetEndpointStats(c.Context(), ecoID, days)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get endpoint stats",
		})
	}

	return c.JSON(fiber.Map{
		"endpoints":   stats,
		"period_days": days,
	})
}

func (h *UsageHandler) GetOverageSummary(c *fiber.Ctx) error {
	ecoID := middleware.EcoIDFromContext(c)

	summary, err := h.overageService.GetOverageSummary(c.Context(), ecoID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get overage summary",
		})
	}

	return c.JSON(summary)
}

func parseDays(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 || days > 90 {
		return fallback
	}
	return days
}
