package middleware

import (
	"strings"

	"github.com/nexus-api/metering/internal/models"
	"github.com/nexus-api/metering/internal/services/apikey"
	"github.com/nexus-api/metering/internal/services/ratelimit"
	"github.com/nexus-api/metering/internal/services/usage"
	"github.com/gofiber/fiber/v2"
)

// APIKeyMiddleware authenticates API keys, enforces the per-key request
// rate and the plan's hard cap, and stashes the resolved key in locals
// for the usage tracker downstream.
type APIKeyMiddleware struct {
	apiKeyService *apikey.Service
	limiter       ratelimit.Limiter
	tracker       *usage.Tracker
	config        *models.APIKeyConfig
	defaultRpm    int
}

func NewAPIKeyMiddleware(apiKeyService *apikey.Service, limiter ratelimit.Limiter, tracker *usage.Tracker, config *models.APIKeyConfig, defaultRpm int) *APIKeyMiddleware {
	if config == nil {
		config = &models.APIKeyConfig{Enabled: true}
	}
	if len(config.HeaderNames) == 0 {
		config.HeaderNames = []string{"X-API-Key"}
	}
	if defaultRpm <= 0 {
		defaultRpm = 1000
	}
	return &APIKeyMiddleware{
		apiKeyService: apiKeyService,
		limiter:       limiter,
		tracker:       tracker,
		config:        config,
		defaultRpm:    defaultRpm,
	}
}

func (m *APIKeyMiddleware) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.config.Enabled {
			return c.Next()
		}

		key := m.extractAPIKey(c)
		if key == "" {
			if m.config.AllowAnonymous {
				return c.Next()
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "API key required",
			})
		}

		resolved, err := m.apiKeyService.ValidateAPIKey(c.Context(), key)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired API key",
			})
		}

		rpm := resolved.RateLimitRpm
		if rpm == 0 {
			rpm = m.defaultRpm
		}
		if !m.limiter.IsAllowed(c.Context(), resolved.KeyID, rpm) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded",
			})
		}

		if m.tracker != nil {
			exceeded, err := m.tracker.HasExceededLimit(c.Context(), resolved.EcoID)
			if err == nil && exceeded {
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error": "Monthly API call limit exceeded",
				})
			}
		}

		c.Locals("api_key", resolved)
		c.Locals("eco_id", resolved.EcoID)
		return c.Next()
	}
}

func (m *APIKeyMiddleware) RequireScope(requiredScopes ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.config.Enabled {
			return c.Next()
		}

		resolved, ok := c.Locals("api_key").(*models.APIKey)
		if !ok || resolved == nil {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Insufficient permissions",
			})
		}

		if !apikey.HasScopes(resolved, requiredScopes...) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Insufficient scopes. Required: [" + strings.Join(requiredScopes, ", ") + "]",
			})
		}

		return c.Next()
	}
}

func (m *APIKeyMiddleware) extractAPIKey(c *fiber.Ctx) string {
	for _, headerName := range m.config.HeaderNames {
		if key := c.Get(headerName); key != "" {
			return strings.TrimSpace(key)
		}
	}

	if authHeader := c.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	return ""
}
