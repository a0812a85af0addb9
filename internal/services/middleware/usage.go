package middleware

import (
	"time"

	"github.com/nexus-api/metering/internal/models"
	"github.com/nexus-api/metering/internal/services/usage"
	"github.com/gofiber/fiber/v2"
)

// UsageMiddleware records one usage event per authenticated request after
// the handler runs, regardless of its outcome. Track is fire and forget;
// the request path never waits on storage.
type UsageMiddleware struct {
	tracker *usage.Tracker
}

func NewUsageMiddleware(tracker *usage.Tracker) *UsageMiddleware {
	return &UsageMiddleware{tracker: tracker}
}

func (u *UsageMiddleware) TrackUsage() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		resolved, ok := c.Locals("api_key").(*models.APIKey)
		if !ok || resolved == nil {
			return err
		}

		u.tracker.Track(models.UsageEvent{
			EcoID:          resolved.EcoID,
			Endpoint:       c.Path(),
			Method:         c.Method(),
			Timestamp:      start,
			ResponseTimeMs: int(time.Since(start).Milliseconds()),
			StatusCode:     c.Response().StatusCode(),
			APIKeyID:       resolved.KeyID,
		})

		return err
	}
}
