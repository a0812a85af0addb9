package middleware

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nexus-api/metering/internal/models"
	"github.com/nexus-api/metering/internal/services/apikey"
	"github.com/nexus-api/metering/internal/services/usage"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubLimiter struct {
	allowed bool
	lastKey string
	lastRpm int
}

func (l *stubLimiter) IsAllowed(_ context.Context, keyID string, maxPerMinute int) bool {
	l.lastKey = keyID
	l.lastRpm = maxPerMinute
	return l.allowed
}

type stubStore struct {
	mu       sync.Mutex
	events   []models.UsageEvent
	exceeded bool
}

func (s *stubStore) BatchInsert(_ context.Context, events []models.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *stubStore) GetCurrentUsage(context.Context, string) (*models.UsageSnapshot, error) {
	return &models.UsageSnapshot{}, nil
}

func (s *stubStore) HasExceededLimit(context.Context, string) (bool, error) {
	return s.exceeded, nil
}

func (s *stubStore) GetHistory(context.Context, string, int) ([]models.DailyUsage, error) {
	return nil, nil
}

func (s *stubStore) GetEndpointStats(context.Context, string, int) ([]models.EndpointStat, error) {
	return nil, nil
}

type fixture struct {
	app     *fiber.App
	keys    *apikey.Service
	limiter *stubLimiter
	store   *stubStore
	tracker *usage.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.APIKey{}))

	f := &fixture{
		keys:    apikey.NewService(db),
		limiter: &stubLimiter{allowed: true},
		store:   &stubStore{},
	}
	f.tracker = usage.NewTracker(f.store, models.TrackerConfig{BatchSize: 1000, FlushInterval: 3600})
	t.Cleanup(func() { f.tracker.Shutdown(context.Background()) })

	cfg := &models.APIKeyConfig{Enabled: true, HeaderNames: []string{"X-API-Key"}}
	keyMiddleware := NewAPIKeyMiddleware(f.keys, f.limiter, f.tracker, cfg, 1000)
	usageMiddleware := NewUsageMiddleware(f.tracker)

	f.app = fiber.New()
	f.app.Get("/ping", keyMiddleware.RequireAPIKey(), usageMiddleware.TrackUsage(), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"pong": true})
	})
	f.app.Get("/admin", keyMiddleware.RequireAPIKey(), keyMiddleware.RequireScope("admin"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return f
}

func (f *fixture) issueKey(t *testing.T, scopes []string, rpm int) string {
	t.Helper()
	resp, err := f.keys.CreateAPIKey(context.Background(), &models.APIKeyCreateRequest{
		Name:         "test",
		EcoID:        "eco_usr_1",
		Scopes:       scopes,
		RateLimitRpm: rpm,
	})
	require.NoError(t, err)
	return resp.Key
}

func TestRequireAPIKeyMissingKey(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/ping", nil)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequireAPIKeyInvalidKey(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-API-Key", "eco_api_bogus.bogus")
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequireAPIKeyValidKeyPasses(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, nil, 0)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-API-Key", key)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1000, f.limiter.lastRpm, "unset per-key rpm falls back to the default")
}

func TestRequireAPIKeyBearerToken(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, nil, 0)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequireAPIKeyUsesPerKeyRateLimit(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, nil, 250)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-API-Key", key)
	_, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 250, f.limiter.lastRpm)
}

func TestRequireAPIKeyRateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.allowed = false
	key := f.issueKey(t, nil, 0)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-API-Key", key)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestRequireAPIKeyPlanCapExceeded(t *testing.T) {
	f := newFixture(t)
	f.store.exceeded = true
	key := f.issueKey(t, nil, 0)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-API-Key", key)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
}

func TestTrackUsageRecordsAuthenticatedRequests(t *testing.T) {
	f := newFixture(t)
	key := f.issueKey(t, nil, 0)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-API-Key", key)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	f.tracker.Flush(context.Background())

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.events, 1)
	ev := f.store.events[0]
	assert.Equal(t, "eco_usr_1", ev.EcoID)
	assert.Equal(t, "/ping", ev.Endpoint)
	assert.Equal(t, "GET", ev.Method)
	assert.Equal(t, 200, ev.StatusCode)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotEmpty(t, ev.APIKeyID)
}

func TestTrackUsageSkipsAnonymousRequests(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/ping", nil)
	_, err := f.app.Test(req)
	require.NoError(t, err)

	f.tracker.Flush(context.Background())

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Empty(t, f.store.events)
}

func TestRequireScope(t *testing.T) {
	f := newFixture(t)
	adminKey := f.issueKey(t, []string{"admin"}, 0)
	readKey := f.issueKey(t, []string{"read"}, 0)

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-API-Key", adminKey)
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-API-Key", readKey)
	resp, err = f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestRequireAPIKeyDisabledPassesThrough(t *testing.T) {
	f := newFixture(t)
	keyMiddleware := NewAPIKeyMiddleware(f.keys, f.limiter, f.tracker, &models.APIKeyConfig{Enabled: false}, 1000)

	app := fiber.New()
	app.Get("/open", keyMiddleware.RequireAPIKey(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
