package usage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nexus-api/metering/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.UsageEvent{},
		&models.UsageRecord{},
		&models.RequestCount{},
		&models.Subscription{},
	))
	return db
}

func newTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	db := openTestDB(t)
	return NewGormStore(db), db
}

func makeEvents(ecoID string, n int) []models.UsageEvent {
	events := make([]models.UsageEvent, n)
	for i := range events {
		events[i] = models.UsageEvent{
			EcoID:      ecoID,
			Endpoint:   "/api/secure/ping",
			Method:     "GET",
			Timestamp:  time.Now().UTC(),
			StatusCode: 200,
		}
	}
	return events
}

func subscribe(t *testing.T, db *gorm.DB, ecoID string, plan models.PlanCode) {
	t.Helper()
	sub := models.Subscription{
		EcoID:            ecoID,
		Plan:             plan,
		Status:           models.SubscriptionActive,
		StripeCustomerID: "cus_test123",
	}
	require.NoError(t, db.Create(&sub).Error)
}

func TestBatchInsertPersistsEventsAndAggregates(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.BatchInsert(ctx, makeEvents("eco_usr_1", 5)))

	var count int64
	require.NoError(t, db.Model(&models.UsageEvent{}).Count(&count).Error)
	assert.EqualValues(t, 5, count)

	var record models.UsageRecord
	require.NoError(t, db.Where("eco_id = ?", "eco_usr_1").First(&record).Error)
	assert.EqualValues(t, 5, record.APICalls)
	assert.Zero(t, record.OverageCalls)
}

func TestBatchInsertAccumulatesAcrossBatches(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.BatchInsert(ctx, makeEvents("eco_usr_1", 3)))
	require.NoError(t, store.BatchInsert(ctx, makeEvents("eco_usr_1", 4)))

	var record models.UsageRecord
	require.NoError(t, db.Where("eco_id = ?", "eco_usr_1").First(&record).Error)
	assert.EqualValues(t, 7, record.APICalls)
}

func TestBatchInsertSplitsCountsPerTenant(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	events := append(makeEvents("eco_usr_1", 2), makeEvents("eco_usr_2", 3)...)
	require.NoError(t, store.BatchInsert(ctx, events))

	var records []models.UsageRecord
	require.NoError(t, db.Order("eco_id ASC").Find(&records).Error)
	require.Len(t, records, 2)
	assert.EqualValues(t, 2, records[0].APICalls)
	assert.EqualValues(t, 3, records[1].APICalls)
}

func TestBatchInsertAssignsEventIDs(t *testing.T) {
	store, db := newTestStore(t)

	require.NoError(t, store.BatchInsert(context.Background(), makeEvents("eco_usr_1", 2)))

	var events []models.UsageEvent
	require.NoError(t, db.Find(&events).Error)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
	}
}

func TestBatchInsertEmptyIsNoOp(t *testing.T) {
	store, db := newTestStore(t)

	require.NoError(t, store.BatchInsert(context.Background(), nil))

	var count int64
	require.NoError(t, db.Model(&models.UsageEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBatchInsertComputesOverageForProPlan(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	subscribe(t, db, "eco_usr_1", models.PlanPro)

	record := models.UsageRecord{EcoID: "eco_usr_1", APICalls: 0}
	record.BillingPeriodStart, record.BillingPeriodEnd = billingPeriod(time.Now().UTC())
	require.NoError(t, db.Create(&record).Error)
	require.NoError(t, db.Model(&record).Update("api_calls", int64(104999)).Error)

	require.NoError(t, store.BatchInsert(ctx, makeEvents("eco_usr_1", 1)))

	var updated models.UsageRecord
	require.NoError(t, db.Where("eco_id = ?", "eco_usr_1").First(&updated).Error)
	assert.EqualValues(t, 105000, updated.APICalls)
	assert.EqualValues(t, 5000, updated.OverageCalls)
	assert.EqualValues(t, 500, updated.OverageCost, "5,000 overage calls bill 500 cents")
}

func TestBatchInsertNoOverageForEnterprisePlan(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	subscribe(t, db, "eco_usr_1", models.PlanEnterprise)

	require.NoError(t, store.BatchInsert(ctx, makeEvents("eco_usr_1", 50)))

	var record models.UsageRecord
	require.NoError(t, db.Where("eco_id = ?", "eco_usr_1").First(&record).Error)
	assert.Zero(t, record.OverageCalls)
	assert.Zero(t, record.OverageCost)
}

func TestGetCurrentUsageReturnsZeroSnapshotWithoutActivity(t *testing.T) {
	store, _ := newTestStore(t)

	snap, err := store.GetCurrentUsage(context.Background(), "eco_usr_1")
	require.NoError(t, err)
	assert.Zero(t, snap.APICalls)
	assert.EqualValues(t, 1000, snap.Limit, "unsubscribed tenants default to the free plan")
	assert.False(t, snap.PeriodStart.IsZero())
	assert.True(t, snap.PeriodEnd.After(snap.PeriodStart))
}

func TestGetCurrentUsageReflectsPlanLimit(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	subscribe(t, db, "eco_usr_1", models.PlanPro)

	require.NoError(t, store.BatchInsert(ctx, makeEvents("eco_usr_1", 10)))

	snap, err := store.GetCurrentUsage(ctx, "eco_usr_1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, snap.APICalls)
	assert.EqualValues(t, 100000, snap.Limit)
}

func TestHasExceededLimitCapsOnlyFreePlan(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	record := models.UsageRecord{EcoID: "eco_usr_free", APICalls: 1000}
	record.BillingPeriodStart, record.BillingPeriodEnd = billingPeriod(time.Now().UTC())
	require.NoError(t, db.Create(&record).Error)

	exceeded, err := store.HasExceededLimit(ctx, "eco_usr_free")
	require.NoError(t, err)
	assert.True(t, exceeded)

	subscribe(t, db, "eco_usr_pro", models.PlanPro)
	proRecord := models.UsageRecord{EcoID: "eco_usr_pro", APICalls: 500000}
	proRecord.BillingPeriodStart, proRecord.BillingPeriodEnd = billingPeriod(time.Now().UTC())
	require.NoError(t, db.Create(&proRecord).Error)

	exceeded, err = store.HasExceededLimit(ctx, "eco_usr_pro")
	require.NoError(t, err)
	assert.False(t, exceeded, "paid plans bill overage instead of blocking")
}

func TestHasExceededLimitBelowCap(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.BatchInsert(context.Background(), makeEvents("eco_usr_1", 10)))

	exceeded, err := store.HasExceededLimit(context.Background(), "eco_usr_1")
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestGetHistoryGroupsByDay(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	events := []models.UsageEvent{
		{ID: "e1", EcoID: "eco_usr_1", Endpoint: "/a", Method: "GET", Timestamp: now, StatusCode: 200, ResponseTimeMs: 10},
		{ID: "e2", EcoID: "eco_usr_1", Endpoint: "/a", Method: "GET", Timestamp: now, StatusCode: 500, ResponseTimeMs: 30},
		{ID: "e3", EcoID: "eco_usr_1", Endpoint: "/b", Method: "POST", Timestamp: yesterday, StatusCode: 200, ResponseTimeMs: 20},
	}
	require.NoError(t, db.Create(&events).Error)

	history, err := store.GetHistory(ctx, "eco_usr_1", 7)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, yesterday.Format("2006-01-02"), history[0].Day)
	assert.EqualValues(t, 1, history[0].Calls)

	assert.Equal(t, now.Format("2006-01-02"), history[1].Day)
	assert.EqualValues(t, 2, history[1].Calls)
	assert.EqualValues(t, 1, history[1].Errors)
	assert.EqualValues(t, 20, history[1].AvgMs)
}

func TestGetHistoryExcludesOtherTenantsAndOldEvents(t *testing.T) {
	store, db := newTestStore(t)

	now := time.Now().UTC()
	events := []models.UsageEvent{
		{ID: "e1", EcoID: "eco_usr_1", Endpoint: "/a", Method: "GET", Timestamp: now, StatusCode: 200},
		{ID: "e2", EcoID: "eco_usr_2", Endpoint: "/a", Method: "GET", Timestamp: now, StatusCode: 200},
		{ID: "e3", EcoID: "eco_usr_1", Endpoint: "/a", Method: "GET", Timestamp: now.AddDate(0, 0, -30), StatusCode: 200},
	}
	require.NoError(t, db.Create(&events).Error)

	history, err := store.GetHistory(context.Background(), "eco_usr_1", 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.EqualValues(t, 1, history[0].Calls)
}

func TestGetEndpointStatsSortedByCallCount(t *testing.T) {
	store, db := newTestStore(t)

	now := time.Now().UTC()
	events := []models.UsageEvent{
		{ID: "e1", EcoID: "eco_usr_1", Endpoint: "/a", Method: "GET", Timestamp: now, StatusCode: 200, ResponseTimeMs: 10},
		{ID: "e2", EcoID: "eco_usr_1", Endpoint: "/b", Method: "POST", Timestamp: now, StatusCode: 200, ResponseTimeMs: 40},
		{ID: "e3", EcoID: "eco_usr_1", Endpoint: "/b", Method: "POST", Timestamp: now, StatusCode: 404, ResponseTimeMs: 20},
	}
	require.NoError(t, db.Create(&events).Error)

	stats, err := store.GetEndpointStats(context.Background(), "eco_usr_1", 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "/b", stats[0].Endpoint)
	assert.Equal(t, "POST", stats[0].Method)
	assert.EqualValues(t, 2, stats[0].Calls)
	assert.EqualValues(t, 1, stats[0].Errors)
	assert.EqualValues(t, 30, stats[0].AvgMs)

	assert.Equal(t, "/a", stats[1].Endpoint)
	assert.EqualValues(t, 1, stats[1].Calls)
}

func TestCountSinceAndRecordRequest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.RecordRequest(ctx, "key_1", now))
	require.NoError(t, store.RecordRequest(ctx, "key_1", now.Add(-30*time.Second)))
	require.NoError(t, store.RecordRequest(ctx, "key_1", now.Add(-2*time.Minute)))
	require.NoError(t, store.RecordRequest(ctx, "key_2", now))

	count, err := store.CountSince(ctx, "key_1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestPurgeRequestCounts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.RecordRequest(ctx, "key_1", now))
	require.NoError(t, store.RecordRequest(ctx, "key_1", now.Add(-time.Hour)))

	purged, err := store.PurgeRequestCounts(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	count, err := store.CountSince(ctx, "key_1", now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestBillingPeriodBoundaries(t *testing.T) {
	start, end := billingPeriod(time.Date(2026, 8, 30, 15, 4, 5, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), end)
}
