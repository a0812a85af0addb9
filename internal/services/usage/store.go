package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-api/metering/internal/models"
	"gorm.io/gorm"
)

// Overage is billed at $1 per 1,000 calls.
const overageCentsPerThousandCalls = 100

// GormStore persists usage events and maintains the per-period aggregate
// rows. It also provides the raw window primitives consumed by the
// database-backed rate limiter.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// BatchInsert writes a batch of events and folds the counts into each
// tenant's current billing-period record in the same transaction.
func (s *GormStore) BatchInsert(ctx context.Context, events []models.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}

	byTenant := make(map[string]int64)
	for _, e := range events {
		byTenant[e.EcoID]++
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(events, len(events)).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for ecoID, calls := range byTenant {
			if err := s.addToPeriod(tx, ecoID, calls, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to batch insert %d usage events: %w", len(events), err)
	}
	return nil
}

func (s *GormStore) addToPeriod(tx *gorm.DB, ecoID string, calls int64, now time.Time) error {
	periodStart, periodEnd := billingPeriod(now)

	var record models.UsageRecord
	err := tx.Where("eco_id = ? AND billing_period_start = ?", ecoID, periodStart).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = models.UsageRecord{
			EcoID:              ecoID,
			BillingPeriodStart: periodStart,
			BillingPeriodEnd:   periodEnd,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	record.APICalls += calls

	plan, err := s.planFor(tx, ecoID)
	if err != nil {
		return err
	}
	if plan.APICallsIncluded != models.UnlimitedCalls && record.APICalls > plan.APICallsIncluded {
		record.OverageCalls = record.APICalls - plan.APICallsIncluded
		record.OverageCost = record.OverageCalls * overageCentsPerThousandCalls / 1000
	}

	return tx.Model(&models.UsageRecord{}).Where("id = ?", record.ID).Updates(map[string]any{
		"api_calls":     record.APICalls,
		"overage_calls": record.OverageCalls,
		"overage_cost":  record.OverageCost,
	}).Error
}

func (s *GormStore) planFor(tx *gorm.DB, ecoID string) (models.Plan, error) {
	var sub models.Subscription
	err := tx.Where("eco_id = ?", ecoID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PlanByCode(models.PlanFree), nil
	}
	if err != nil {
		return models.Plan{}, err
	}
	return models.PlanByCode(sub.Plan), nil
}

func (s *GormStore) GetCurrentUsage(ctx context.Context, ecoID string) (*models.UsageSnapshot, error) {
	periodStart, periodEnd := billingPeriod(time.Now().UTC())

	plan, err := s.planFor(s.db.WithContext(ctx), ecoID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan for %s: %w", ecoID, err)
	}

	snapshot := &models.UsageSnapshot{
		Limit:       plan.APICallsIncluded,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}

	var record models.UsageRecord
	err = s.db.WithContext(ctx).
		Where("eco_id = ? AND billing_period_start = ?", ecoID, periodStart).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return snapshot, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current usage for %s: %w", ecoID, err)
	}

	snapshot.APICalls = record.APICalls
	snapshot.OverageCalls = record.OverageCalls
	return snapshot, nil
}

// HasExceededLimit reports whether a tenant has used up its included
// calls on a plan with a hard cap. Plans with overage billing never hit
// the cap; their extra calls are invoiced instead.
func (s *GormStore) HasExceededLimit(ctx context.Context, ecoID string) (bool, error) {
	plan, err := s.planFor(s.db.WithContext(ctx), ecoID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve plan for %s: %w", ecoID, err)
	}
	if plan.Code != models.PlanFree {
		return false, nil
	}

	snapshot, err := s.GetCurrentUsage(ctx, ecoID)
	if err != nil {
		return false, err
	}
	return snapshot.APICalls >= snapshot.Limit, nil
}

func (s *GormStore) GetHistory(ctx context.Context, ecoID string, days int) ([]models.DailyUsage, error) {
	events, err := s.eventsSince(ctx, ecoID, days)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*models.DailyUsage)
	totalMs := make(map[string]int64)
	for _, e := range events {
		day := e.Timestamp.UTC().Format("2006-01-02")
		d := byDay[day]
		if d == nil {
			d = &models.DailyUsage{Day: day}
			byDay[day] = d
		}
		d.Calls++
		if e.StatusCode >= 400 || e.StatusCode == 0 {
			d.Errors++
		}
		totalMs[day] += int64(e.ResponseTimeMs)
	}

	results := make([]models.DailyUsage, 0, len(byDay))
	for day, d := range byDay {
		if d.Calls > 0 {
			d.AvgMs = totalMs[day] / d.Calls
		}
		results = append(results, *d)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Day < results[j].Day })
	return results, nil
}

func (s *GormStore) GetEndpointStats(ctx context.Context, ecoID string, days int) ([]models.EndpointStat, error) {
	events, err := s.eventsSince(ctx, ecoID, days)
	if err != nil {
		return nil, err
	}

	type key struct{ endpoint, method string }
	byEndpoint := make(map[key]*models.EndpointStat)
	totalMs := make(map[key]int64)
	for _, e := range events {
		k := key{e.Endpoint, e.Method}
		st := byEndpoint[k]
		if st == nil {
			st = &models.EndpointStat{Endpoint: e.Endpoint, Method: e.Method}
			byEndpoint[k] = st
		}
		st.Calls++
		if e.StatusCode >= 400 || e.StatusCode == 0 {
			st.Errors++
		}
		totalMs[k] += int64(e.ResponseTimeMs)
	}

	results := make([]models.EndpointStat, 0, len(byEndpoint))
	for k, st := range byEndpoint {
		if st.Calls > 0 {
			st.AvgMs = totalMs[k] / st.Calls
		}
		results = append(results, *st)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Calls > results[j].Calls })
	return results, nil
}

func (s *GormStore) eventsSince(ctx context.Context, ecoID string, days int) ([]models.UsageEvent, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var events []models.UsageEvent
	err := s.db.WithContext(ctx).
		Where("eco_id = ? AND timestamp >= ?", ecoID, cutoff).
		Order("timestamp ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get usage events for %s: %w", ecoID, err)
	}
	return events, nil
}

// CountSince sums recorded request counts for a key after the given time.
func (s *GormStore) CountSince(ctx context.Context, keyID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.RequestCount{}).
		Where("key_id = ? AND timestamp > ?", keyID, since).
		Select("COALESCE(SUM(count), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count requests for key %s: %w", keyID, err)
	}
	return total, nil
}

// RecordRequest writes one request-count row for a key.
func (s *GormStore) RecordRequest(ctx context.Context, keyID string, at time.Time) error {
	row := models.RequestCount{KeyID: keyID, Timestamp: at, Count: 1}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record request for key %s: %w", keyID, err)
	}
	return nil
}

// PurgeRequestCounts deletes counter rows older than cutoff. Counter rows
// only matter within the rate-limit window, so anything older is dead
// weight.
func (s *GormStore) PurgeRequestCounts(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.RequestCount{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge request counts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// billingPeriod returns the calendar-month boundaries containing t.
func billingPeriod(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
