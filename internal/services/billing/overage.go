package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nexus-api/metering/internal/models"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/invoiceitem"
	"gorm.io/gorm"
)

// OverageService turns per-period overage aggregates into Stripe invoice
// items and exposes the user-facing overage summary.
type OverageService struct {
	db *gorm.DB

	// swapped out in tests
	createInvoiceItem func(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
}

func NewOverageService(db *gorm.DB, cfg models.StripeConfig) *OverageService {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &OverageService{
		db:                db,
		createInvoiceItem: invoiceitem.New,
	}
}

type Overage struct {
	EcoID              string
	OverageCalls       int64
	OverageCostCents   int64
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
}

type OverageSummary struct {
	HasOverage       bool       `json:"has_overage"`
	OverageCalls     int64      `json:"overage_calls"`
	OverageCostCents int64      `json:"overage_cost_cents"`
	OverageCostUsd   float64    `json:"overage_cost_usd"`
	Invoiced         bool       `json:"invoiced"`
	PeriodEnd        *time.Time `json:"period_end"`
	Message          string     `json:"message"`
}

type ProcessResult struct {
	Processed  int            `json:"processed"`
	Charged    int            `json:"charged"`
	TotalCents int64          `json:"total_cents"`
	Errors     []ProcessError `json:"errors"`
}

type ProcessError struct {
	EcoID string `json:"ecoId"`
	Error string `json:"error"`
}

// CalculateOverage returns the billable overage for a tenant's period, or
// nil when there is nothing to charge. Free-plan tenants are never
// charged; they hit a hard cap instead.
func (s *OverageService) CalculateOverage(ctx context.Context, ecoID string, periodStart time.Time) (*Overage, error) {
	var record models.UsageRecord
	err := s.db.WithContext(ctx).
		Where("eco_id = ? AND billing_period_start = ?", ecoID, periodStart).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage record for %s: %w", ecoID, err)
	}

	if record.OverageCalls == 0 || record.OverageCost == 0 {
		return nil, nil
	}

	plan, err := s.planFor(ctx, ecoID)
	if err != nil {
		return nil, err
	}
	if plan.Code == models.PlanFree {
		return nil, nil
	}

	return &Overage{
		EcoID:              record.EcoID,
		OverageCalls:       record.OverageCalls,
		OverageCostCents:   record.OverageCost,
		BillingPeriodStart: record.BillingPeriodStart,
		BillingPeriodEnd:   record.BillingPeriodEnd,
	}, nil
}

// CreateInvoiceItem pushes one overage charge to Stripe and marks the
// usage record invoiced. Already-invoiced records are left alone, which
// makes the monthly run safe to repeat.
func (s *OverageService) CreateInvoiceItem(ctx context.Context, ov *Overage) error {
	var record models.UsageRecord
	err := s.db.WithContext(ctx).
		Where("eco_id = ? AND billing_period_start = ?", ov.EcoID, ov.BillingPeriodStart).
		First(&record).Error
	if err != nil {
		return fmt.Errorf("failed to load usage record for %s: %w", ov.EcoID, err)
	}
	if record.OverageInvoiced {
		return nil
	}

	var sub models.Subscription
	err = s.db.WithContext(ctx).Where("eco_id = ?", ov.EcoID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("no Stripe subscription found")
		}
		return fmt.Errorf("failed to load subscription for %s: %w", ov.EcoID, err)
	}
	if sub.StripeCustomerID == "" {
		return fmt.Errorf("no Stripe customer for %s", ov.EcoID)
	}

	plan := models.PlanByCode(sub.Plan)
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(sub.StripeCustomerID),
		Amount:      stripe.Int64(ov.OverageCostCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(overageDescription(ov.OverageCalls, plan.APICallsIncluded)),
	}
	params.AddMetadata("eco_id", ov.EcoID)
	params.AddMetadata("overage_calls", strconv.FormatInt(ov.OverageCalls, 10))
	params.AddMetadata("billing_period_start", ov.BillingPeriodStart.UTC().Format(time.RFC3339))
	params.AddMetadata("billing_period_end", ov.BillingPeriodEnd.UTC().Format(time.RFC3339))

	item, err := s.createInvoiceItem(params)
	if err != nil {
		return fmt.Errorf("failed to create invoice item: %w", err)
	}

	return s.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"overage_invoiced":       true,
			"stripe_invoice_item_id": item.ID,
		}).Error
}

// ProcessMonthlyOverage charges every un-invoiced overage for the given
// period. Per-tenant failures are collected rather than aborting the run.
func (s *OverageService) ProcessMonthlyOverage(ctx context.Context, periodStart time.Time) (*ProcessResult, error) {
	var records []models.UsageRecord
	err := s.db.WithContext(ctx).
		Where("billing_period_start = ? AND overage_calls > 0 AND overage_invoiced = ?", periodStart, false).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list overage records: %w", err)
	}

	result := &ProcessResult{Errors: []ProcessError{}}
	for i := range records {
		result.Processed++
		ov, err := s.CalculateOverage(ctx, records[i].EcoID, periodStart)
		if err == nil && ov == nil {
			continue
		}
		if err == nil {
			err = s.CreateInvoiceItem(ctx, ov)
		}
		if err != nil {
			fiberlog.Errorf("overage charge failed for %s: %v", records[i].EcoID, err)
			result.Errors = append(result.Errors, ProcessError{EcoID: records[i].EcoID, Error: err.Error()})
			continue
		}
		result.Charged++
		result.TotalCents += ov.OverageCostCents
	}

	return result, nil
}

// GetOverageSummary returns the current-period overage view for a tenant.
func (s *OverageService) GetOverageSummary(ctx context.Context, ecoID string) (*OverageSummary, error) {
	var record models.UsageRecord
	err := s.db.WithContext(ctx).
		Where("eco_id = ?", ecoID).
		Order("billing_period_start DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &OverageSummary{Message: "No overage for the current billing period"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage record for %s: %w", ecoID, err)
	}

	summary := &OverageSummary{
		HasOverage:       record.OverageCalls > 0,
		OverageCalls:     record.OverageCalls,
		OverageCostCents: record.OverageCost,
		OverageCostUsd:   float64(record.OverageCost) / 100,
		Invoiced:         record.OverageInvoiced,
		PeriodEnd:        &record.BillingPeriodEnd,
	}
	summary.Message = summaryMessage(summary)
	return summary, nil
}

func summaryMessage(s *OverageSummary) string {
	if !s.HasOverage {
		return "No overage for the current billing period"
	}
	if s.Invoiced {
		return fmt.Sprintf("You have been charged $%.2f in overage fees for this billing period", s.OverageCostUsd)
	}
	return fmt.Sprintf("You will be charged $%.2f in overage fees at the end of your billing period", s.OverageCostUsd)
}

func overageDescription(overageCalls, includedCalls int64) string {
	return fmt.Sprintf("API overage: %s calls beyond %s limit",
		formatWithCommas(overageCalls), formatCompact(includedCalls))
}

// formatWithCommas renders 5000 as "5,000".
func formatWithCommas(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}

// formatCompact renders 100000 as "100k" and leaves smaller or uneven
// values as plain numbers.
func formatCompact(n int64) string {
	if n >= 1000 && n%1000 == 0 {
		return strconv.FormatInt(n/1000, 10) + "k"
	}
	return strconv.FormatInt(n, 10)
}

func (s *OverageService) planFor(ctx context.Context, ecoID string) (models.Plan, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("eco_id = ?", ecoID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PlanByCode(models.PlanFree), nil
	}
	if err != nil {
		return models.Plan{}, fmt.Errorf("failed to load subscription for %s: %w", ecoID, err)
	}
	return models.PlanByCode(sub.Plan), nil
}
