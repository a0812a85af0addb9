package models

import "time"

// UsageEvent is a single metered API call. Events are immutable once
// created and owned by the caller until handed to the tracker.
type UsageEvent struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	EcoID          string    `gorm:"not null;size:64;index" json:"eco_id"`
	Endpoint       string    `gorm:"not null;size:100;index;default:''" json:"endpoint"`
	Method         string    `gorm:"not null;size:10;default:''" json:"method"`
	Timestamp      time.Time `gorm:"not null;index" json:"timestamp"`
	ResponseTimeMs int       `gorm:"not null;default:0" json:"response_time_ms"`
	StatusCode     int       `gorm:"not null;default:0" json:"status_code"`
	APIKeyID       string    `gorm:"size:64;index;default:''" json:"api_key_id,omitzero"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}

// UsageRecord is the per-tenant, per-billing-period aggregate maintained
// by the storage layer. Batch inserts increment it; the tracker never
// mutates it directly.
type UsageRecord struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EcoID               string    `gorm:"not null;size:64;index:idx_usage_period,unique" json:"eco_id"`
	APICalls            int64     `gorm:"not null;default:0" json:"api_calls"`
	OverageCalls        int64     `gorm:"not null;default:0" json:"overage_calls"`
	OverageCost         int64     `gorm:"not null;default:0" json:"overage_cost"`
	OverageInvoiced     bool      `gorm:"not null;default:false" json:"overage_invoiced"`
	StripeInvoiceItemID string    `gorm:"size:100;default:''" json:"stripe_invoice_item_id,omitzero"`
	BillingPeriodStart  time.Time `gorm:"not null;index:idx_usage_period,unique" json:"billing_period_start"`
	BillingPeriodEnd    time.Time `gorm:"not null;index" json:"billing_period_end"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// RequestCount is the raw per-key counter row used by the database-backed
// rate limiter when no cache is configured.
type RequestCount struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	KeyID     string    `gorm:"not null;size:64;index" json:"key_id"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
	Count     int       `gorm:"not null;default:1" json:"count"`
}

func (RequestCount) TableName() string {
	return "api_request_counts"
}

// UsageSnapshot is the current-period view returned to callers.
type UsageSnapshot struct {
	APICalls     int64     `json:"api_calls"`
	Limit        int64     `json:"limit"`
	OverageCalls int64     `json:"overage_calls"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
}

type DailyUsage struct {
	Day    string `json:"day"`
	Calls  int64  `json:"calls"`
	Errors int64  `json:"errors"`
	AvgMs  int64  `json:"avg_ms"`
}

type EndpointStat struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Calls    int64  `json:"calls"`
	Errors   int64  `json:"errors"`
	AvgMs    int64  `json:"avg_ms"`
}
