package models

import "time"

type PlanCode string

const (
	PlanFree       PlanCode = "free"
	PlanPro        PlanCode = "pro"
	PlanEnterprise PlanCode = "enterprise"
)

// UnlimitedCalls marks a plan with no included-call ceiling.
const UnlimitedCalls int64 = -1

type Plan struct {
	Code             PlanCode
	APICallsIncluded int64
	PriceMonthlyUsd  int64
}

var Plans = map[PlanCode]Plan{
	PlanFree:       {Code: PlanFree, APICallsIncluded: 1000, PriceMonthlyUsd: 0},
	PlanPro:        {Code: PlanPro, APICallsIncluded: 100000, PriceMonthlyUsd: 29},
	PlanEnterprise: {Code: PlanEnterprise, APICallsIncluded: UnlimitedCalls, PriceMonthlyUsd: 299},
}

// PlanByCode returns the plan for code, defaulting unknown codes to Free.
func PlanByCode(code PlanCode) Plan {
	if p, ok := Plans[code]; ok {
		return p
	}
	return Plans[PlanFree]
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionTrialing SubscriptionStatus = "trialing"
)

type Subscription struct {
	ID                   uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	EcoID                string             `gorm:"uniqueIndex;not null;size:64" json:"eco_id"`
	Plan                 PlanCode           `gorm:"not null;size:20;default:'free'" json:"plan"`
	Status               SubscriptionStatus `gorm:"not null;size:20;default:'active'" json:"status"`
	StripeCustomerID     string             `gorm:"size:100;index;default:''" json:"stripe_customer_id,omitzero"`
	StripeSubscriptionID string             `gorm:"size:100;index;default:''" json:"stripe_subscription_id,omitzero"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CreatedAt            time.Time          `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}
