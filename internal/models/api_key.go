package models

import "time"

type APIKey struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	KeyID        string    `gorm:"uniqueIndex;not null;size:64" json:"key_id"`
	EcoID        string    `gorm:"not null;size:64;index" json:"eco_id"`
	Name         string    `gorm:"not null;size:255" json:"name"`
	KeyHash      string    `gorm:"uniqueIndex;not null;size:64" json:"-"`
	KeyPrefix    string    `gorm:"not null;index;size:12" json:"key_prefix"`
	Scopes       string    `gorm:"type:text;default:''" json:"scopes,omitzero"`
	RateLimitRpm int       `gorm:"default:0" json:"rate_limit_rpm,omitzero"`
	IsActive     bool      `gorm:"not null;default:true;index" json:"is_active"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	LastUsedAt   time.Time `json:"last_used_at,omitzero"`
	RotatedFrom  string    `gorm:"size:64;default:''" json:"rotated_from,omitzero"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

type APIKeyCreateRequest struct {
	Name         string    `json:"name" validate:"required,min=1,max=255"`
	EcoID        string    `json:"eco_id"`
	Scopes       []string  `json:"scopes,omitzero"`
	RateLimitRpm int       `json:"rate_limit_rpm,omitzero"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

type APIKeyResponse struct {
	ID           uint      `json:"id"`
	KeyID        string    `json:"key_id"`
	EcoID        string    `json:"eco_id"`
	Name         string    `json:"name"`
	Key          string    `json:"key,omitzero"`
	KeyPrefix    string    `json:"key_prefix"`
	Scopes       string    `json:"scopes,omitzero"`
	RateLimitRpm int       `json:"rate_limit_rpm,omitzero"`
	IsActive     bool      `json:"is_active"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	LastUsedAt   time.Time `json:"last_used_at,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
