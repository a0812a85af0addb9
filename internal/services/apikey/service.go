package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-api/metering/internal/models"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateAPIKey generates a new key and returns it once in the response;
// only the hash is stored.
func (s *Service) CreateAPIKey(ctx context.Context, req *models.APIKeyCreateRequest) (*models.APIKeyResponse, error) {
	if req.Name == "" || req.EcoID == "" {
		return nil, fmt.Errorf("name and eco_id are required")
	}

	keyID, err := GenerateKeyID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key secret: %w", err)
	}
	plainKey := keyID + "." + secret

	apiKey := &models.APIKey{
		KeyID:        keyID,
		EcoID:        req.EcoID,
		Name:         req.Name,
		KeyHash:      HashKey(plainKey),
		KeyPrefix:    KeyPrefix(plainKey),
		Scopes:       strings.Join(req.Scopes, ","),
		RateLimitRpm: req.RateLimitRpm,
		IsActive:     true,
		ExpiresAt:    req.ExpiresAt,
	}

	if err := s.db.WithContext(ctx).Create(apiKey).Error; err != nil {
		return nil, fmt.Errorf("failed to create API key: %w", err)
	}

	resp := toResponse(apiKey)
	resp.Key = plainKey
	return resp, nil
}

// ValidateAPIKey resolves a plain key to its active record and bumps
// last_used_at.
func (s *Service) ValidateAPIKey(ctx context.Context, plainKey string) (*models.APIKey, error) {
	if plainKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	keyHash := HashKey(plainKey)
	var apiKey models.APIKey

	err := s.db.WithContext(ctx).
		Where("key_hash = ? AND is_active = ?", keyHash, true).
		First(&apiKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("invalid API key")
		}
		return nil, fmt.Errorf("failed to validate API key: %w", err)
	}

	if !apiKey.ExpiresAt.IsZero() && apiKey.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("API key has expired")
	}

	s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ?", apiKey.ID).
		Update("last_used_at", time.Now())

	return &apiKey, nil
}

func (s *Service) ListAPIKeys(ctx context.Context, ecoID string) ([]models.APIKeyResponse, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Where("eco_id = ?", ecoID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}

	responses := make([]models.APIKeyResponse, 0, len(keys))
	for i := range keys {
		responses = append(responses, *toResponse(&keys[i]))
	}
	return responses, nil
}

func (s *Service) RevokeAPIKey(ctx context.Context, ecoID, keyID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("key_id = ? AND eco_id = ?", keyID, ecoID).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to revoke API key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("API key not found")
	}
	return nil
}

// RotateAPIKey revokes the old key and issues a replacement carrying the
// same name, scopes and rate limit.
func (s *Service) RotateAPIKey(ctx context.Context, ecoID, keyID string) (*models.APIKeyResponse, error) {
	var old models.APIKey
	err := s.db.WithContext(ctx).
		Where("key_id = ? AND eco_id = ? AND is_active = ?", keyID, ecoID, true).
		First(&old).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("API key not found")
		}
		return nil, fmt.Errorf("failed to rotate API key: %w", err)
	}

	newKeyID, err := GenerateKeyID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key secret: %w", err)
	}
	plainKey := newKeyID + "." + secret

	replacement := &models.APIKey{
		KeyID:        newKeyID,
		EcoID:        old.EcoID,
		Name:         old.Name,
		KeyHash:      HashKey(plainKey),
		KeyPrefix:    KeyPrefix(plainKey),
		Scopes:       old.Scopes,
		RateLimitRpm: old.RateLimitRpm,
		IsActive:     true,
		ExpiresAt:    old.ExpiresAt,
		RotatedFrom:  old.KeyID,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.APIKey{}).Where("id = ?", old.ID).Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(replacement).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rotate API key: %w", err)
	}

	resp := toResponse(replacement)
	resp.Key = plainKey
	return resp, nil
}

// HasScopes reports whether a key carries every required scope. A key
// with the wildcard scope passes any check.
func HasScopes(apiKey *models.APIKey, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	scopeMap := make(map[string]bool)
	for _, scope := range strings.Split(apiKey.Scopes, ",") {
		scopeMap[strings.TrimSpace(scope)] = true
	}
	for _, r := range required {
		if !scopeMap[r] && !scopeMap["*"] {
			return false
		}
	}
	return true
}

func toResponse(apiKey *models.APIKey) *models.APIKeyResponse {
	return &models.APIKeyResponse{
		ID:           apiKey.ID,
		KeyID:        apiKey.KeyID,
		EcoID:        apiKey.EcoID,
		Name:         apiKey.Name,
		KeyPrefix:    apiKey.KeyPrefix,
		Scopes:       apiKey.Scopes,
		RateLimitRpm: apiKey.RateLimitRpm,
		IsActive:     apiKey.IsActive,
		ExpiresAt:    apiKey.ExpiresAt,
		LastUsedAt:   apiKey.LastUsedAt,
		CreatedAt:    apiKey.CreatedAt,
		UpdatedAt:    apiKey.UpdatedAt,
	}
}
