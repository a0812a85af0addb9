package models

// RateLimitConfig selects the rate-limiting strategy. A non-empty
// RedisURL picks the shared-cache fixed-window limiter; otherwise the
// database-backed trailing-window limiter is used.
type RateLimitConfig struct {
	RedisURL      string `yaml:"redis_url,omitempty" json:"redis_url,omitzero"`
	DefaultRpm    int    `yaml:"default_rpm,omitempty" json:"default_rpm,omitzero"`
	WindowSeconds int    `yaml:"window_seconds,omitempty" json:"window_seconds,omitzero"`
	KeyPrefix     string `yaml:"key_prefix,omitempty" json:"key_prefix,omitzero"`
}

type TrackerConfig struct {
	BatchSize     int `yaml:"batch_size,omitempty" json:"batch_size,omitzero"`
	FlushInterval int `yaml:"flush_interval_seconds,omitempty" json:"flush_interval_seconds,omitzero"`
}

type StripeConfig struct {
	SecretKey string `yaml:"secret_key,omitempty" json:"-"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"-"`
}

type APIKeyConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	HeaderNames    []string `yaml:"header_names,omitempty" json:"header_names,omitzero"`
	AllowAnonymous bool     `yaml:"allow_anonymous,omitempty" json:"allow_anonymous,omitzero"`
}
