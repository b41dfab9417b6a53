package config

import (
	"fmt"
	"time"
)

// ClientConfig configures the flag evaluation client embedded in the process.
type ClientConfig struct {
	// SDKKey is the server credential exchanged for a bearer token.
	SDKKey string `envconfig:"SDK_KEY"`

	ConfigURL string `envconfig:"CONFIG_URL" default:"http://localhost:7000/api/1.0"`
	EventsURL string `envconfig:"EVENTS_URL" default:"http://localhost:7000/api/1.0"`

	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"60s" validate:"min=1s"`
	StreamEnabled    bool          `envconfig:"STREAM_ENABLED" default:"true"`
	AnalyticsEnabled bool          `envconfig:"ANALYTICS_ENABLED" default:"true"`

	MetricsFlushInterval time.Duration `envconfig:"METRICS_FLUSH_INTERVAL" default:"60s" validate:"min=1s"`
	MetricsQueueSize     int           `envconfig:"METRICS_QUEUE_SIZE" default:"10000" validate:"min=1"`

	AuthRefreshInterval time.Duration `envconfig:"AUTH_REFRESH_INTERVAL" default:"1h" validate:"min=1m"`
	HTTPTimeout         time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s" validate:"min=1s"`

	// InitTimeout bounds how long the process waits for the first readiness.
	InitTimeout time.Duration `envconfig:"INIT_TIMEOUT" default:"30s" validate:"min=1s"`

	// WatchFlags lists flags the example process evaluates on every change.
	WatchFlags []string `envconfig:"WATCH_FLAGS"`
	// TargetIdentifier is the identity used for watched evaluations.
	TargetIdentifier string `envconfig:"TARGET_IDENTIFIER" default:"flagwatch"`
}

// Validate checks ClientConfig fields for correctness.
func (c *ClientConfig) Validate(environment string) error {
	if err := validateNoWhitespace(c.SDKKey, "client sdk key"); err != nil {
		return err
	}

	allowed := []string{"http", "https"}
	if environment == EnvironmentProduction {
		allowed = []string{"https"}
	}
	if _, err := parseAndValidateURL(c.ConfigURL, allowed); err != nil {
		return fmt.Errorf("invalid client config URL: %w", err)
	}
	if _, err := parseAndValidateURL(c.EventsURL, allowed); err != nil {
		return fmt.Errorf("invalid client events URL: %w", err)
	}

	return nil
}
