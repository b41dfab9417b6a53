package config

import "fmt"

// Store backends selectable through HEIMDALL_STORE_BACKEND.
const (
	StoreBackendNone     = "none"
	StoreBackendMemory   = "memory"
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
	StoreBackendSQLite   = "sqlite"
)

// StoreConfig selects the durable store backing the definition cache.
type StoreConfig struct {
	Backend   string `envconfig:"BACKEND" default:"none" validate:"oneof=none memory redis postgres sqlite"`
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"heimdall"`

	// SQLitePath is the database file used by the sqlite backend.
	SQLitePath string `envconfig:"SQLITE_PATH" default:"heimdall-cache.db"`
}

// Validate checks StoreConfig fields for correctness.
func (s *StoreConfig) Validate() error {
	if s.Backend == StoreBackendSQLite {
		if err := validateNoWhitespace(s.SQLitePath, "store sqlite path"); err != nil {
			return err
		}
	}
	if s.Backend != StoreBackendNone && s.KeyPrefix == "" {
		return fmt.Errorf("store key prefix cannot be empty")
	}
	return nil
}
