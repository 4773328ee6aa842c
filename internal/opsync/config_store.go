package opsync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/platewise/opsync/internal/db"
)

// SyncMode is a provider's sync state machine position.
type SyncMode string

const (
	ModeManual      SyncMode = "manual"
	ModeBackfill    SyncMode = "backfill"
	ModeIncremental SyncMode = "incremental"
)

// ValidMode reports whether s names a known sync mode.
func ValidMode(s string) bool {
	switch SyncMode(s) {
	case ModeManual, ModeBackfill, ModeIncremental:
		return true
	}
	return false
}

// SyncConfig is the single persisted configuration row for one provider.
// Quiet-hours bounds are hours of day; nil disables the quiet window.
type SyncConfig struct {
	Provider         string     `json:"provider"`
	Mode             SyncMode   `json:"mode"`
	EnabledEndpoints []string   `json:"enabled_endpoints"`
	IntervalMinutes  int        `json:"interval_minutes"`
	QuietHoursStart  *int       `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd    *int       `json:"quiet_hours_end,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// DefaultSyncConfig is the configuration a provider gets before an operator
// has ever touched it: manual mode, all date-scoped endpoints enabled.
func DefaultSyncConfig(providerName string) *SyncConfig {
	var names []string
	for _, e := range DateScopedEndpoints(providerName) {
		names = append(names, e.Name)
	}
	return &SyncConfig{
		Provider:         providerName,
		Mode:             ModeManual,
		EnabledEndpoints: names,
		IntervalMinutes:  60,
	}
}

// ConfigStore reads and writes ops.sync_config.
type ConfigStore struct {
	pool db.Pool
}

// NewConfigStore creates a ConfigStore.
func NewConfigStore(pool db.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// Get returns the provider's config, or the defaults when none is persisted.
func (s *ConfigStore) Get(ctx context.Context, providerName string) (*SyncConfig, error) {
	cfg := &SyncConfig{Provider: providerName}
	var mode string
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT mode, enabled_endpoints, interval_minutes, quiet_hours_start, quiet_hours_end, updated_at
		 FROM ops.sync_config WHERE provider = $1`,
		providerName,
	).Scan(&mode, &cfg.EnabledEndpoints, &cfg.IntervalMinutes, &cfg.QuietHoursStart, &cfg.QuietHoursEnd, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultSyncConfig(providerName), nil
		}
		return nil, eris.Wrapf(err, "config_store: get config for %s", providerName)
	}
	cfg.Mode = SyncMode(mode)
	cfg.UpdatedAt = &updatedAt
	return cfg, nil
}

// Set upserts the provider's config row.
func (s *ConfigStore) Set(ctx context.Context, cfg *SyncConfig) error {
	if !ValidMode(string(cfg.Mode)) {
		return eris.Errorf("config_store: invalid mode %q", cfg.Mode)
	}
	for _, name := range cfg.EnabledEndpoints {
		if _, err := GetEndpoint(name); err != nil {
			return err
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ops.sync_config
		   (provider, mode, enabled_endpoints, interval_minutes, quiet_hours_start, quiet_hours_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (provider) DO UPDATE SET
		   mode = EXCLUDED.mode,
		   enabled_endpoints = EXCLUDED.enabled_endpoints,
		   interval_minutes = EXCLUDED.interval_minutes,
		   quiet_hours_start = EXCLUDED.quiet_hours_start,
		   quiet_hours_end = EXCLUDED.quiet_hours_end,
		   updated_at = now()`,
		cfg.Provider, string(cfg.Mode), cfg.EnabledEndpoints, cfg.IntervalMinutes,
		cfg.QuietHoursStart, cfg.QuietHoursEnd,
	)
	if err != nil {
		return eris.Wrapf(err, "config_store: set config for %s", cfg.Provider)
	}
	return nil
}

// SetMode flips only the provider's mode, inserting the default row first if
// the provider was never configured.
func (s *ConfigStore) SetMode(ctx context.Context, providerName string, mode SyncMode) error {
	if !ValidMode(string(mode)) {
		return eris.Errorf("config_store: invalid mode %q", mode)
	}
	cfg, err := s.Get(ctx, providerName)
	if err != nil {
		return err
	}
	cfg.Mode = mode
	return s.Set(ctx, cfg)
}
