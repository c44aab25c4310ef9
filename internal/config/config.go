package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the task service core.
type Config struct {
	// DataDir is the directory holding the registry database and one
	// database file per workspace.
	DataDir string

	// Retention is how long soft-deleted rows are kept before the sweep
	// may permanently purge them.
	Retention time.Duration

	// Sweep loop tuning.
	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepBatchDelay time.Duration

	// SQLite write contention handling.
	BusyTimeout  time.Duration
	WriteRetries int

	// Response governance.
	ResponseBudgetTokens int
	ResponseWarnTokens   int
	MaxPageLimit         int

	// Field limits.
	DescriptionMaxLen int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:            30 * 24 * time.Hour,
		SweepInterval:        1 * time.Hour,
		SweepBatchSize:       500,
		SweepBatchDelay:      100 * time.Millisecond,
		BusyTimeout:          5 * time.Second,
		WriteRetries:         5,
		ResponseBudgetTokens: 15000,
		ResponseWarnTokens:   12000,
		MaxPageLimit:         1000,
		DescriptionMaxLen:    10000,
	}
}

// ResolvedDataDir returns the configured data directory or the platform
// default under the user home directory.
func (c *Config) ResolvedDataDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.DataDir); dir != "" {
			return dir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".task-service")
}
