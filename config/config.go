// Package config holds the node-level configuration consumed by the single
// Start entry point (spec.md §6). It is loaded from YAML, following
// friggdb.Config's yaml-tagged struct convention.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a bpcache node.
type Config struct {
	// SelfEID is this node's own endpoint identifier, e.g. "ipn:10.1".
	SelfEID string `yaml:"self-eid"`

	Pool   PoolConfig   `yaml:"pool"`
	Custody CustodyConfig `yaml:"custody"`
	Offload OffloadConfig `yaml:"offload"`
}

// PoolConfig sizes the fixed-capacity block pool and its priority bands.
type PoolConfig struct {
	// Cells is the total number of fixed-size cells in the pool.
	Cells int `yaml:"cells"`
	// LowZoneLimit is the cell count boundary up to which "low" priority
	// allocations are permitted.
	LowZoneLimit int `yaml:"low-zone-limit"`
	// MedZoneLimit is the cell count boundary up to which "med" priority
	// allocations are permitted ("high" may use the remainder).
	MedZoneLimit int `yaml:"med-zone-limit"`
}

// CustodyConfig holds the custody/DACS engine's timing constants (spec.md §4.G).
type CustodyConfig struct {
	DACSLifetime       time.Duration `yaml:"dacs-lifetime"`
	DACSOpenTime       time.Duration `yaml:"dacs-open-time"`
	FastRetry          time.Duration `yaml:"fast-retry"`
	IdleRetry          time.Duration `yaml:"idle-retry"`
	AgeOut             time.Duration `yaml:"age-out"`
	MaxSeqPerPayload   int           `yaml:"max-seq-per-payload"`
	DeliveryPolicy     string        `yaml:"delivery-policy"` // "none" | "custody_tracking"
}

// OffloadConfig selects and configures the optional persistent offload backend.
type OffloadConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"`
}

// DefaultConfig returns the defaults used when a field is left at its zero
// value, mirroring friggdb/pool's defaultConfig().
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Cells:        4096,
			LowZoneLimit: 3500,
			MedZoneLimit: 3900,
		},
		Custody: CustodyConfig{
			DACSLifetime:     24 * time.Hour,
			DACSOpenTime:     10 * time.Second,
			FastRetry:        3 * time.Second,
			IdleRetry:        time.Hour,
			AgeOut:           5 * time.Second,
			MaxSeqPerPayload: 16,
			DeliveryPolicy:   "custody_tracking",
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// DefaultConfig.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	if cfg.SelfEID == "" {
		return nil, errors.New("self-eid must be set")
	}
	if cfg.Pool.Cells <= 0 {
		return nil, errors.New("pool.cells must be positive")
	}
	if cfg.Custody.MaxSeqPerPayload <= 0 {
		return nil, errors.New("custody.max-seq-per-payload must be positive")
	}

	return cfg, nil
}
