// Package config handles loading, validating, and writing the Continuum
// service configuration from ~/.continuum/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Feature toggles for the optional compliance modules
//   - External collaborator endpoints and their call timeout
//   - Audit ledger retention and chain seed
//
// Everything is resolved once at startup into a single Config passed down
// to the components; nothing reads the environment at call time.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration, loaded from config.yaml
// with defaults applied for unset fields.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Features      Features            `yaml:"features"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Audit         AuditConfig         `yaml:"audit"`
}

// ServerConfig defines where the API server listens.
// Default: 127.0.0.1:8460 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Features toggles the optional compliance modules. The built-in pattern
// detectors are always on; these flags gate the regulatory-rule engine and
// the two external collaborators.
type Features struct {
	PolicyEngine bool `yaml:"policy_engine"`
	ExternalScan bool `yaml:"external_scan"`
	RiskScoring  bool `yaml:"risk_scoring"`
}

// CollaboratorsConfig points at the external scanner and risk scorer.
// Both are optional, independently failing collaborators: a timeout or
// error marks their result section unavailable and never fails a check.
type CollaboratorsConfig struct {
	ScannerURL    string `yaml:"scanner_url"`
	RiskScorerURL string `yaml:"risk_scorer_url"`
	TimeoutMs     int    `yaml:"timeoutMs"`
}

// Timeout returns the collaborator call timeout as a duration.
func (c CollaboratorsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// AuditConfig controls the ledger.
//
// RetentionYears is the purge cutoff (entries older than this are eligible
// for removal). ChainSeed, when set, seeds a fresh ledger's first prev_hash
// so chains across deployments can be cross-linked; empty means the "0"
// genesis sentinel. The seed only matters at ledger creation — an existing
// ledger keeps the seed it was created with.
type AuditConfig struct {
	RetentionYears int    `yaml:"retention_years"`
	ChainSeed      string `yaml:"chain_seed"`
}

// Retention returns the retention window as a duration.
func (a AuditConfig) Retention() time.Duration {
	return time.Duration(a.RetentionYears) * 365 * 24 * time.Hour
}

// Load reads and parses config.yaml from the given path.
// A missing file returns defaults (not an error); invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header.
// Used by `continuum config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Continuum compliance service configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 8460)
#
# features:
#   policy_engine: Evaluate regulatory rules from rules.yaml
#   external_scan: Call the external vulnerability scanner (informational)
#   risk_scoring:  Call the external risk scorer (informational)
#
# collaborators:
#   scanner_url / risk_scorer_url: Endpoints for the optional collaborators
#   timeoutMs: Per-call timeout; on timeout the section is marked unavailable
#
# audit:
#   retention_years: Purge ledger entries older than this (default: 7)
#   chain_seed: Optional prev_hash seed for a fresh ledger's first entry

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field at its default.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8460,
		},
		Features: Features{
			PolicyEngine: true,
			ExternalScan: false,
			RiskScoring:  false,
		},
		Collaborators: CollaboratorsConfig{
			TimeoutMs: 5000,
		},
		Audit: AuditConfig{
			RetentionYears: 7,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Collaborators.TimeoutMs < 0 {
		return fmt.Errorf("collaborators.timeoutMs must be non-negative")
	}
	if cfg.Features.ExternalScan && cfg.Collaborators.ScannerURL == "" {
		return fmt.Errorf("features.external_scan requires collaborators.scanner_url")
	}
	if cfg.Features.RiskScoring && cfg.Collaborators.RiskScorerURL == "" {
		return fmt.Errorf("features.risk_scoring requires collaborators.risk_scorer_url")
	}
	if cfg.Audit.RetentionYears < 0 {
		return fmt.Errorf("audit.retention_years must be non-negative")
	}
	return nil
}
