package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load() on missing file failed: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8460 {
		t.Errorf("default server = %s:%d, want 127.0.0.1:8460", cfg.Server.Host, cfg.Server.Port)
	}
	if !cfg.Features.PolicyEngine {
		t.Error("policy engine should default on")
	}
	if cfg.Features.ExternalScan || cfg.Features.RiskScoring {
		t.Error("collaborator features should default off")
	}
	if cfg.Audit.RetentionYears != 7 {
		t.Errorf("retention = %d years, want 7", cfg.Audit.RetentionYears)
	}
	if cfg.Collaborators.Timeout() != 5*time.Second {
		t.Errorf("collaborator timeout = %v, want 5s", cfg.Collaborators.Timeout())
	}
}

func TestLoad_ParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  host: 0.0.0.0
  port: 9000
features:
  policy_engine: true
  external_scan: true
collaborators:
  scanner_url: http://scanner.internal/scan
  timeoutMs: 250
audit:
  retention_years: 3
  chain_seed: feedcafe
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Errorf("server = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if !cfg.Features.ExternalScan {
		t.Error("external_scan should be enabled")
	}
	if cfg.Collaborators.ScannerURL != "http://scanner.internal/scan" {
		t.Errorf("scanner_url = %q", cfg.Collaborators.ScannerURL)
	}
	if cfg.Collaborators.Timeout() != 250*time.Millisecond {
		t.Errorf("timeout = %v, want 250ms", cfg.Collaborators.Timeout())
	}
	if cfg.Audit.ChainSeed != "feedcafe" || cfg.Audit.RetentionYears != 3 {
		t.Errorf("audit = %+v", cfg.Audit)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"negative timeout", "collaborators:\n  timeoutMs: -1\n"},
		{"scan without url", "features:\n  external_scan: true\n"},
		{"scoring without url", "features:\n  risk_scoring: true\n"},
		{"negative retention", "audit:\n  retention_years: -1\n"},
		{"malformed yaml", "server: [not a map\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() accepted invalid config:\n%s", tt.content)
			}
		})
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written default failed: %v", err)
	}
	if *cfg != *applyDefaults() {
		t.Errorf("written default config = %+v, want %+v", cfg, applyDefaults())
	}
}

func TestWatcher_FiresOnRulesChange(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 1)

	w, err := NewWatcher(dir, WatchTargets{
		OnRulesChange: func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte("rules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Error("rules.yaml write did not trigger the callback")
	}

	// Unrelated files must not fire the rules callback.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
		t.Error("unrelated file triggered the rules callback")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), WatchTargets{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
