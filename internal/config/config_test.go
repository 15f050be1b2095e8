package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiveplane.yaml")
	content := "storage_root: /tmp/coord\nbackend: sqlite\npattern_min_occurrences: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageRoot != "/tmp/coord" {
		t.Fatalf("storage_root = %q", cfg.StorageRoot)
	}
	if cfg.Backend != "sqlite" {
		t.Fatalf("backend = %q", cfg.Backend)
	}
	if cfg.PatternMinOccurrences != 5 {
		t.Fatalf("pattern_min_occurrences = %d", cfg.PatternMinOccurrences)
	}
	// Untouched fields keep defaults.
	if cfg.StrengthMinSamples != Default().StrengthMinSamples {
		t.Fatalf("strength_min_samples = %d", cfg.StrengthMinSamples)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiveplane.yaml")
	if err := os.WriteFile(path, []byte("backend: redis\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
