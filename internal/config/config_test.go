package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"kgmirror/pkg/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Import.QueueSize != cfg.Import.BatchSize*4 {
		t.Fatalf("queue size not derived: %+v", cfg.Import)
	}
	if cfg.Import.Chunks != cfg.Import.Workers*4 {
		t.Fatalf("chunks not derived: %+v", cfg.Import)
	}
	if cfg.Import.RetryInitial != 500*time.Millisecond {
		t.Fatalf("unexpected retry interval %v", cfg.Import.RetryInitial)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KGMIRROR_STORAGE_DRIVER", "memory")
	t.Setenv("KGMIRROR_IMPORT_BATCH_SIZE", "25")
	t.Setenv("KGMIRROR_HIERARCHY_POSITION_ROOTS", "Q1,Q2")
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Import.BatchSize != 25 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.Hierarchy.PositionRoots) != 2 || cfg.Hierarchy.PositionRoots[1] != "Q2" {
		t.Fatalf("unexpected roots %v", cfg.Hierarchy.PositionRoots)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgmirror.yaml")
	body := "storage:\n  driver: postgres\n  postgres_dsn: postgres://localhost/kg\nclassify:\n  death_window_years: 10\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Classify.DeathWindowYears != 10 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error for missing file, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty position roots": func(c *Config) { c.Hierarchy.PositionRoots = []string{" "} },
		"empty location roots": func(c *Config) { c.Hierarchy.LocationRoots = nil },
		"empty country types":  func(c *Config) { c.Hierarchy.CountryTypes = nil },
		"unknown store":        func(c *Config) { c.Storage.Driver = "mysql" },
		"postgres without dsn": func(c *Config) { c.Storage.Driver = "postgres" },
		"s3 without bucket":    func(c *Config) { c.Blob.Driver = "s3" },
		"gcs without bucket":   func(c *Config) { c.Blob.Driver = "gcs" },
		"zero batch":           func(c *Config) { c.Import.BatchSize = 0 },
		"negative retries":     func(c *Config) { c.Import.MaxRetries = -1 },
		"zero death window":    func(c *Config) { c.Classify.DeathWindowYears = 0 },
		"no languages":         func(c *Config) { c.Classify.Languages = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, domain.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}
