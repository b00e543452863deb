// Package config loads kgmirror settings from defaults, an optional YAML
// file, KGMIRROR_* environment variables and bound CLI flags.
package config

import (
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"kgmirror/pkg/domain"
)

// EnvPrefix is prepended to every environment variable, e.g. KGMIRROR_STORAGE_DRIVER.
const EnvPrefix = "KGMIRROR"

// Config is the full runtime configuration.
type Config struct {
	LogMode   string          `mapstructure:"log_mode" yaml:"log_mode"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Blob      BlobConfig      `mapstructure:"blob" yaml:"blob"`
	Import    ImportConfig    `mapstructure:"import" yaml:"import"`
	Hierarchy HierarchyConfig `mapstructure:"hierarchy" yaml:"hierarchy"`
	Classify  ClassifyConfig  `mapstructure:"classify" yaml:"classify"`
}

// StorageConfig selects the relational store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"` // memory|sqlite|postgres
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

// BlobConfig selects where dumps are read from.
type BlobConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"` // fs|s3|gcs|memory
	FSRoot      string `mapstructure:"fs_root" yaml:"fs_root"`
	S3Bucket    string `mapstructure:"s3_bucket" yaml:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style" yaml:"s3_path_style"`
	GCSBucket   string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
}

// ImportConfig tunes the ingestion pipeline.
type ImportConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	Writers      int           `mapstructure:"writers" yaml:"writers"`
	Chunks       int           `mapstructure:"chunks" yaml:"chunks"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInitial time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
}

// HierarchyConfig names the class roots that drive classification.
type HierarchyConfig struct {
	PositionRoots       []string `mapstructure:"position_roots" yaml:"position_roots"`
	PositionIgnoreRoots []string `mapstructure:"position_ignore_roots" yaml:"position_ignore_roots"`
	LocationRoots       []string `mapstructure:"location_roots" yaml:"location_roots"`
	CountryTypes        []string `mapstructure:"country_types" yaml:"country_types"`
}

// ClassifyConfig tunes the entity classifier.
type ClassifyConfig struct {
	Languages        []string `mapstructure:"languages" yaml:"languages"`
	DeathWindowYears int      `mapstructure:"death_window_years" yaml:"death_window_years"`
}

// SetDefaults registers every key with its default so env overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_mode", "development")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "kgmirror.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs_root", "./dumps")
	v.SetDefault("blob.s3_bucket", "")
	v.SetDefault("blob.s3_region", "us-east-1")
	v.SetDefault("blob.s3_endpoint", "")
	v.SetDefault("blob.s3_path_style", false)
	v.SetDefault("blob.gcs_bucket", "")

	v.SetDefault("import.workers", runtime.NumCPU())
	v.SetDefault("import.writers", 4)
	v.SetDefault("import.chunks", 0)
	v.SetDefault("import.batch_size", 500)
	v.SetDefault("import.queue_size", 0)
	v.SetDefault("import.max_retries", 3)
	v.SetDefault("import.retry_initial", 500*time.Millisecond)

	// position, public office
	v.SetDefault("hierarchy.position_roots", []string{"Q4164871", "Q294414"})
	v.SetDefault("hierarchy.position_ignore_roots", []string{})
	// geographic location, location
	v.SetDefault("hierarchy.location_roots", []string{"Q2221906", "Q17334923"})
	// country, sovereign state, historical country, city-state, independent city
	v.SetDefault("hierarchy.country_types", []string{"Q6256", "Q3624078", "Q3024240", "Q133442", "Q22865"})

	v.SetDefault("classify.languages", []string{"en", "mul"})
	v.SetDefault("classify.death_window_years", 5)
}

// Load reads configuration into a Config. file may be empty.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, domain.ConfigError("read config %s: %v", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, domain.ConfigError("decode config: %v", err)
	}
	cfg.applyDerivedDefaults()
	return cfg, nil
}

// Default returns the configuration obtained from defaults alone.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.applyDerivedDefaults()
	return cfg
}

func (c *Config) applyDerivedDefaults() {
	if c.Import.Workers <= 0 {
		c.Import.Workers = runtime.NumCPU()
	}
	if c.Import.Chunks <= 0 {
		c.Import.Chunks = c.Import.Workers * 4
	}
	if c.Import.QueueSize <= 0 && c.Import.BatchSize > 0 {
		c.Import.QueueSize = c.Import.BatchSize * 4
	}
}

// Validate fails fast on settings that would make an import unsafe or impossible.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return domain.ConfigError("storage.sqlite_path required for sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return domain.ConfigError("storage.postgres_dsn required for postgres driver")
		}
	default:
		return domain.ConfigError("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return domain.ConfigError("blob.s3_bucket required for s3 driver")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return domain.ConfigError("blob.gcs_bucket required for gcs driver")
		}
	default:
		return domain.ConfigError("unknown blob driver %q", c.Blob.Driver)
	}
	if c.Import.BatchSize <= 0 || c.Import.Writers <= 0 || c.Import.Workers <= 0 {
		return domain.ConfigError("import.batch_size, import.writers and import.workers must be positive")
	}
	if c.Import.MaxRetries < 0 {
		return domain.ConfigError("import.max_retries must not be negative")
	}
	if len(nonEmpty(c.Hierarchy.PositionRoots)) == 0 {
		return domain.ConfigError("hierarchy.position_roots must not be empty")
	}
	if len(nonEmpty(c.Hierarchy.LocationRoots)) == 0 {
		return domain.ConfigError("hierarchy.location_roots must not be empty")
	}
	if len(nonEmpty(c.Hierarchy.CountryTypes)) == 0 {
		return domain.ConfigError("hierarchy.country_types must not be empty")
	}
	if len(nonEmpty(c.Classify.Languages)) == 0 {
		return domain.ConfigError("classify.languages must not be empty")
	}
	if c.Classify.DeathWindowYears <= 0 {
		return domain.ConfigError("classify.death_window_years must be positive")
	}
	return nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
