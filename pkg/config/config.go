// Package config loads the processing core's configuration surface from the
// environment (with optional config-file override). The configuration is
// loaded once per process lifetime into an immutable Config that is passed
// by reference into processors; rule lists are never re-read per invocation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the worker.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	NATS    NATSConfig    `mapstructure:"nats"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Storage StorageConfig `mapstructure:"storage"`
	API     APIConfig     `mapstructure:"api"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application identity and crash-reporting settings.
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Env       string `mapstructure:"env"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// NATSConfig holds the queue transport settings: the inbound work stream and
// the outbound per-process subjects.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Stream   string `mapstructure:"stream"`
	Consumer string `mapstructure:"consumer"`

	// FetchSubject is the subject inbound work items are published on.
	FetchSubject string `mapstructure:"fetch_subject"`

	// UpdateSubject receives corrected items for the downstream updater.
	UpdateSubject string `mapstructure:"update_subject"`

	// NotificationSubject receives staff notification messages.
	NotificationSubject string `mapstructure:"notification_subject"`

	// SCFReportSubject and IZReportSubject trigger the staged-item report
	// runs for the respective process.
	SCFReportSubject string `mapstructure:"scf_report_subject"`
	IZReportSubject  string `mapstructure:"iz_report_subject"`

	// SCFDuplicatesSubject triggers the SCF duplicates analytics report run.
	SCFDuplicatesSubject string `mapstructure:"scf_duplicates_subject"`
}

// MySQLConfig holds the relational store settings for the institution
// directory and the staging/report tables.
type MySQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// StorageConfig holds blob storage and table naming.
type StorageConfig struct {
	ConnectionString      string `mapstructure:"connection_string"`
	UpdatedItemsContainer string `mapstructure:"updated_items_container"`
	ReportsContainer      string `mapstructure:"reports_container"`
	SCFStageTable         string `mapstructure:"scf_stage_table"`
	SCFReportTable        string `mapstructure:"scf_report_table"`
	IZStageTable          string `mapstructure:"iz_stage_table"`
}

// APIConfig holds the bibliographic API client settings.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// Timeout bounds each individual fetch attempt.
	Timeout time.Duration `mapstructure:"timeout"`

	// RetryMaxAttempts is the total attempt budget for transient failures.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`

	// RetryBackoffBase is the initial backoff delay, doubled per attempt.
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`

	// MaxConcurrent caps simultaneous API calls across all workers.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// WorkerConfig holds the message pump settings.
type WorkerConfig struct {
	NumWorkers     int           `mapstructure:"num_workers"`
	BatchSize      int           `mapstructure:"batch_size"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// RulesConfig holds the config-driven rule lists shared by both processor
// variants.
type RulesConfig struct {
	// SCFInstitutionCode is the directory code of the SCF institution used
	// by the staged-item report runs.
	SCFInstitutionCode string `mapstructure:"scf_institution_code"`

	// ProvenanceExclusions are note patterns that flag a provenance issue;
	// matching is normalized and first-match-wins.
	ProvenanceExclusions []string `mapstructure:"provenance_exclusions"`

	// SkipLocations are location codes excluded from processing entirely.
	SkipLocations []string `mapstructure:"skip_locations"`

	// CheckedIZLocations restricts IZ processing to designated locations.
	CheckedIZLocations []string `mapstructure:"checked_iz_locations"`
}

// TracingConfig holds the OTLP exporter settings.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load reads configuration from the environment (ITEMCHECKS_-prefixed
// variables) and, when configPath is non-empty, a YAML file. Defaults follow
// the recognized option set; none of the values are hardcoded downstream.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ITEMCHECKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.API.RetryMaxAttempts < 1 {
		return fmt.Errorf("api.retry_max_attempts must be at least 1, got %d", c.API.RetryMaxAttempts)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.Worker.NumWorkers < 1 {
		return fmt.Errorf("worker.num_workers must be at least 1, got %d", c.Worker.NumWorkers)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be at least 1, got %d", c.Worker.BatchSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "itemchecksd")
	v.SetDefault("app.env", "development")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "ITEMCHECKS")
	v.SetDefault("nats.consumer", "itemchecks-processor")
	v.SetDefault("nats.fetch_subject", "ITEMCHECKS.fetch-item-queue")
	v.SetDefault("nats.update_subject", "ITEMCHECKS.update-queue")
	v.SetDefault("nats.notification_subject", "ITEMCHECKS.notification-queue")
	v.SetDefault("nats.scf_report_subject", "ITEMCHECKS.scf-no-row-tray-report")
	v.SetDefault("nats.iz_report_subject", "ITEMCHECKS.iz-no-row-tray-report")
	v.SetDefault("nats.scf_duplicates_subject", "ITEMCHECKS.scf-duplicates-report")

	v.SetDefault("mysql.auto_migrate", false)

	v.SetDefault("storage.updated_items_container", "updated-items-container")
	v.SetDefault("storage.reports_container", "reports-container")
	v.SetDefault("storage.scf_stage_table", "scf_no_row_tray_stage")
	v.SetDefault("storage.scf_report_table", "scf_no_row_tray_report")
	v.SetDefault("storage.iz_stage_table", "iz_no_row_tray_stage")

	v.SetDefault("api.timeout", 90*time.Second)
	v.SetDefault("api.retry_max_attempts", 3)
	v.SetDefault("api.retry_backoff_base", 500*time.Millisecond)
	v.SetDefault("api.max_concurrent", 8)

	v.SetDefault("worker.num_workers", 4)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.process_timeout", 2*time.Minute)

	v.SetDefault("rules.scf_institution_code", "scf")
	v.SetDefault("rules.provenance_exclusions", []string{
		"At WRLC waiting to be processed",
		"DO NOT DELETE",
		"WD",
	})
	v.SetDefault("rules.skip_locations", []string{
		"WRLC Gemtrac Drawer",
		"WRLC Microfilm Cabinet",
		"WRLC Microfiche Cabinet",
	})
	v.SetDefault("rules.checked_iz_locations", []string{})

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "127.0.0.1:4318")
	v.SetDefault("tracing.sample_ratio", 1.0)
}
