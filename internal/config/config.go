// Package config provides YAML-based configuration loading, validation, and
// defaults for the sntable CLI, the export/apply pipelines and the mock
// Table API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	ServiceNow    ServiceNowConfig    `yaml:"servicenow"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Export        ExportConfig        `yaml:"export"`
	Apply         ApplyConfig         `yaml:"apply"`
	Offset        OffsetConfig        `yaml:"offset"`
	Mock          MockConfig          `yaml:"mock"`
	Observability ObservabilityConfig `yaml:"observability"`
	Log           LogConfig           `yaml:"log"`
}

// ServiceNowConfig holds instance connection settings.
type ServiceNowConfig struct {
	// InstanceURL may omit the scheme ("dev01234.service-now.com"); https is
	// assumed in that case.
	InstanceURL    string  `yaml:"instance_url"`
	Username       string  `yaml:"username"`
	Password       string  `yaml:"password"`
	APIVersion     string  `yaml:"api_version"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
}

// Timeout returns the per-request transport timeout.
func (s ServiceNowConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// KafkaConfig holds broker settings for the export and apply pipelines.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	ClientID          string   `yaml:"client_id"`
	SchemaRegistryURL string   `yaml:"schema_registry_url"`
}

// ExportConfig controls the table → Kafka export pipeline.
type ExportConfig struct {
	TopicPrefix string              `yaml:"topic_prefix"`
	Tables      []ExportTableConfig `yaml:"tables"`
	Interval    Duration            `yaml:"interval"`
	PageSize    int                 `yaml:"page_size"`
	// Format is "json" or "avro".
	Format string `yaml:"format"`
}

// ExportTableConfig defines a single table to export.
type ExportTableConfig struct {
	Name               string   `yaml:"name"`
	TimestampField     string   `yaml:"timestamp_field"`
	IdentifierField    string   `yaml:"identifier_field"`
	Fields             []string `yaml:"fields"`
	Query              string   `yaml:"query"`
	Topic              string   `yaml:"topic"`
	Partitioner        string   `yaml:"partitioner"`
	PartitionKeyFields []string `yaml:"partition_key_fields"`
}

// ApplyConfig controls the Kafka → table apply pipeline.
type ApplyConfig struct {
	Topics      []ApplyTopicConfig `yaml:"topics"`
	GroupID     string             `yaml:"group_id"`
	Concurrency int                `yaml:"concurrency"`
	DLQTopic    string             `yaml:"dlq_topic"`
	// CommitOnPartialFailure controls whether offsets are committed when
	// some messages in a batch fail. Defaults to true when unset.
	CommitOnPartialFailure *bool `yaml:"commit_on_partial_failure"`
}

// CommitOnPartialFailureValue returns the effective commit policy.
func (a ApplyConfig) CommitOnPartialFailureValue() bool {
	if a.CommitOnPartialFailure == nil {
		return true
	}
	return *a.CommitOnPartialFailure
}

// ApplyTopicConfig maps a Kafka topic to a table.
type ApplyTopicConfig struct {
	Topic string `yaml:"topic"`
	Table string `yaml:"table"`
}

// OffsetConfig controls where export watermarks are stored.
type OffsetConfig struct {
	FilePath      string   `yaml:"file_path"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// MockConfig configures the mock Table API server.
type MockConfig struct {
	Addr        string `yaml:"addr"`
	Table       string `yaml:"table"`
	FixtureFile string `yaml:"fixture_file"`
	PageSize    int    `yaml:"page_size"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// ObservabilityConfig controls the metrics/health HTTP server.
type ObservabilityConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls log level, format and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "500ms" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment so they are visible to ${VAR} expansion in Load. Missing files
// are skipped; variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env files %s: %w", strings.Join(existing, ","), err)
	}
	return nil
}

// Load reads a YAML config file, expands environment variables, and applies
// defaults. An empty path yields a defaults-only config. Sections are
// validated by the component that uses them (see the Validate methods).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand ${VAR} and $VAR references in the YAML.
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults sets default values for unset fields.
func applyDefaults(cfg *Config) {
	sn := &cfg.ServiceNow
	if sn.TimeoutSeconds == 0 {
		sn.TimeoutSeconds = 30
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "sntable"
	}

	exp := &cfg.Export
	if exp.Interval.Duration <= 0 {
		exp.Interval.Duration = 30 * time.Second
	}
	if exp.PageSize == 0 {
		exp.PageSize = 100
	}
	if exp.Format == "" {
		exp.Format = "json"
	}
	for i := range exp.Tables {
		t := &exp.Tables[i]
		if t.TimestampField == "" {
			t.TimestampField = "sys_updated_on"
		}
		if t.IdentifierField == "" {
			t.IdentifierField = "sys_id"
		}
		if t.Topic == "" && exp.TopicPrefix != "" {
			t.Topic = exp.TopicPrefix + "." + t.Name
		}
		if t.Partitioner == "" {
			t.Partitioner = "default"
		}
	}

	app := &cfg.Apply
	if app.Concurrency <= 0 {
		app.Concurrency = 5
	}
	if app.GroupID == "" {
		app.GroupID = "sntable-apply"
	}
	if app.CommitOnPartialFailure == nil {
		defaultCommit := true
		app.CommitOnPartialFailure = &defaultCommit
	}

	off := &cfg.Offset
	if off.FilePath == "" {
		off.FilePath = "offsets.json"
	}
	if off.FlushInterval.Duration <= 0 {
		off.FlushInterval.Duration = 5 * time.Second
	}

	mock := &cfg.Mock
	if mock.Addr == "" {
		mock.Addr = ":5000"
	}
	if mock.Table == "" {
		mock.Table = "incident"
	}

	if cfg.Observability.Addr == "" {
		cfg.Observability.Addr = ":8080"
	}

	lg := &cfg.Log
	if lg.Level == "" {
		lg.Level = "info"
	}
	if lg.Format == "" {
		lg.Format = "text"
	}
	if lg.MaxSizeMB == 0 {
		lg.MaxSizeMB = 100
	}
	if lg.MaxBackups == 0 {
		lg.MaxBackups = 3
	}
	if lg.MaxAgeDays == 0 {
		lg.MaxAgeDays = 28
	}
}

// Validate checks the settings every Table API call needs.
func (s ServiceNowConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(s.InstanceURL) == "" {
		errs = append(errs, errors.New("servicenow.instance_url is required"))
	}
	if s.Username == "" {
		errs = append(errs, errors.New("servicenow.username is required"))
	}
	if s.Password == "" {
		errs = append(errs, errors.New("servicenow.password is required"))
	}
	if s.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("servicenow.timeout_seconds must not be negative, got %d", s.TimeoutSeconds))
	}
	if s.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("servicenow.rate_limit_rps must not be negative, got %v", s.RateLimitRPS))
	}
	return errors.Join(errs...)
}

// Validate checks the broker list.
func (k KafkaConfig) Validate() error {
	if len(k.Brokers) == 0 {
		return errors.New("kafka.brokers must contain at least one broker")
	}
	return nil
}

// Validate checks the export tables and format.
func (e ExportConfig) Validate() error {
	var errs []error
	if len(e.Tables) == 0 {
		errs = append(errs, errors.New("export.tables must contain at least one table"))
	}
	switch e.Format {
	case "json", "avro":
	default:
		errs = append(errs, fmt.Errorf("export.format must be 'json' or 'avro', got %q", e.Format))
	}
	if e.PageSize < 0 {
		errs = append(errs, fmt.Errorf("export.page_size must not be negative, got %d", e.PageSize))
	}
	for i, tbl := range e.Tables {
		if tbl.Name == "" {
			errs = append(errs, fmt.Errorf("export.tables[%d].name is required", i))
		}
		if tbl.Topic == "" {
			errs = append(errs, fmt.Errorf("export.tables[%d].topic is required (or set export.topic_prefix)", i))
		}
		if e.Format == "avro" && len(tbl.Fields) == 0 {
			errs = append(errs, fmt.Errorf("export.tables[%d].fields is required for avro format", i))
		}
		switch tbl.Partitioner {
		case "default", "round_robin", "field_based":
		default:
			errs = append(errs, fmt.Errorf("export.tables[%d].partitioner must be 'default', 'round_robin', or 'field_based', got %q", i, tbl.Partitioner))
		}
		if tbl.Partitioner == "field_based" && len(tbl.PartitionKeyFields) == 0 {
			errs = append(errs, fmt.Errorf("export.tables[%d].partition_key_fields required when partitioner is 'field_based'", i))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the topic-to-table mappings.
func (a ApplyConfig) Validate() error {
	var errs []error
	if len(a.Topics) == 0 {
		errs = append(errs, errors.New("apply.topics must contain at least one topic"))
	}
	for i, tc := range a.Topics {
		if tc.Topic == "" {
			errs = append(errs, fmt.Errorf("apply.topics[%d].topic is required", i))
		}
		if tc.Table == "" {
			errs = append(errs, fmt.Errorf("apply.topics[%d].table is required", i))
		}
	}
	if a.GroupID == "" {
		errs = append(errs, errors.New("apply.group_id is required"))
	}
	return errors.Join(errs...)
}

// Validate checks the mock server settings.
func (m MockConfig) Validate() error {
	var errs []error
	if m.Table == "" {
		errs = append(errs, errors.New("mock.table is required"))
	}
	if m.FixtureFile == "" {
		errs = append(errs, errors.New("mock.fixture_file is required"))
	}
	if m.PageSize < 0 {
		errs = append(errs, fmt.Errorf("mock.page_size must not be negative, got %d", m.PageSize))
	}
	if (m.Username == "") != (m.Password == "") {
		errs = append(errs, errors.New("mock.username and mock.password must be set together"))
	}
	return errors.Join(errs...)
}
