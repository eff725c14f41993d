/*
Copyright 2024 The Namastack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from human strings like
// "500ms", "5s" or "1d12h" in YAML and env vars.
type Duration time.Duration

// D returns the plain time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := str2duration.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RetryConfig is the retry section of the configuration surface.
type RetryConfig struct {
	Policy            string   `yaml:"policy" validate:"omitempty,oneof=fixed linear exponential"`
	Delay             Duration `yaml:"delay"`
	InitialDelay      Duration `yaml:"initialDelay"`
	Increment         Duration `yaml:"increment"`
	Multiplier        float64  `yaml:"multiplier"`
	MaxDelay          Duration `yaml:"maxDelay"`
	MaxAttempts       int      `yaml:"maxAttempts" validate:"gte=1"`
	Jitter            Duration `yaml:"jitter"`
	IncludeExceptions []string `yaml:"includeExceptions"`
	ExcludeExceptions []string `yaml:"excludeExceptions"`
}

// SchemaConfig names the persistent objects.
type SchemaConfig struct {
	TablePrefix       string `yaml:"tablePrefix"`
	SchemaName        string `yaml:"schemaName"`
	InitializeOnStart bool   `yaml:"initializeOnStart"`
}

// RetentionConfig drives the completed-record sweeper. It only applies when
// synchronous deletion (deleteCompletedRecords) is off.
type RetentionConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Period   Duration `yaml:"period"`
	Schedule string   `yaml:"schedule"`
}

// DatabaseConfig locates the shared database.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=pgx postgres mysql"`
	DSN    string `yaml:"dsn"`
}

// Config is the complete dispatcher configuration.
type Config struct {
	PollInterval            Duration `yaml:"pollInterval" validate:"gt=0"`
	RebalanceInterval       Duration `yaml:"rebalanceInterval" validate:"gt=0"`
	BatchSize               int      `yaml:"batchSize" validate:"gte=1"`
	WorkerConcurrency       int      `yaml:"workerConcurrency" validate:"gte=1"`
	HeartbeatInterval       Duration `yaml:"heartbeatInterval" validate:"gt=0"`
	StaleInstanceTimeout    Duration `yaml:"staleInstanceTimeout" validate:"gt=0"`
	GracefulShutdownTimeout Duration `yaml:"gracefulShutdownTimeout" validate:"gt=0"`
	StorageTimeout          Duration `yaml:"storageTimeout" validate:"gt=0"`

	StopOnFirstFailure     bool `yaml:"stopOnFirstFailure"`
	DeleteCompletedRecords bool `yaml:"deleteCompletedRecords"`
	PublishAfterSave       bool `yaml:"publishAfterSave"`

	Retry     RetryConfig     `yaml:"retry"`
	Schema    SchemaConfig    `yaml:"schema"`
	Retention RetentionConfig `yaml:"retention"`
	Database  DatabaseConfig  `yaml:"database"`

	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metricsAddr"`
	HealthAddr  string `yaml:"healthAddr"`
}

var validate = validator.New()

// Default returns the baseline configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		PollInterval:            Duration(500 * time.Millisecond),
		RebalanceInterval:       Duration(5 * time.Second),
		BatchSize:               100,
		WorkerConcurrency:       8,
		HeartbeatInterval:       Duration(5 * time.Second),
		StaleInstanceTimeout:    Duration(30 * time.Second),
		GracefulShutdownTimeout: Duration(20 * time.Second),
		StorageTimeout:          Duration(5 * time.Second),
		StopOnFirstFailure:      true,
		Retry: RetryConfig{
			Policy:       "exponential",
			InitialDelay: Duration(100 * time.Millisecond),
			Multiplier:   2,
			MaxDelay:     Duration(10 * time.Second),
			MaxAttempts:  5,
		},
		Schema: SchemaConfig{
			TablePrefix:       "outbox_",
			InitializeOnStart: true,
		},
		Retention: RetentionConfig{
			Period:   Duration(7 * 24 * time.Hour),
			Schedule: "@hourly",
		},
		Database: DatabaseConfig{
			Driver: "pgx",
		},
		Host:        host,
		MetricsAddr: ":8080",
		HealthAddr:  ":8081",
	}
}

// Load layers the configuration: defaults, then the optional YAML file, then
// the environment. Validation runs on the merged result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.resolveEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field bounds and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.HeartbeatInterval.D() >= c.StaleInstanceTimeout.D() {
		return fmt.Errorf("staleInstanceTimeout (%s) must exceed heartbeatInterval (%s)",
			c.StaleInstanceTimeout, c.HeartbeatInterval)
	}
	for _, include := range c.Retry.IncludeExceptions {
		for _, exclude := range c.Retry.ExcludeExceptions {
			if include == exclude {
				return fmt.Errorf("error type %q appears in both retry include and exclude lists", include)
			}
		}
	}
	return nil
}
