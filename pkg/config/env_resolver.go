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
	"strings"

	"github.com/spf13/cast"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// env var names, all under one prefix
const (
	envPollInterval            = "OUTBOX_POLL_INTERVAL"
	envRebalanceInterval       = "OUTBOX_REBALANCE_INTERVAL"
	envBatchSize               = "OUTBOX_BATCH_SIZE"
	envWorkerConcurrency       = "OUTBOX_WORKER_CONCURRENCY"
	envHeartbeatInterval       = "OUTBOX_HEARTBEAT_INTERVAL"
	envStaleInstanceTimeout    = "OUTBOX_STALE_INSTANCE_TIMEOUT"
	envGracefulShutdownTimeout = "OUTBOX_GRACEFUL_SHUTDOWN_TIMEOUT"
	envStorageTimeout          = "OUTBOX_STORAGE_TIMEOUT"
	envStopOnFirstFailure      = "OUTBOX_STOP_ON_FIRST_FAILURE"
	envDeleteCompletedRecords  = "OUTBOX_DELETE_COMPLETED_RECORDS"
	envPublishAfterSave        = "OUTBOX_PUBLISH_AFTER_SAVE"
	envRetryPolicy             = "OUTBOX_RETRY_POLICY"
	envRetryDelay              = "OUTBOX_RETRY_DELAY"
	envRetryInitialDelay       = "OUTBOX_RETRY_INITIAL_DELAY"
	envRetryIncrement          = "OUTBOX_RETRY_INCREMENT"
	envRetryMultiplier         = "OUTBOX_RETRY_MULTIPLIER"
	envRetryMaxDelay           = "OUTBOX_RETRY_MAX_DELAY"
	envRetryMaxAttempts        = "OUTBOX_RETRY_MAX_ATTEMPTS"
	envRetryJitter             = "OUTBOX_RETRY_JITTER"
	envRetryIncludeExceptions  = "OUTBOX_RETRY_INCLUDE_EXCEPTIONS"
	envRetryExcludeExceptions  = "OUTBOX_RETRY_EXCLUDE_EXCEPTIONS"
	envSchemaTablePrefix       = "OUTBOX_SCHEMA_TABLE_PREFIX"
	envSchemaName              = "OUTBOX_SCHEMA_NAME"
	envSchemaInitialize        = "OUTBOX_SCHEMA_INITIALIZE_ON_START"
	envRetentionEnabled        = "OUTBOX_RETENTION_ENABLED"
	envRetentionPeriod         = "OUTBOX_RETENTION_PERIOD"
	envRetentionSchedule       = "OUTBOX_RETENTION_SCHEDULE"
	envDBDriver                = "OUTBOX_DB_DRIVER"
	envDBDSN                   = "OUTBOX_DB_DSN"
	envHost                    = "OUTBOX_HOST"
	envPort                    = "OUTBOX_PORT"
	envMetricsAddr             = "OUTBOX_METRICS_ADDR"
	envHealthAddr              = "OUTBOX_HEALTH_ADDR"
)

// resolveEnv overlays environment variables onto the config. Unset variables
// leave the current value alone.
func (c *Config) resolveEnv() error {
	var err error
	if err = resolveDuration(envPollInterval, &c.PollInterval); err != nil {
		return err
	}
	if err = resolveDuration(envRebalanceInterval, &c.RebalanceInterval); err != nil {
		return err
	}
	if err = resolveInt(envBatchSize, &c.BatchSize); err != nil {
		return err
	}
	if err = resolveInt(envWorkerConcurrency, &c.WorkerConcurrency); err != nil {
		return err
	}
	if err = resolveDuration(envHeartbeatInterval, &c.HeartbeatInterval); err != nil {
		return err
	}
	if err = resolveDuration(envStaleInstanceTimeout, &c.StaleInstanceTimeout); err != nil {
		return err
	}
	if err = resolveDuration(envGracefulShutdownTimeout, &c.GracefulShutdownTimeout); err != nil {
		return err
	}
	if err = resolveDuration(envStorageTimeout, &c.StorageTimeout); err != nil {
		return err
	}
	if err = resolveBool(envStopOnFirstFailure, &c.StopOnFirstFailure); err != nil {
		return err
	}
	if err = resolveBool(envDeleteCompletedRecords, &c.DeleteCompletedRecords); err != nil {
		return err
	}
	if err = resolveBool(envPublishAfterSave, &c.PublishAfterSave); err != nil {
		return err
	}

	resolveString(envRetryPolicy, &c.Retry.Policy)
	if err = resolveDuration(envRetryDelay, &c.Retry.Delay); err != nil {
		return err
	}
	if err = resolveDuration(envRetryInitialDelay, &c.Retry.InitialDelay); err != nil {
		return err
	}
	if err = resolveDuration(envRetryIncrement, &c.Retry.Increment); err != nil {
		return err
	}
	if err = resolveFloat(envRetryMultiplier, &c.Retry.Multiplier); err != nil {
		return err
	}
	if err = resolveDuration(envRetryMaxDelay, &c.Retry.MaxDelay); err != nil {
		return err
	}
	if err = resolveInt(envRetryMaxAttempts, &c.Retry.MaxAttempts); err != nil {
		return err
	}
	if err = resolveDuration(envRetryJitter, &c.Retry.Jitter); err != nil {
		return err
	}
	resolveStringSlice(envRetryIncludeExceptions, &c.Retry.IncludeExceptions)
	resolveStringSlice(envRetryExcludeExceptions, &c.Retry.ExcludeExceptions)

	resolveString(envSchemaTablePrefix, &c.Schema.TablePrefix)
	resolveString(envSchemaName, &c.Schema.SchemaName)
	if err = resolveBool(envSchemaInitialize, &c.Schema.InitializeOnStart); err != nil {
		return err
	}

	if err = resolveBool(envRetentionEnabled, &c.Retention.Enabled); err != nil {
		return err
	}
	if err = resolveDuration(envRetentionPeriod, &c.Retention.Period); err != nil {
		return err
	}
	resolveString(envRetentionSchedule, &c.Retention.Schedule)

	resolveString(envDBDriver, &c.Database.Driver)
	resolveString(envDBDSN, &c.Database.DSN)
	resolveString(envHost, &c.Host)
	if err = resolveInt(envPort, &c.Port); err != nil {
		return err
	}
	resolveString(envMetricsAddr, &c.MetricsAddr)
	resolveString(envHealthAddr, &c.HealthAddr)
	return nil
}

func resolveString(name string, target *string) {
	if v, found := os.LookupEnv(name); found && v != "" {
		*target = v
	}
}

func resolveStringSlice(name string, target *[]string) {
	if v, found := os.LookupEnv(name); found && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*target = out
	}
}

func resolveInt(name string, target *int) error {
	if v, found := os.LookupEnv(name); found && v != "" {
		parsed, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
		*target = parsed
	}
	return nil
}

func resolveFloat(name string, target *float64) error {
	if v, found := os.LookupEnv(name); found && v != "" {
		parsed, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
		*target = parsed
	}
	return nil
}

func resolveBool(name string, target *bool) error {
	if v, found := os.LookupEnv(name); found && v != "" {
		parsed, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
		*target = parsed
	}
	return nil
}

func resolveDuration(name string, target *Duration) error {
	if v, found := os.LookupEnv(name); found && v != "" {
		parsed, err := str2duration.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
		*target = Duration(parsed)
	}
	return nil
}
