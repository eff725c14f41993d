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

package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/namastack/outbox/pkg/cluster"
	"github.com/namastack/outbox/pkg/config"
	"github.com/namastack/outbox/pkg/dispatch"
	"github.com/namastack/outbox/pkg/handler"
	"github.com/namastack/outbox/pkg/metricscollector"
	"github.com/namastack/outbox/pkg/poller"
	"github.com/namastack/outbox/pkg/record"
	"github.com/namastack/outbox/pkg/retry"
	"github.com/namastack/outbox/pkg/routing"
	"github.com/namastack/outbox/pkg/sequencer"
	"github.com/namastack/outbox/pkg/storage"
)

const metricsSampleInterval = 10 * time.Second

// Dispatcher is the assembled outbox runtime: coordinator, poller, sequencer
// and pipeline over one store. Assemble it at startup, register handlers,
// then Run it; there are no process-wide singletons.
type Dispatcher struct {
	cfg      config.Config
	store    storage.Store
	registry *handler.Registry
	resolver *retry.Resolver
	codec    *record.JSONCodec
	metrics  *metricscollector.PromMetrics
	logger   logr.Logger
	clock    func() time.Time

	coordinator *cluster.Coordinator
	pipeline    *dispatch.Pipeline
	sequencer   *sequencer.Sequencer
	poller      *poller.Poller

	retention *cron.Cron
}

// Option tweaks the dispatcher assembly.
type Option func(*builder)

type builder struct {
	routes     *routing.Rules
	metrics    *metricscollector.PromMetrics
	clock      func() time.Time
	instanceID string
}

// WithRouting installs the pre-dispatch routing rules.
func WithRouting(rules *routing.Rules) Option {
	return func(b *builder) { b.routes = rules }
}

// WithMetrics installs a caller-owned metrics collector instead of the one
// the assembly builds by default.
func WithMetrics(m *metricscollector.PromMetrics) Option {
	return func(b *builder) { b.metrics = m }
}

// WithClock pins the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *builder) { b.clock = clock }
}

// WithInstanceID pins the instance identity, for tests.
func WithInstanceID(id string) Option {
	return func(b *builder) { b.instanceID = id }
}

// New assembles a dispatcher. Configuration problems are fatal here, before
// any record moves.
func New(cfg config.Config, store storage.Store, logger logr.Logger, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &builder{clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}

	policy, err := retry.FromConfig(retryConfigOf(cfg.Retry))
	if err != nil {
		return nil, err
	}
	classifier, err := retry.FromNames(cfg.Retry.IncludeExceptions, cfg.Retry.ExcludeExceptions)
	if err != nil {
		return nil, err
	}

	metrics := b.metrics
	if metrics == nil {
		metrics = metricscollector.NewPromMetrics()
	}

	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		registry: handler.NewRegistry(),
		resolver: retry.NewResolver(policy, classifier),
		codec:    record.NewJSONCodec(),
		metrics:  metrics,
		logger:   logger.WithName("outbox"),
		clock:    b.clock,
	}

	d.pipeline = dispatch.New(store, d.registry, d.resolver, logger,
		dispatch.WithCodec(d.codec),
		dispatch.WithClock(d.clock),
		dispatch.WithDeleteCompleted(cfg.DeleteCompletedRecords),
		dispatch.WithRouting(b.routes),
		dispatch.WithObserver(func(outcome dispatch.Outcome, payloadType string, elapsed time.Duration) {
			d.metrics.RecordDispatch(outcome.String(), payloadType, elapsed.Seconds())
		}),
	)

	coordOpts := []cluster.Option{cluster.WithClock(d.clock)}
	if b.instanceID != "" {
		coordOpts = append(coordOpts, cluster.WithInstanceID(b.instanceID))
	}
	d.coordinator = cluster.New(store, cluster.Config{
		HeartbeatInterval:       cfg.HeartbeatInterval.D(),
		ReapInterval:            cfg.HeartbeatInterval.D(),
		RebalanceInterval:       cfg.RebalanceInterval.D(),
		StaleTimeout:            cfg.StaleInstanceTimeout.D(),
		GracefulShutdownTimeout: cfg.GracefulShutdownTimeout.D(),
		Host:                    cfg.Host,
		Port:                    cfg.Port,
	}, logger, coordOpts...)

	d.sequencer = sequencer.New(store, d.pipeline, d.coordinator, sequencer.Config{
		WorkerConcurrency:  cfg.WorkerConcurrency,
		StopOnFirstFailure: cfg.StopOnFirstFailure,
	}, logger, sequencer.WithClock(d.clock))

	d.poller = poller.New(store, d.coordinator, d.sequencer, poller.Config{
		PollInterval: cfg.PollInterval.D(),
		BatchSize:    cfg.BatchSize,
	}, logger, poller.WithClock(d.clock))

	if cfg.Retention.Enabled && !cfg.DeleteCompletedRecords {
		d.retention = cron.New()
		if _, err := d.retention.AddFunc(cfg.Retention.Schedule, d.sweepCompleted); err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Retention.Schedule, err)
		}
	}

	return d, nil
}

func retryConfigOf(rc config.RetryConfig) retry.Config {
	return retry.Config{
		Policy:       rc.Policy,
		Delay:        rc.Delay.D(),
		InitialDelay: rc.InitialDelay.D(),
		Increment:    rc.Increment.D(),
		Multiplier:   rc.Multiplier,
		MaxDelay:     rc.MaxDelay.D(),
		MaxAttempts:  rc.MaxAttempts,
		Jitter:       rc.Jitter.D(),
	}
}

// InstanceID returns this dispatcher's cluster identity.
func (d *Dispatcher) InstanceID() string { return d.coordinator.InstanceID() }

// Metrics returns the dispatcher's metrics collector, for serving its
// registry over HTTP.
func (d *Dispatcher) Metrics() *metricscollector.PromMetrics { return d.metrics }

// RegisterPayloadType teaches the codec a concrete payload struct and
// returns its payload type name.
func (d *Dispatcher) RegisterPayloadType(prototype any) string {
	return d.codec.RegisterType(prototype)
}

// RegisterHandler registers a typed handler receiving payload and metadata.
func (d *Dispatcher) RegisterHandler(payloadType string, fn handler.Func, opts ...handler.RegisterOption) error {
	_, err := d.registry.RegisterTyped(payloadType, fn, opts...)
	return err
}

// RegisterPayloadHandler registers the short typed form without metadata.
func (d *Dispatcher) RegisterPayloadHandler(payloadType string, fn func(ctx context.Context, payload any) error, opts ...handler.RegisterOption) error {
	_, err := d.registry.RegisterTyped(payloadType, handler.PayloadOnly(fn), opts...)
	return err
}

// RegisterGenericHandler registers a catch-all handler.
func (d *Dispatcher) RegisterGenericHandler(fn handler.Func, opts ...handler.RegisterOption) error {
	_, err := d.registry.RegisterGeneric(fn, opts...)
	return err
}

// RegisterFallbackHandler registers the fallback for a payload type.
func (d *Dispatcher) RegisterFallbackHandler(payloadType string, fn handler.FallbackFunc, opts ...handler.RegisterOption) error {
	_, err := d.registry.RegisterFallback(payloadType, fn, opts...)
	return err
}

// RegisterRetryOverride pins a payload type to its own retry behavior.
func (d *Dispatcher) RegisterRetryOverride(payloadType string, policy *retry.Policy, classifier *retry.Classifier) {
	d.resolver.Override(payloadType, policy, classifier)
}

// Run drives the dispatcher until the context is canceled, then drains:
// DRAINING is published so peers rebalance, the poller stops claiming keys,
// in-flight records finish up to gracefulShutdownTimeout, and the instance
// row is deleted.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.registry.Validate(); err != nil {
		return err
	}
	if err := d.coordinator.Register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := new(errgroup.Group)
	g.Go(func() error { return ignoreCanceled(d.coordinator.Run(runCtx)) })
	g.Go(func() error { return ignoreCanceled(d.poller.Run(runCtx)) })
	g.Go(func() error { return ignoreCanceled(d.sequencer.Run(runCtx)) })
	g.Go(func() error { return ignoreCanceled(d.metricsLoop(runCtx)) })
	if d.retention != nil {
		d.retention.Start()
	}
	d.logger.Info("dispatcher running",
		"instanceID", d.coordinator.InstanceID(),
		"workerConcurrency", d.cfg.WorkerConcurrency,
		"pollInterval", d.cfg.PollInterval.String())

	<-ctx.Done()
	d.logger.Info("shutdown requested, draining")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), d.cfg.GracefulShutdownTimeout.D())
	defer cancelShutdown()

	if err := d.coordinator.BeginDrain(shutdownCtx); err != nil {
		d.logger.Error(err, "drain transition failed")
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			d.logger.Error(err, "worker shutdown reported an error")
		}
	case <-shutdownCtx.Done():
		d.logger.Info("graceful shutdown timeout exceeded, abandoning in-flight work")
	}

	if d.retention != nil {
		d.retention.Stop()
	}
	if err := d.coordinator.Deregister(shutdownCtx); err != nil {
		d.logger.Error(err, "deregistration failed; peers will reap the row")
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// metricsLoop samples the store-level gauges.
func (d *Dispatcher) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sampleMetrics(ctx)
		}
	}
}

func (d *Dispatcher) sampleMetrics(ctx context.Context) {
	now := d.clock()

	if counts, err := d.store.CountByStatus(ctx); err == nil {
		for _, status := range []record.Status{record.StatusNew, record.StatusCompleted, record.StatusFailed} {
			d.metrics.SetRecordsByStatus(string(status), counts[status])
		}
	}

	snap := d.coordinator.Snapshot()
	d.metrics.SetOwnedPartitions(snap.Len())

	if pending, err := d.store.PendingByPartition(ctx, snap.Partitions(), now); err == nil {
		var sum int64
		for _, n := range pending {
			sum += n
		}
		d.metrics.SetPendingRecords(sum)
	}

	if live, err := d.store.ListLive(ctx, now, d.cfg.StaleInstanceTimeout.D()); err == nil {
		d.metrics.SetLiveInstances(len(live))
	}
}

// sweepCompleted is the retention cron job.
func (d *Dispatcher) sweepCompleted() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StorageTimeout.D())
	defer cancel()

	cutoff := d.clock().Add(-d.cfg.Retention.Period.D())
	n, err := d.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		d.logger.Error(err, "retention sweep failed")
		return
	}
	if n > 0 {
		d.metrics.RecordRetentionDeleted(n)
		d.logger.V(1).Info("retention sweep removed completed records", "count", n, "cutoff", cutoff)
	}
}
