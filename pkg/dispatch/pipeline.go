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

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/namastack/outbox/pkg/handler"
	"github.com/namastack/outbox/pkg/record"
	"github.com/namastack/outbox/pkg/retry"
	"github.com/namastack/outbox/pkg/routing"
	"github.com/namastack/outbox/pkg/storage"
)

// Pipeline runs one record through the dispatch stages:
// primary handlers → retry decision → fallback → permanent failure.
// Handler errors never escape; they are classified and written back to the
// record. Only storage errors propagate to the caller, which leaves the
// record NEW and visible for redelivery.
type Pipeline struct {
	store    storage.RecordStore
	registry *handler.Registry
	retries  *retry.Resolver
	routes   *routing.Rules
	codec    record.Codec
	logger   logr.Logger
	clock    func() time.Time

	deleteCompleted bool
	observer        Observer
}

// Observer receives dispatch outcomes, for metrics.
type Observer func(outcome Outcome, payloadType string, elapsed time.Duration)

// Option tweaks a pipeline at construction time.
type Option func(*Pipeline)

// WithRouting installs the optional pre-dispatch routing transform.
func WithRouting(rules *routing.Rules) Option {
	return func(p *Pipeline) { p.routes = rules }
}

// WithCodec overrides the payload codec.
func WithCodec(codec record.Codec) Option {
	return func(p *Pipeline) { p.codec = codec }
}

// WithClock pins the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithDeleteCompleted switches completion to synchronous deletion.
func WithDeleteCompleted(enabled bool) Option {
	return func(p *Pipeline) { p.deleteCompleted = enabled }
}

// WithObserver installs the outcome observer.
func WithObserver(obs Observer) Option {
	return func(p *Pipeline) { p.observer = obs }
}

// New builds a pipeline.
func New(store storage.RecordStore, registry *handler.Registry, retries *retry.Resolver, logger logr.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		registry: registry,
		retries:  retries,
		codec:    record.NewJSONCodec(),
		logger:   logger.WithName("dispatch"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch runs one attempt for the record. The returned error is non-nil
// only for storage failures; handler failures are absorbed into the outcome.
func (p *Pipeline) Dispatch(ctx context.Context, r *record.Record) (Outcome, error) {
	start := p.clock()
	outcome, err := p.dispatch(ctx, r)
	if err == nil && p.observer != nil {
		p.observer(outcome, r.PayloadType, p.clock().Sub(start))
	}
	return outcome, err
}

func (p *Pipeline) dispatch(ctx context.Context, r *record.Record) (Outcome, error) {
	md := record.Metadata{
		Key:         r.Key,
		PayloadType: r.PayloadType,
		CreatedAt:   r.CreatedAt,
		Context:     record.CloneContext(r.Context),
	}

	payload, decodeErr := p.codec.Decode(r.PayloadType, r.Payload)
	if decodeErr != nil {
		// a poison payload walks the same failure stages as a handler error
		return p.decide(ctx, r, payload, md, "", decodeErr)
	}

	// optional routing pre-stage
	if !p.routes.Empty() {
		target, err := p.routes.ResolveTarget(payload, md)
		if err != nil {
			return p.decide(ctx, r, payload, md, "", err)
		}
		if !p.routes.ShouldExternalize(payload, md) {
			p.logger.V(1).Info("record filtered by routing rule", "recordID", r.ID, "payloadType", r.PayloadType)
			if err := p.complete(ctx, r); err != nil {
				return OutcomeFiltered, err
			}
			return OutcomeFiltered, nil
		}
		md.Target = target
		md.Key = p.routes.ExtractKey(payload, md)
		md.Headers = p.routes.BuildHeaders(payload, md)
		payload = p.routes.MapPayload(payload, md)
	}

	typed, generic := p.registry.Match(r.PayloadType)
	if len(typed) == 0 && len(generic) == 0 {
		err := fmt.Errorf("no handler registered for payload type %s", r.PayloadType)
		p.logger.Error(err, "record undeliverable", "recordID", r.ID, "key", r.Key)
		if serr := p.store.MarkFailed(ctx, r.ID, record.TruncateError(err)); serr != nil {
			return OutcomePermanentlyFailed, serr
		}
		return OutcomePermanentlyFailed, nil
	}

	// primary stage: typed handlers in registration order, then generics
	for _, h := range append(typed, generic...) {
		hmd := md
		hmd.HandlerID = h.ID()
		if err := invoke(ctx, h, payload, hmd); err != nil {
			return p.decide(ctx, r, payload, md, h.ID(), err)
		}
	}

	if err := p.complete(ctx, r); err != nil {
		return OutcomeCompleted, err
	}
	return OutcomeCompleted, nil
}

// decide is the retry-decision stage, falling through to fallback and
// permanent failure. failureCount increments on every failed attempt, the
// non-retryable path included, so a fallback sees how often the record was
// tried.
func (p *Pipeline) decide(ctx context.Context, r *record.Record, payload any, md record.Metadata, handlerID string, cause error) (Outcome, error) {
	eff := p.retries.Effective(r.PayloadType)
	attempts := r.FailureCount + 1

	if eff.Classifier.ShouldRetry(cause) && attempts < eff.Policy.MaxAttempts() {
		delay := eff.Policy.NextDelay(attempts)
		nextAttempt := p.clock().Add(delay)
		if err := p.store.ScheduleRetry(ctx, r.ID, attempts, nextAttempt, record.TruncateError(cause)); err != nil {
			return OutcomeRetryScheduled, err
		}
		p.logger.V(1).Info("retry scheduled",
			"recordID", r.ID, "key", r.Key, "failureCount", attempts,
			"delay", delay.String(), "error", cause.Error())
		return OutcomeRetryScheduled, nil
	}

	// fallback stage
	if fb, ok := p.registry.Fallback(r.PayloadType); ok {
		fc := record.FailureContext{
			HandlerID:    handlerID,
			Key:          r.Key,
			CreatedAt:    r.CreatedAt,
			FailureCount: attempts,
			LastError:    record.TruncateError(cause),
			Context:      md.Context,
		}
		if err := invokeFallback(ctx, fb, payload, fc); err != nil {
			p.logger.Error(err, "fallback handler failed", "recordID", r.ID, "key", r.Key, "fallbackID", fb.ID())
			return p.fail(ctx, r, err)
		}
		if err := p.complete(ctx, r); err != nil {
			return OutcomeCompleted, err
		}
		return OutcomeCompleted, nil
	}

	return p.fail(ctx, r, cause)
}

func (p *Pipeline) fail(ctx context.Context, r *record.Record, cause error) (Outcome, error) {
	if err := p.store.MarkFailed(ctx, r.ID, record.TruncateError(cause)); err != nil {
		return OutcomePermanentlyFailed, err
	}
	p.logger.Info("record permanently failed",
		"recordID", r.ID, "key", r.Key, "payloadType", r.PayloadType, "error", cause.Error())
	return OutcomePermanentlyFailed, nil
}

func (p *Pipeline) complete(ctx context.Context, r *record.Record) error {
	if p.deleteCompleted {
		if err := p.store.MarkCompleted(ctx, r.ID, p.clock()); err != nil {
			return err
		}
		return p.store.DeleteCompleted(ctx, r.ID)
	}
	return p.store.MarkCompleted(ctx, r.ID, p.clock())
}

// invoke runs a primary handler, converting panics into errors so one bad
// handler cannot take the worker down.
func invoke(ctx context.Context, h *handler.Handler, payload any, md record.Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.ID(), r)
		}
	}()
	return h.Invoke(ctx, payload, md)
}

func invokeFallback(ctx context.Context, h *handler.Handler, payload any, fc record.FailureContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback handler %s panicked: %v", h.ID(), r)
		}
	}()
	return h.InvokeFallback(ctx, payload, fc)
}
