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

package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind names one of the built-in backoff shapes.
type Kind string

const (
	KindFixed       Kind = "fixed"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
)

// Config is the externally-supplied description of a retry policy, the shape
// that arrives from the configuration surface.
type Config struct {
	Policy       string        `yaml:"policy" validate:"omitempty,oneof=fixed linear exponential"`
	Delay        time.Duration `yaml:"delay" validate:"gte=0"`
	InitialDelay time.Duration `yaml:"initialDelay" validate:"gte=0"`
	Increment    time.Duration `yaml:"increment" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"maxDelay" validate:"gte=0"`
	MaxAttempts  int           `yaml:"maxAttempts" validate:"gte=1"`
	Jitter       time.Duration `yaml:"jitter" validate:"gte=0"`

	IncludeExceptions []string `yaml:"includeExceptions"`
	ExcludeExceptions []string `yaml:"excludeExceptions"`
}

var validate = validator.New()

// Policy computes the delay before attempt n and bounds the attempt count.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	kind        Kind
	delay       time.Duration
	initial     time.Duration
	increment   time.Duration
	multiplier  float64
	max         time.Duration
	maxAttempts int
	jitter      time.Duration
	randFloat   func() float64
}

// Option tweaks a policy at construction time.
type Option func(*Policy)

// WithJitter adds a symmetric jitter j: the final delay is drawn uniformly
// from [base-j, base+j], clamped at zero.
func WithJitter(j time.Duration) Option {
	return func(p *Policy) { p.jitter = j }
}

// withRandFloat pins the jitter source, for tests.
func withRandFloat(f func() float64) Option {
	return func(p *Policy) { p.randFloat = f }
}

// NewFixed builds a policy with a constant delay between attempts.
func NewFixed(delay time.Duration, maxAttempts int, opts ...Option) (*Policy, error) {
	p := &Policy{kind: KindFixed, delay: delay, maxAttempts: maxAttempts}
	return finishPolicy(p, opts)
}

// NewLinear builds a policy whose delay grows by increment per attempt and is
// capped at max.
func NewLinear(initial, increment, max time.Duration, maxAttempts int, opts ...Option) (*Policy, error) {
	p := &Policy{kind: KindLinear, initial: initial, increment: increment, max: max, maxAttempts: maxAttempts}
	return finishPolicy(p, opts)
}

// NewExponential builds a policy whose delay is initial*multiplier^(n-1),
// capped at max. The multiplier must be greater than 1.
func NewExponential(initial time.Duration, multiplier float64, max time.Duration, maxAttempts int, opts ...Option) (*Policy, error) {
	p := &Policy{kind: KindExponential, initial: initial, multiplier: multiplier, max: max, maxAttempts: maxAttempts}
	return finishPolicy(p, opts)
}

func finishPolicy(p *Policy, opts []Option) (*Policy, error) {
	for _, opt := range opts {
		opt(p)
	}
	if p.randFloat == nil {
		p.randFloat = rand.Float64
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FromConfig builds a policy from the configuration surface. An empty policy
// name defaults to exponential backoff.
func FromConfig(cfg Config) (*Policy, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid retry configuration: %w", err)
	}
	switch Kind(cfg.Policy) {
	case KindFixed:
		return NewFixed(cfg.Delay, cfg.MaxAttempts, WithJitter(cfg.Jitter))
	case KindLinear:
		return NewLinear(cfg.InitialDelay, cfg.Increment, cfg.MaxDelay, cfg.MaxAttempts, WithJitter(cfg.Jitter))
	case KindExponential, "":
		return NewExponential(cfg.InitialDelay, cfg.Multiplier, cfg.MaxDelay, cfg.MaxAttempts, WithJitter(cfg.Jitter))
	default:
		return nil, fmt.Errorf("unknown retry policy %q", cfg.Policy)
	}
}

func (p *Policy) validate() error {
	if p.maxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", p.maxAttempts)
	}
	if p.jitter < 0 {
		return fmt.Errorf("jitter must not be negative, got %s", p.jitter)
	}
	switch p.kind {
	case KindFixed:
		if p.delay <= 0 {
			return fmt.Errorf("fixed policy requires a positive delay, got %s", p.delay)
		}
	case KindLinear:
		if p.initial <= 0 {
			return fmt.Errorf("linear policy requires a positive initial delay, got %s", p.initial)
		}
		if p.increment < 0 {
			return fmt.Errorf("linear policy increment must not be negative, got %s", p.increment)
		}
		if p.max < p.initial {
			return fmt.Errorf("linear policy max delay %s is below the initial delay %s", p.max, p.initial)
		}
	case KindExponential:
		if p.initial <= 0 {
			return fmt.Errorf("exponential policy requires a positive initial delay, got %s", p.initial)
		}
		if p.multiplier <= 1 {
			return fmt.Errorf("exponential policy multiplier must be greater than 1, got %g", p.multiplier)
		}
		if p.max < p.initial {
			return fmt.Errorf("exponential policy max delay %s is below the initial delay %s", p.max, p.initial)
		}
	default:
		return fmt.Errorf("unknown policy kind %q", p.kind)
	}
	return nil
}

// Kind returns the backoff shape.
func (p *Policy) Kind() Kind { return p.kind }

// MaxAttempts returns the attempt ceiling, counting the first delivery.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// BaseDelay returns the un-jittered delay before attempt n (1-based).
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.kind {
	case KindFixed:
		return p.delay
	case KindLinear:
		d := p.initial + time.Duration(attempt-1)*p.increment
		if d > p.max {
			return p.max
		}
		return d
	case KindExponential:
		d := float64(p.initial) * math.Pow(p.multiplier, float64(attempt-1))
		if d > float64(p.max) || math.IsInf(d, 1) {
			return p.max
		}
		return time.Duration(d)
	}
	return 0
}

// NextDelay returns the delay before attempt n with jitter applied.
func (p *Policy) NextDelay(attempt int) time.Duration {
	d := p.BaseDelay(attempt)
	if p.jitter > 0 {
		offset := time.Duration((p.randFloat()*2 - 1) * float64(p.jitter))
		d += offset
	}
	if d < 0 {
		return 0
	}
	return d
}
