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

package handler

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateHandlerID is returned when a handler id is registered twice.
	ErrDuplicateHandlerID = errors.New("duplicate handler id")
	// ErrDuplicateFallback is returned when a payload type already has a fallback.
	ErrDuplicateFallback = errors.New("duplicate fallback handler for payload type")
	// ErrNoPrimaryForFallback is returned by Validate when a fallback's payload
	// type has no typed handler.
	ErrNoPrimaryForFallback = errors.New("fallback registered for payload type without a typed handler")
)

// Registry indexes handlers for dispatch. Registration happens at assembly
// time; lookups run on the hot path and only take the read lock.
type Registry struct {
	mu             sync.RWMutex
	byID           map[string]*Handler
	typedByType    map[string][]*Handler
	generic        []*Handler
	fallbackByType map[string]*Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:           map[string]*Handler{},
		typedByType:    map[string][]*Handler{},
		fallbackByType: map[string]*Handler{},
	}
}

// RegisterOption adjusts a registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	id string
}

// WithID overrides the derived handler id with DeriveID(owner, method, params...).
func WithID(owner, method string, paramTypes ...string) RegisterOption {
	return func(o *registerOptions) { o.id = DeriveID(owner, method, paramTypes...) }
}

// WithRawID overrides the derived handler id verbatim.
func WithRawID(id string) RegisterOption {
	return func(o *registerOptions) { o.id = id }
}

// RegisterTyped registers a handler for one payload type. Typed handlers for
// the same type are invoked in registration order.
func (r *Registry) RegisterTyped(payloadType string, fn Func, opts ...RegisterOption) (*Handler, error) {
	if payloadType == "" {
		return nil, fmt.Errorf("typed handler requires a payload type")
	}
	o := applyOptions(fn, opts, payloadType)

	h := &Handler{id: o.id, kind: KindTyped, payloadType: payloadType, fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claimID(h); err != nil {
		return nil, err
	}
	r.typedByType[payloadType] = append(r.typedByType[payloadType], h)
	return h, nil
}

// RegisterGeneric registers a catch-all handler invoked for every payload
// after the typed handlers.
func (r *Registry) RegisterGeneric(fn Func, opts ...RegisterOption) (*Handler, error) {
	o := applyOptions(fn, opts, "any")

	h := &Handler{id: o.id, kind: KindGeneric, fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claimID(h); err != nil {
		return nil, err
	}
	r.generic = append(r.generic, h)
	return h, nil
}

// RegisterFallback registers the at-most-one fallback for a payload type.
func (r *Registry) RegisterFallback(payloadType string, fn FallbackFunc, opts ...RegisterOption) (*Handler, error) {
	if payloadType == "" {
		return nil, fmt.Errorf("fallback handler requires a payload type")
	}
	o := applyOptions(fn, opts, payloadType, "FailureContext")

	h := &Handler{id: o.id, kind: KindFallback, payloadType: payloadType, fallbackFn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fallbackByType[payloadType]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFallback, payloadType)
	}
	if err := r.claimID(h); err != nil {
		return nil, err
	}
	r.fallbackByType[payloadType] = h
	return h, nil
}

func applyOptions(fn any, opts []RegisterOption, paramTypes ...string) registerOptions {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = idForFunc(fn, paramTypes...)
	}
	return o
}

func (r *Registry) claimID(h *Handler) error {
	if _, exists := r.byID[h.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandlerID, h.id)
	}
	r.byID[h.id] = h
	return nil
}

// ByID returns the handler registered under id.
func (r *Registry) ByID(id string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	return h, ok
}

// Match returns the typed handlers for the payload type in registration
// order, followed by the generic handlers.
func (r *Registry) Match(payloadType string) (typed, generic []*Handler) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typed = append(typed, r.typedByType[payloadType]...)
	generic = append(generic, r.generic...)
	return typed, generic
}

// Fallback returns the fallback handler for the payload type, if any.
func (r *Registry) Fallback(payloadType string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.fallbackByType[payloadType]
	return h, ok
}

// PayloadTypes returns every payload type with at least one typed handler.
func (r *Registry) PayloadTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.typedByType))
	for t := range r.typedByType {
		types = append(types, t)
	}
	return types
}

// Validate checks cross-registration invariants: every fallback's payload
// type must have a typed handler. Called once at assembly time.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t := range r.fallbackByType {
		if len(r.typedByType[t]) == 0 {
			return fmt.Errorf("%w: %s", ErrNoPrimaryForFallback, t)
		}
	}
	return nil
}
