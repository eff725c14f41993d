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
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/namastack/outbox/pkg/record"
)

// Kind tags the handler variants.
type Kind int

const (
	// KindTyped handlers receive payloads of one declared type.
	KindTyped Kind = iota
	// KindGeneric handlers receive every payload.
	KindGeneric
	// KindFallback handlers receive a payload once its dispatch failed and
	// is not retried again: retries exhausted or the error not retryable.
	KindFallback
)

func (k Kind) String() string {
	switch k {
	case KindTyped:
		return "typed"
	case KindGeneric:
		return "generic"
	case KindFallback:
		return "fallback"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Func is the primary handler signature. Metadata carries the record's key,
// creation time, producer context and the invoked handler's id.
type Func func(ctx context.Context, payload any, md record.Metadata) error

// FallbackFunc is the fallback handler signature.
type FallbackFunc func(ctx context.Context, payload any, fc record.FailureContext) error

// PayloadOnly adapts the short handler form that ignores metadata.
func PayloadOnly(fn func(ctx context.Context, payload any) error) Func {
	return func(ctx context.Context, payload any, _ record.Metadata) error {
		return fn(ctx, payload)
	}
}

// Handler is one registered handler. The variant decides which of fn and
// fallbackFn is set.
type Handler struct {
	id          string
	kind        Kind
	payloadType string
	fn          Func
	fallbackFn  FallbackFunc
}

// ID is the stable identifier of the handler, of the form
// "<owner>#<method>(<paramTypes>)". It survives restarts so in-flight records
// can name the handler that failed them.
func (h *Handler) ID() string { return h.id }

// Kind returns the handler variant.
func (h *Handler) Kind() Kind { return h.kind }

// PayloadType returns the declared payload type; empty for generic handlers.
func (h *Handler) PayloadType() string { return h.payloadType }

// Invoke calls a typed or generic handler.
func (h *Handler) Invoke(ctx context.Context, payload any, md record.Metadata) error {
	return h.fn(ctx, payload, md)
}

// InvokeFallback calls a fallback handler.
func (h *Handler) InvokeFallback(ctx context.Context, payload any, fc record.FailureContext) error {
	return h.fallbackFn(ctx, payload, fc)
}

// DeriveID builds a handler id from an owner name, a method name and the
// parameter type list.
func DeriveID(owner, method string, paramTypes ...string) string {
	return fmt.Sprintf("%s#%s(%s)", owner, method, strings.Join(paramTypes, ","))
}

// idForFunc derives a default id from the function symbol. Method values
// carry a "-fm" suffix that is stripped. Callers that need ids independent of
// code layout pass WithID instead.
func idForFunc(fn any, paramTypes ...string) string {
	name := "anonymous"
	if pc := reflect.ValueOf(fn).Pointer(); pc != 0 {
		if f := runtime.FuncForPC(pc); f != nil {
			name = strings.TrimSuffix(f.Name(), "-fm")
		}
	}
	owner, method := name, name
	if i := strings.LastIndex(name, "."); i >= 0 {
		owner, method = name[:i], name[i+1:]
	}
	return DeriveID(owner, method, paramTypes...)
}
