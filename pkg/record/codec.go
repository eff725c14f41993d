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

package record

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Codec turns payload values into the opaque string stored on a record and
// back. The payload column stays opaque to the store; only the codec gives it
// meaning.
type Codec interface {
	Encode(payload any) (payloadType string, data string, err error)
	Decode(payloadType string, data string) (any, error)
}

// TypeNameOf returns the fully-qualified name used as a record's payload type
// for a Go value, e.g. "github.com/acme/billing.InvoiceCreated".
func TypeNameOf(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// JSONCodec is the default codec. Payload types registered up front decode
// into their concrete struct; unregistered types decode into generic JSON
// (map[string]any / []any / scalars).
type JSONCodec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewJSONCodec() *JSONCodec {
	return &JSONCodec{types: map[string]reflect.Type{}}
}

// RegisterType teaches the codec to decode the given payload type into the
// concrete type of the prototype value.
func (c *JSONCodec) RegisterType(prototype any) string {
	name := TypeNameOf(prototype)
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c.mu.Lock()
	c.types[name] = t
	c.mu.Unlock()
	return name
}

func (c *JSONCodec) Encode(payload any) (string, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("error encoding payload: %w", err)
	}
	return TypeNameOf(payload), string(data), nil
}

func (c *JSONCodec) Decode(payloadType string, data string) (any, error) {
	c.mu.RLock()
	t, ok := c.types[payloadType]
	c.mu.RUnlock()

	if !ok {
		var v any
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("error decoding payload of type %s: %w", payloadType, err)
		}
		return v, nil
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal([]byte(data), ptr.Interface()); err != nil {
		return nil, fmt.Errorf("error decoding payload of type %s: %w", payloadType, err)
	}
	return ptr.Elem().Interface(), nil
}
