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

package routing

import (
	"errors"
	"fmt"

	"github.com/namastack/outbox/pkg/record"
)

// ErrNoMatchingRule is wrapped into ResolveTarget errors when no rule applies
// and no default rule exists.
var ErrNoMatchingRule = errors.New("no routing rule matches")

// Rule is one routing decision: a selector plus the functions deriving
// target, key, headers, mapped payload and externalization filter. Rules are
// immutable once built.
type Rule struct {
	selector Selector
	target   func(payload any, md record.Metadata) string
	key      func(payload any, md record.Metadata) string
	headers  []func(payload any, md record.Metadata) map[string]string
	mapFn    func(payload any, md record.Metadata) any
	filter   func(payload any, md record.Metadata) bool
}

// Target derives the destination for a record.
func (r *Rule) Target(payload any, md record.Metadata) string {
	return r.target(payload, md)
}

// Key derives the externalized key; defaults to the record key.
func (r *Rule) Key(payload any, md record.Metadata) string {
	if r.key == nil {
		return md.Key
	}
	return r.key(payload, md)
}

// Headers accumulates every header contribution in order; on key collisions
// the last write wins.
func (r *Rule) Headers(payload any, md record.Metadata) map[string]string {
	out := map[string]string{}
	for _, fn := range r.headers {
		for k, v := range fn(payload, md) {
			out[k] = v
		}
	}
	return out
}

// MapPayload derives the externalized payload. The default is identity: the
// same reference, unchanged.
func (r *Rule) MapPayload(payload any, md record.Metadata) any {
	if r.mapFn == nil {
		return payload
	}
	return r.mapFn(payload, md)
}

// Filter reports whether the record should be externalized at all.
func (r *Rule) Filter(payload any, md record.Metadata) bool {
	if r.filter == nil {
		return true
	}
	return r.filter(payload, md)
}

// Rules is an ordered rule list plus an optional default; first match wins.
type Rules struct {
	rules []*Rule
	def   *Rule
}

// Empty reports whether no rules at all are configured.
func (rs *Rules) Empty() bool {
	return rs == nil || (len(rs.rules) == 0 && rs.def == nil)
}

// FindRule returns the first rule whose selector matches, or the default.
func (rs *Rules) FindRule(payload any, md record.Metadata) (*Rule, bool) {
	if rs == nil {
		return nil, false
	}
	for _, r := range rs.rules {
		if r.selector.Matches(payload, md) {
			return r, true
		}
	}
	if rs.def != nil {
		return rs.def, true
	}
	return nil, false
}

// ResolveTarget finds the applicable rule and derives the target. The error
// names the payload type so a misrouted record is identifiable in logs.
func (rs *Rules) ResolveTarget(payload any, md record.Metadata) (string, error) {
	r, ok := rs.FindRule(payload, md)
	if !ok {
		return "", fmt.Errorf("%w for payload type %s and no default rule is configured", ErrNoMatchingRule, md.PayloadType)
	}
	return r.Target(payload, md), nil
}

// ExtractKey derives the externalized key via the applicable rule; without a
// match the record key passes through.
func (rs *Rules) ExtractKey(payload any, md record.Metadata) string {
	if r, ok := rs.FindRule(payload, md); ok {
		return r.Key(payload, md)
	}
	return md.Key
}

// BuildHeaders derives the headers via the applicable rule.
func (rs *Rules) BuildHeaders(payload any, md record.Metadata) map[string]string {
	if r, ok := rs.FindRule(payload, md); ok {
		return r.Headers(payload, md)
	}
	return map[string]string{}
}

// MapPayload maps the payload via the applicable rule.
func (rs *Rules) MapPayload(payload any, md record.Metadata) any {
	if r, ok := rs.FindRule(payload, md); ok {
		return r.MapPayload(payload, md)
	}
	return payload
}

// ShouldExternalize applies the applicable rule's filter; records without a
// matching rule are not externalized.
func (rs *Rules) ShouldExternalize(payload any, md record.Metadata) bool {
	if r, ok := rs.FindRule(payload, md); ok {
		return r.Filter(payload, md)
	}
	return false
}
