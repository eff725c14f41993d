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
	"fmt"

	"github.com/namastack/outbox/pkg/record"
)

// Builder assembles an immutable rule list. Rules apply in the order they
// were added; an optional default rule catches everything else.
type Builder struct {
	rules []*RuleBuilder
	def   *RuleBuilder
}

// NewBuilder starts an empty routing configuration.
func NewBuilder() *Builder {
	return &Builder{}
}

// Route starts a rule guarded by the given selector.
func (b *Builder) Route(selector Selector) *RuleBuilder {
	rb := &RuleBuilder{rule: &Rule{selector: selector}}
	b.rules = append(b.rules, rb)
	return rb
}

// Default starts the default rule, used when no selector matches.
func (b *Builder) Default() *RuleBuilder {
	rb := &RuleBuilder{rule: &Rule{selector: Always()}}
	b.def = rb
	return rb
}

// Build validates and freezes the configuration. Every rule must name a
// target.
func (b *Builder) Build() (*Rules, error) {
	rs := &Rules{}
	for i, rb := range b.rules {
		if rb.rule.target == nil {
			return nil, fmt.Errorf("routing rule %d has no target", i)
		}
		rs.rules = append(rs.rules, rb.rule)
	}
	if b.def != nil {
		if b.def.rule.target == nil {
			return nil, fmt.Errorf("default routing rule has no target")
		}
		rs.def = b.def.rule
	}
	return rs, nil
}

// RuleBuilder configures one rule.
type RuleBuilder struct {
	rule *Rule
}

// To sets a constant target.
func (rb *RuleBuilder) To(target string) *RuleBuilder {
	rb.rule.target = func(any, record.Metadata) string { return target }
	return rb
}

// ToFn sets a derived target.
func (rb *RuleBuilder) ToFn(fn func(payload any, md record.Metadata) string) *RuleBuilder {
	rb.rule.target = fn
	return rb
}

// WithKey overrides the externalized key; the default is the record key.
func (rb *RuleBuilder) WithKey(fn func(payload any, md record.Metadata) string) *RuleBuilder {
	rb.rule.key = fn
	return rb
}

// WithHeaders appends a header contribution. Contributions accumulate; the
// last write per header key wins.
func (rb *RuleBuilder) WithHeaders(fn func(payload any, md record.Metadata) map[string]string) *RuleBuilder {
	rb.rule.headers = append(rb.rule.headers, fn)
	return rb
}

// WithStaticHeaders appends a constant header contribution.
func (rb *RuleBuilder) WithStaticHeaders(headers map[string]string) *RuleBuilder {
	return rb.WithHeaders(func(any, record.Metadata) map[string]string { return headers })
}

// MapPayload overrides the externalized payload; the default is identity.
func (rb *RuleBuilder) MapPayload(fn func(payload any, md record.Metadata) any) *RuleBuilder {
	rb.rule.mapFn = fn
	return rb
}

// Filter restricts externalization; records failing the filter are skipped.
func (rb *RuleBuilder) Filter(fn func(payload any, md record.Metadata) bool) *RuleBuilder {
	rb.rule.filter = fn
	return rb
}
