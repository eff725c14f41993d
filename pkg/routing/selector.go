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

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/namastack/outbox/pkg/record"
)

type selectorKind int

const (
	selectorAlways selectorKind = iota
	selectorType
	selectorPredicate
	selectorExpr
)

// Selector decides whether a rule applies to a record. It is a small sum
// type: type match, compiled expression, predicate function, or always.
type Selector struct {
	kind      selectorKind
	typeName  string
	program   *vm.Program
	predicate func(payload any, md record.Metadata) bool
}

// Always matches every record. It is the selector of the default rule.
func Always() Selector {
	return Selector{kind: selectorAlways}
}

// TypeIs matches records whose payload type equals the given name.
func TypeIs(payloadType string) Selector {
	return Selector{kind: selectorType, typeName: payloadType}
}

// Predicate matches records for which fn returns true.
func Predicate(fn func(payload any, md record.Metadata) bool) Selector {
	return Selector{kind: selectorPredicate, predicate: fn}
}

// Expr compiles an expression over {payload, metadata} into a selector, e.g.
// `payload.amount > 100 && metadata.context.tenant == "acme"`. The expression
// must evaluate to a boolean.
func Expr(expression string) (Selector, error) {
	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return Selector{}, fmt.Errorf("error compiling routing expression %q: %w", expression, err)
	}
	return Selector{kind: selectorExpr, program: program}, nil
}

// MustExpr is Expr for statically-known expressions.
func MustExpr(expression string) Selector {
	s, err := Expr(expression)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches evaluates the selector. Expression evaluation failures (missing
// fields, type mismatches at runtime) count as no-match rather than aborting
// dispatch.
func (s Selector) Matches(payload any, md record.Metadata) bool {
	switch s.kind {
	case selectorAlways:
		return true
	case selectorType:
		return s.typeName == md.PayloadType
	case selectorPredicate:
		return s.predicate(payload, md)
	case selectorExpr:
		out, err := expr.Run(s.program, exprEnv(payload, md))
		if err != nil {
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}
	return false
}

func exprEnv(payload any, md record.Metadata) map[string]any {
	return map[string]any{
		"payload": payload,
		"metadata": map[string]any{
			"key":         md.Key,
			"payloadType": md.PayloadType,
			"createdAt":   md.CreatedAt,
			"context":     md.Context,
		},
	}
}
