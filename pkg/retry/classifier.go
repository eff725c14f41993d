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
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Matcher reports whether an error belongs to a classification rule.
type Matcher func(error) bool

// MatchIs matches errors.Is against a sentinel.
func MatchIs(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// MatchType matches any error in the chain assignable to T.
func MatchType[T error]() Matcher {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// MatchTypeName matches the dynamic type name of any error in the chain.
// The name may be fully qualified ("github.com/acme/billing.ValidationError")
// or bare ("ValidationError"); bare names match as a suffix. This is the form
// the configuration surface uses, where only strings are available.
func MatchTypeName(name string) Matcher {
	return func(err error) bool {
		for e := err; e != nil; e = errors.Unwrap(e) {
			tn := strings.TrimPrefix(fmt.Sprintf("%T", e), "*")
			if tn == name || strings.HasSuffix(tn, "."+name) {
				return true
			}
			t := reflect.TypeOf(e)
			for t.Kind() == reflect.Pointer {
				t = t.Elem()
			}
			if t.PkgPath() != "" && t.PkgPath()+"."+t.Name() == name {
				return true
			}
		}
		return false
	}
}

// Classifier decides whether a handler error is retryable.
//
// NoRetryOn is a veto: any match ends the decision. RetryOn is an allow-list:
// when present, only matching errors retry. Predicates are OR-combined
// positive rules. With no allow-list and no predicates configured the default
// is to retry everything, so a deny-list-only classifier retries whatever it
// does not veto.
type Classifier struct {
	retryOn    []Matcher
	noRetryOn  []Matcher
	predicates []func(error) bool
}

// NewClassifier builds an empty classifier (retry everything).
func NewClassifier() *Classifier {
	return &Classifier{}
}

// RetryOn appends allow-list matchers.
func (c *Classifier) RetryOn(matchers ...Matcher) *Classifier {
	c.retryOn = append(c.retryOn, matchers...)
	return c
}

// NoRetryOn appends deny-list matchers.
func (c *Classifier) NoRetryOn(matchers ...Matcher) *Classifier {
	c.noRetryOn = append(c.noRetryOn, matchers...)
	return c
}

// RetryIf appends a positive predicate.
func (c *Classifier) RetryIf(pred func(error) bool) *Classifier {
	c.predicates = append(c.predicates, pred)
	return c
}

// FromNames builds a classifier out of the include/exclude type-name lists of
// the configuration surface. The two lists must be disjoint.
func FromNames(include, exclude []string) (*Classifier, error) {
	seen := map[string]bool{}
	for _, n := range include {
		seen[n] = true
	}
	for _, n := range exclude {
		if seen[n] {
			return nil, fmt.Errorf("error type %q appears in both includeExceptions and excludeExceptions", n)
		}
	}

	c := NewClassifier()
	for _, n := range include {
		c.RetryOn(MatchTypeName(n))
	}
	for _, n := range exclude {
		c.NoRetryOn(MatchTypeName(n))
	}
	return c, nil
}

// ShouldRetry applies the decision table.
func (c *Classifier) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	for _, m := range c.noRetryOn {
		if m(err) {
			return false
		}
	}
	if len(c.retryOn) > 0 {
		for _, m := range c.retryOn {
			if m(err) {
				return true
			}
		}
		return false
	}
	for _, pred := range c.predicates {
		if pred(err) {
			return true
		}
	}
	// no allow-list and no predicates: default retry everything
	return len(c.predicates) == 0
}
