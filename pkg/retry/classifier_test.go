package retry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

type timeoutError struct{}

func (e *timeoutError) Error() string { return "deadline exceeded" }

func TestClassifierDefaultRetriesEverything(t *testing.T) {
	c := NewClassifier()
	assert.True(t, c.ShouldRetry(errors.New("anything")))
	assert.False(t, c.ShouldRetry(nil))
}

func TestClassifierDenyList(t *testing.T) {
	c := NewClassifier().NoRetryOn(MatchType[*validationError]())

	assert.False(t, c.ShouldRetry(&validationError{msg: "bad input"}))
	assert.False(t, c.ShouldRetry(fmt.Errorf("wrapped: %w", &validationError{msg: "bad"})))
	// deny-list only: everything else still retries
	assert.True(t, c.ShouldRetry(errors.New("transient")))
}

func TestClassifierAllowList(t *testing.T) {
	c := NewClassifier().RetryOn(MatchType[*timeoutError]())

	assert.True(t, c.ShouldRetry(&timeoutError{}))
	assert.False(t, c.ShouldRetry(errors.New("other")))
}

func TestClassifierDenyBeatsAllow(t *testing.T) {
	c := NewClassifier().
		RetryOn(MatchType[*timeoutError]()).
		NoRetryOn(MatchType[*timeoutError]())

	assert.False(t, c.ShouldRetry(&timeoutError{}))
}

func TestClassifierPredicates(t *testing.T) {
	c := NewClassifier().RetryIf(func(err error) bool {
		return errors.Is(err, errTransient)
	})

	assert.True(t, c.ShouldRetry(fmt.Errorf("op: %w", errTransient)))
	// a predicate is configured, so non-matching errors do not retry
	assert.False(t, c.ShouldRetry(errors.New("other")))
}

var errTransient = errors.New("transient")

func TestMatchIs(t *testing.T) {
	m := MatchIs(errTransient)
	assert.True(t, m(fmt.Errorf("wrap: %w", errTransient)))
	assert.False(t, m(errors.New("transient")))
}

func TestMatchTypeName(t *testing.T) {
	err := &validationError{msg: "nope"}

	assert.True(t, MatchTypeName("validationError")(err))
	assert.True(t, MatchTypeName("github.com/namastack/outbox/pkg/retry.validationError")(err))
	assert.True(t, MatchTypeName("validationError")(fmt.Errorf("wrap: %w", err)))
	assert.False(t, MatchTypeName("otherError")(err))
}

func TestFromNames(t *testing.T) {
	c, err := FromNames(nil, []string{"validationError"})
	require.NoError(t, err)
	assert.False(t, c.ShouldRetry(&validationError{msg: "x"}))
	assert.True(t, c.ShouldRetry(&timeoutError{}))

	_, err = FromNames([]string{"timeoutError"}, []string{"timeoutError"})
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	def, err := NewFixed(100, 3)
	require.NoError(t, err)
	override, err := NewFixed(200, 1)
	require.NoError(t, err)

	r := NewResolver(def, nil)
	r.Override("com.example.Payment", override, nil)

	assert.Same(t, override, r.Effective("com.example.Payment").Policy)
	assert.Same(t, def, r.Effective("com.example.Other").Policy)
	// classifier inherited from default on partial override
	assert.NotNil(t, r.Effective("com.example.Payment").Classifier)
}
