package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namastack/outbox/pkg/record"
)

const paymentType = "com.example.PaymentReceived"

func nopHandler(context.Context, any, record.Metadata) error { return nil }

func nopFallback(context.Context, any, record.FailureContext) error { return nil }

func TestRegisterTypedRequiresPayloadType(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterTyped("", nopHandler)
	assert.Error(t, err)
}

func TestDuplicateIDRejected(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterTyped(paymentType, nopHandler, WithRawID("billing#onPayment(Payment)"))
	require.NoError(t, err)

	_, err = r.RegisterTyped(paymentType, nopHandler, WithRawID("billing#onPayment(Payment)"))
	assert.ErrorIs(t, err, ErrDuplicateHandlerID)
}

func TestDuplicateFallbackRejected(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterFallback(paymentType, nopFallback, WithRawID("f1"))
	require.NoError(t, err)

	_, err = r.RegisterFallback(paymentType, nopFallback, WithRawID("f2"))
	assert.ErrorIs(t, err, ErrDuplicateFallback)
}

func TestMatchOrder(t *testing.T) {
	r := NewRegistry()

	h1, err := r.RegisterTyped(paymentType, nopHandler, WithRawID("t1"))
	require.NoError(t, err)
	h2, err := r.RegisterTyped(paymentType, nopHandler, WithRawID("t2"))
	require.NoError(t, err)
	g, err := r.RegisterGeneric(nopHandler, WithRawID("g1"))
	require.NoError(t, err)

	typed, generic := r.Match(paymentType)
	require.Len(t, typed, 2)
	assert.Same(t, h1, typed[0])
	assert.Same(t, h2, typed[1])
	require.Len(t, generic, 1)
	assert.Same(t, g, generic[0])

	typed, generic = r.Match("com.example.Unknown")
	assert.Empty(t, typed)
	assert.Len(t, generic, 1)
}

func TestValidateFallbackNeedsPrimary(t *testing.T) {
	r := NewRegistry()
	_, err := r.RegisterFallback(paymentType, nopFallback, WithRawID("f1"))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Validate(), ErrNoPrimaryForFallback)

	_, err = r.RegisterTyped(paymentType, nopHandler, WithRawID("t1"))
	require.NoError(t, err)
	assert.NoError(t, r.Validate())
}

func TestDerivedIDStable(t *testing.T) {
	r1 := NewRegistry()
	h1, err := r1.RegisterTyped(paymentType, nopHandler)
	require.NoError(t, err)

	r2 := NewRegistry()
	h2, err := r2.RegisterTyped(paymentType, nopHandler)
	require.NoError(t, err)

	assert.Equal(t, h1.ID(), h2.ID())
	assert.Contains(t, h1.ID(), "nopHandler")
	assert.Contains(t, h1.ID(), "#")
	assert.Contains(t, h1.ID(), paymentType)
}

func TestDeriveID(t *testing.T) {
	id := DeriveID("com.example.BillingService", "onPayment", "Payment", "Metadata")
	assert.Equal(t, "com.example.BillingService#onPayment(Payment,Metadata)", id)
}

func TestByID(t *testing.T) {
	r := NewRegistry()
	h, err := r.RegisterTyped(paymentType, nopHandler, WithRawID("t1"))
	require.NoError(t, err)

	got, ok := r.ByID("t1")
	require.True(t, ok)
	assert.Same(t, h, got)

	_, ok = r.ByID("missing")
	assert.False(t, ok)
}

func TestPayloadOnlyAdapter(t *testing.T) {
	var seen any
	fn := PayloadOnly(func(_ context.Context, payload any) error {
		seen = payload
		return errors.New("from handler")
	})

	err := fn(context.Background(), "p1", record.Metadata{Key: "k"})
	assert.EqualError(t, err, "from handler")
	assert.Equal(t, "p1", seen)
}

func TestInvoke(t *testing.T) {
	r := NewRegistry()
	var got record.Metadata
	h, err := r.RegisterTyped(paymentType, func(_ context.Context, _ any, md record.Metadata) error {
		got = md
		return nil
	}, WithRawID("t1"))
	require.NoError(t, err)

	md := record.Metadata{Key: "order-1", HandlerID: "t1"}
	require.NoError(t, h.Invoke(context.Background(), nil, md))
	assert.Equal(t, md, got)
}
