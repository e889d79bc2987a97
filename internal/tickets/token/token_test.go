package token_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkout/internal/tickets/token"
)

func TestSignAndVerify(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Hour)

	signed, err := signer.Sign("ticket-1", "order-1", "evt_1", "TKT-ABCD2345", time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := signer.Verify(signed)
	assert.NoError(t, err)
	assert.Equal(t, "ticket-1", claims.TicketID)
	assert.Equal(t, "order-1", claims.OrderID)
	assert.Equal(t, "evt_1", claims.EventID)
	assert.Equal(t, "TKT-ABCD2345", claims.Code)
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Hour)

	signed, err := signer.Sign("ticket-1", "order-1", "evt_1", "TKT-ABCD2345", time.Now())
	require.NoError(t, err)

	_, err = signer.Verify(signed + "x")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Hour)
	other := token.NewSigner("other-secret", time.Hour)

	signed, err := signer.Sign("ticket-1", "order-1", "evt_1", "TKT-ABCD2345", time.Now())
	require.NoError(t, err)

	_, err = other.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Minute)

	signed, err := signer.Sign("ticket-1", "order-1", "evt_1", "TKT-ABCD2345", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = signer.Verify(signed)
	assert.Error(t, err)
}
