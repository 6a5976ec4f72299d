package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAs(t *testing.T) {
	err := AuthMissing()
	wrapped := errors.New("transport closed")
	withCause := err.Wrap(wrapped)

	ae, ok := As(withCause)
	require.True(t, ok)
	assert.Equal(t, CodeAuthMissing, ae.Code)
	assert.Equal(t, http.StatusUnauthorized, ae.HTTPStatus)
	assert.ErrorIs(t, ae, wrapped)
}

func TestAsRejectsPlainError(t *testing.T) {
	_, ok := As(errors.New("boom"))
	assert.False(t, ok)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(5)
	assert.Equal(t, 5, err.RetryAfterSeconds)
}

func TestTaxonomyStatuses(t *testing.T) {
	cases := []struct {
		err    *AppError
		status int
	}{
		{AuthMissing(), http.StatusUnauthorized},
		{ScopeDenied("agent:coder"), http.StatusForbidden},
		{RateLimited(30), http.StatusTooManyRequests},
		{Capacity(), http.StatusServiceUnavailable},
		{SessionBusy(), http.StatusConflict},
		{Timeout(), http.StatusGatewayTimeout},
		{SessionDead(), http.StatusGone},
		{BudgetExhausted("client-a"), http.StatusPaymentRequired},
		{AgentNotFound("ghost"), http.StatusNotFound},
		{AgentMismatch("general", "code"), http.StatusConflict},
		{SessionReleased(), http.StatusServiceUnavailable},
		{TaskNotFound(), http.StatusNotFound},
	}
	for _, c := range cases {
		assert.Equal(t, c.status, c.err.HTTPStatus, c.err.Code)
	}
}
