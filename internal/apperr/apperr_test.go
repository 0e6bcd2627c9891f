package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("proxy: %w", New(KindForbidden, "not yours"))
	assert.Equal(t, KindForbidden, KindOf(err))
	assert.True(t, errors.Is(err, New(KindForbidden, "")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestFromUpstreamStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
		http   int
	}{
		{http.StatusTooManyRequests, KindRateLimited, http.StatusTooManyRequests},
		{http.StatusPaymentRequired, KindQuotaExhausted, http.StatusPaymentRequired},
		{http.StatusInternalServerError, KindUpstream, http.StatusInternalServerError},
		{http.StatusBadRequest, KindUpstream, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := FromUpstreamStatus(tt.status, "detail")
		assert.Equal(t, tt.kind, err.Kind, "status %d", tt.status)
		assert.Equal(t, tt.status, err.Status)
		assert.Equal(t, tt.http, HTTPStatus(err.Kind))
	}
}

func TestPublicMessageHidesDetails(t *testing.T) {
	assert.Equal(t, "too many messages", PublicMessage(New(KindInvalidInput, "too many messages")))
	assert.NotContains(t, PublicMessage(FromUpstreamStatus(500, "stack trace")), "stack trace")
	assert.Equal(t, "internal server error", PublicMessage(errors.New("db down")))
}

func TestFromResponse(t *testing.T) {
	assert.Equal(t, KindLimitReached, FromResponse(http.StatusTooManyRequests, "limit_reached", "").Kind)
	assert.Equal(t, KindRateLimited, FromResponse(http.StatusTooManyRequests, "", "").Kind)
	assert.Equal(t, KindForbidden, FromResponse(http.StatusUnauthorized, "unauthorized", "").Kind)
	assert.Equal(t, KindUpstream, FromResponse(http.StatusBadGateway, "", "").Kind)

	err := FromResponse(http.StatusPaymentRequired, "", "")
	assert.Equal(t, KindQuotaExhausted, err.Kind)
	assert.Equal(t, http.StatusText(http.StatusPaymentRequired), err.Msg)
}
