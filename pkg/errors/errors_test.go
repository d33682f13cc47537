package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectionMessage(t *testing.T) {
	err := RateLimitExceeded("acc-1", "message", 12*time.Second)
	assert.Equal(t, "rate_limit_exceeded (account acc-1, tier message, retry after 12s)", err.Error())

	wrapped := AuthenticationFailed("acc-2", stderrors.New("bad password"))
	assert.Equal(t, "authentication_failed (account acc-2): bad password", wrapped.Error())
}

func TestReasonOfThroughWrapping(t *testing.T) {
	base := SessionExpired("acc-1", "login page returned")
	err := fmt.Errorf("probe: %w", base)

	assert.Equal(t, ReasonSessionExpired, ReasonOf(err))
	assert.Equal(t, Reason(""), ReasonOf(stderrors.New("plain")))
	assert.True(t, stderrors.Is(err, &Rejection{Reason: ReasonSessionExpired}))
	assert.False(t, stderrors.Is(err, &Rejection{Reason: ReasonUnauthenticated}))

	r, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "acc-1", r.AccountID)
}

func TestUnwrapCause(t *testing.T) {
	cause := stderrors.New("gateway down")
	err := AuthenticationFailed("a", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		reason Reason
		want   bool
	}{
		{ReasonRateLimitExceeded, true},
		{ReasonRateLimited, true},
		{ReasonSessionExpired, true},
		{ReasonCanceled, true},
		{ReasonUnauthenticated, true},
		{ReasonAuthenticationFailed, true},
		{Reason("other"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.reason))
		})
	}
}

func TestNeedsForcedLogin(t *testing.T) {
	assert.True(t, NeedsForcedLogin(ReasonUnauthenticated))
	assert.True(t, NeedsForcedLogin(ReasonAuthenticationFailed))
	assert.False(t, NeedsForcedLogin(ReasonRateLimited))
	assert.False(t, NeedsForcedLogin(ReasonSessionExpired))
	assert.False(t, NeedsForcedLogin(ReasonOf(stderrors.New("plain"))))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, ErrorTypeNetwork, ClassifyStatus(0))
	assert.Equal(t, ErrorTypeRateLimit, ClassifyStatus(429))
	assert.Equal(t, ErrorTypeAuth, ClassifyStatus(401))
	assert.Equal(t, ErrorTypeNotFound, ClassifyStatus(404))
	assert.Equal(t, ErrorTypeServerError, ClassifyStatus(502))
	assert.Equal(t, ErrorTypeUnknown, ClassifyStatus(418))

	assert.True(t, IsRetryable(ErrorTypeServerError))
	assert.False(t, IsRetryable(ErrorTypeAuth))
	assert.False(t, IsRetryable(ErrorTypeRateLimit))
}
