// Package errors defines the rejection taxonomy returned by the session and
// rate-limiting core, plus the transport error types.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Reason is the machine-readable cause of a rejected Prepare call.
type Reason string

const (
	// ReasonRateLimitExceeded means a request tier (or general) has no budget left.
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
	// ReasonRateLimited means the auth tier denied a login attempt.
	ReasonRateLimited Reason = "rate_limited"
	// ReasonUnauthenticated means no usable session could be produced.
	ReasonUnauthenticated Reason = "unauthenticated"
	// ReasonAuthenticationFailed means the gateway rejected the credentials.
	ReasonAuthenticationFailed Reason = "authentication_failed"
	// ReasonSessionExpired means the server rejected the session cookies.
	ReasonSessionExpired Reason = "session_expired"
	// ReasonCanceled means the caller's context ended during a wait.
	ReasonCanceled Reason = "canceled"
)

// Rejection is returned whenever the core refuses to hand out a request context.
type Rejection struct {
	Reason     Reason
	AccountID  string
	Tier       string
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (r *Rejection) Error() string {
	msg := fmt.Sprintf("%s (account %s", r.Reason, r.AccountID)
	if r.Tier != "" {
		msg += ", tier " + r.Tier
	}
	if r.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", r.RetryAfter.Round(time.Millisecond))
	}
	msg += ")"
	if r.Message != "" {
		msg += ": " + r.Message
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func (r *Rejection) Unwrap() error { return r.Err }

// Is matches another *Rejection by Reason, so errors.Is(err, &Rejection{Reason: X}) works.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	if !ok {
		return false
	}
	return t.Reason == r.Reason
}

// RateLimitExceeded builds a rejection for an exhausted request tier.
func RateLimitExceeded(accountID, tier string, retryAfter time.Duration) *Rejection {
	return &Rejection{
		Reason:     ReasonRateLimitExceeded,
		AccountID:  accountID,
		Tier:       tier,
		RetryAfter: retryAfter,
	}
}

// RateLimited builds a rejection for an exhausted auth tier.
func RateLimited(accountID, tier string, retryAfter time.Duration) *Rejection {
	return &Rejection{
		Reason:     ReasonRateLimited,
		AccountID:  accountID,
		Tier:       tier,
		RetryAfter: retryAfter,
		Message:    "authentication attempts exhausted",
	}
}

// Unauthenticated builds a rejection for an account with no usable session.
func Unauthenticated(accountID, message string) *Rejection {
	return &Rejection{Reason: ReasonUnauthenticated, AccountID: accountID, Message: message}
}

// AuthenticationFailed wraps the gateway failure cause.
func AuthenticationFailed(accountID string, cause error) *Rejection {
	return &Rejection{Reason: ReasonAuthenticationFailed, AccountID: accountID, Err: cause}
}

// SessionExpired reports that the server no longer accepts the session.
func SessionExpired(accountID, message string) *Rejection {
	return &Rejection{Reason: ReasonSessionExpired, AccountID: accountID, Message: message}
}

// Canceled wraps a context error observed while waiting.
func Canceled(accountID string, cause error) *Rejection {
	return &Rejection{Reason: ReasonCanceled, AccountID: accountID, Err: cause}
}

// ReasonOf extracts the Reason from err, or "" when err is not a Rejection.
func ReasonOf(err error) Reason {
	var r *Rejection
	if stderrors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// AsRejection returns the first *Rejection in err's chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := stderrors.As(err, &r)
	return r, ok
}

// IsRecoverable reports whether a later call for the same account can
// succeed. Unauthenticated and AuthenticationFailed recover through a forced
// login, which is still subject to the auth budget; see NeedsForcedLogin.
func IsRecoverable(reason Reason) bool {
	switch reason {
	case ReasonRateLimitExceeded, ReasonRateLimited, ReasonSessionExpired, ReasonCanceled,
		ReasonUnauthenticated, ReasonAuthenticationFailed:
		return true
	default:
		return false
	}
}

// NeedsForcedLogin reports whether recovering from reason takes an explicit
// login with forceRefresh set, rather than simply retrying later.
func NeedsForcedLogin(reason Reason) bool {
	return reason == ReasonUnauthenticated || reason == ReasonAuthenticationFailed
}
