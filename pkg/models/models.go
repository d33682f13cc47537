// Package models holds the value types shared by the session core, the
// login gateways and the cookie stores.
package models

import (
	"net/http"
	"strings"
	"time"
)

// AuthState is the authentication state of one account session
type AuthState string

const (
	StateUnauthenticated AuthState = "unauthenticated"
	StateAuthenticating  AuthState = "authenticating"
	StateAuthenticated   AuthState = "authenticated"
	StateExpired         AuthState = "expired"
	StateAuthFailed      AuthState = "auth_failed"
)

func (s AuthState) String() string { return string(s) }

// Cookie is one name/value pair of a session cookie set
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookies is an ordered cookie set. Names are unique; Set keeps the
// position of an existing name.
type Cookies []Cookie

// Get returns the value of name
func (c Cookies) Get(name string) (string, bool) {
	for _, ck := range c {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}

// Set replaces or appends name
func (c Cookies) Set(name, value string) Cookies {
	for i := range c {
		if c[i].Name == name {
			c[i].Value = value
			return c
		}
	}
	return append(c, Cookie{Name: name, Value: value})
}

// Delete removes name, keeping the order of the rest
func (c Cookies) Delete(name string) Cookies {
	out := c[:0]
	for _, ck := range c {
		if ck.Name != name {
			out = append(out, ck)
		}
	}
	return out
}

// Clone returns an independent copy
func (c Cookies) Clone() Cookies {
	if c == nil {
		return nil
	}
	out := make(Cookies, len(c))
	copy(out, c)
	return out
}

// Header renders the set as a Cookie request header value
func (c Cookies) Header() string {
	parts := make([]string, 0, len(c))
	for _, ck := range c {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// Names lists cookie names in order, for logging
func (c Cookies) Names() []string {
	names := make([]string, 0, len(c))
	for _, ck := range c {
		names = append(names, ck.Name)
	}
	return names
}

// FromHTTP converts cookies received from net/http. Expired or deleted
// cookies (MaxAge < 0) are skipped.
func FromHTTP(in []*http.Cookie) Cookies {
	var out Cookies
	for _, hc := range in {
		if hc == nil || hc.Name == "" || hc.MaxAge < 0 {
			continue
		}
		out = out.Set(hc.Name, hc.Value)
	}
	return out
}

// Credentials is what a successful login produces
type Credentials struct {
	Cookies   Cookies `json:"cookies"`
	CSRFToken string  `json:"csrf_token,omitempty"`
}

// StateInfo describes the authentication state of an account
type StateInfo struct {
	AccountID       string    `json:"account_id"`
	State           AuthState `json:"state"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitempty"`
	ExpiresEstimate time.Time `json:"expires_estimate,omitempty"`
	LastRequestAt   time.Time `json:"last_request_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}
