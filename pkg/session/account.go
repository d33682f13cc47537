package session

import (
	"sync"
	"time"

	"kworkgate/pkg/models"
)

// AccountSession is the mutable per-account session record. Fields are
// guarded by mu; identity fields never change after creation.
type AccountSession struct {
	accountID     string
	loginHandle   string
	credentialRef string

	mu              sync.Mutex
	state           models.AuthState
	cookies         models.Cookies
	csrfToken       string
	authenticatedAt time.Time
	lastRequestAt   time.Time
	failedAt        time.Time
	lastErr         error
	generation      uint64 // bumped on every adopted cookie set
	dirty           bool   // cookies changed since last persist
}

func newAccountSession(accountID, loginHandle, credentialRef string) *AccountSession {
	return &AccountSession{
		accountID:     accountID,
		loginHandle:   loginHandle,
		credentialRef: credentialRef,
		state:         models.StateUnauthenticated,
	}
}

func (a *AccountSession) AccountID() string     { return a.accountID }
func (a *AccountSession) LoginHandle() string   { return a.loginHandle }
func (a *AccountSession) CredentialRef() string { return a.credentialRef }

// Session is an immutable view of an AccountSession
type Session struct {
	AccountID       string
	LoginHandle     string
	State           models.AuthState
	// Generation identifies the cookie set; it changes on every login or restore
	Generation      uint64
	Cookies         models.Cookies
	CSRFToken       string
	AuthenticatedAt time.Time
	LastRequestAt   time.Time
}

// snapshot copies the session. Caller holds a.mu.
func (a *AccountSession) snapshot() Session {
	return Session{
		AccountID:       a.accountID,
		LoginHandle:     a.loginHandle,
		State:           a.state,
		Generation:      a.generation,
		Cookies:         a.cookies.Clone(),
		CSRFToken:       a.csrfToken,
		AuthenticatedAt: a.authenticatedAt,
		LastRequestAt:   a.lastRequestAt,
	}
}

// Snapshot returns a consistent copy of the session
func (a *AccountSession) Snapshot() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// setAuthenticated replaces the cookie set wholesale. Caller holds a.mu.
func (a *AccountSession) setAuthenticated(creds models.Credentials, at time.Time) {
	a.state = models.StateAuthenticated
	a.generation++
	a.cookies = creds.Cookies.Clone()
	a.csrfToken = creds.CSRFToken
	a.authenticatedAt = at
	a.failedAt = time.Time{}
	a.lastErr = nil
}

// clear drops credentials and moves to state. Caller holds a.mu.
func (a *AccountSession) clear(state models.AuthState) {
	a.state = state
	a.cookies = nil
	a.csrfToken = ""
	a.dirty = false
}
