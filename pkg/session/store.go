package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kworkgate/pkg/auth"
	"kworkgate/pkg/clock"
	"kworkgate/pkg/config"
	"kworkgate/pkg/cookiestore"
	errs "kworkgate/pkg/errors"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/ratelimit"
)

// Store owns every AccountSession and drives the authentication state
// machine. Concurrent callers needing a login for the same account share a
// single gateway call.
type Store struct {
	gateway auth.Gateway
	limiter *ratelimit.Tiered
	persist cookiestore.Store
	clock   clock.Clock
	logger  logger.Logger

	ttl            time.Duration
	failureBackoff time.Duration
	loginTimeout   time.Duration

	flights singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*AccountSession
}

// Option configures a Store
type Option func(*Store)

// WithPersistence saves cookie sets after login and restores them on demand
func WithPersistence(p cookiestore.Store) Option {
	return func(s *Store) { s.persist = p }
}

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTTL sets how long a login is trusted
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithFailureBackoff sets how long AuthFailed sticks before a new attempt
func WithFailureBackoff(d time.Duration) Option {
	return func(s *Store) { s.failureBackoff = d }
}

// WithLoginTimeout bounds one gateway call
func WithLoginTimeout(d time.Duration) Option {
	return func(s *Store) { s.loginTimeout = d }
}

// FromConfig applies the session section of the configuration
func FromConfig(cfg config.SessionConfig) Option {
	return func(s *Store) {
		if cfg.TTL > 0 {
			s.ttl = cfg.TTL
		}
		s.failureBackoff = cfg.AuthFailureBackoff
	}
}

// NewStore creates a Store. The limiter must define the auth tier.
func NewStore(gateway auth.Gateway, limiter *ratelimit.Tiered, opts ...Option) (*Store, error) {
	if gateway == nil {
		return nil, errors.New("session store requires an auth gateway")
	}
	if limiter == nil {
		return nil, errors.New("session store requires a rate limiter")
	}
	if _, ok := limiter.Limit(config.TierAuth); !ok {
		return nil, fmt.Errorf("rate limiter has no %q tier", config.TierAuth)
	}

	s := &Store{
		gateway:      gateway,
		limiter:      limiter,
		clock:        clock.System{},
		ttl:          7 * 24 * time.Hour,
		loginTimeout: 5 * time.Minute,
		sessions:     make(map[string]*AccountSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	s.logger = s.logger.WithField("component", "session")
	return s, nil
}

// GetOrCreate returns the session for accountID, creating an
// Unauthenticated one on first use. Identity of an existing session is kept.
func (s *Store) GetOrCreate(accountID, loginHandle, credentialRef string) (*AccountSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[accountID]
	s.mu.RUnlock()
	if ok {
		return sess, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[accountID]; ok {
		return sess, false
	}
	sess = newAccountSession(accountID, loginHandle, credentialRef)
	s.sessions[accountID] = sess
	return sess, true
}

// Get returns the session for accountID
func (s *Store) Get(accountID string) (*AccountSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[accountID]
	return sess, ok
}

// Remove forgets accountID. Persisted cookies are left alone.
func (s *Store) Remove(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[accountID]
	delete(s.sessions, accountID)
	return ok
}

// AccountIDs lists known accounts, sorted
func (s *Store) AccountIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) lookup(accountID string) (*AccountSession, error) {
	sess, ok := s.Get(accountID)
	if !ok {
		return nil, errs.Unauthenticated(accountID, "unknown account")
	}
	return sess, nil
}

func (s *Store) fresh(sess *AccountSession, now time.Time) bool {
	return s.ttl <= 0 || now.Before(sess.authenticatedAt.Add(s.ttl))
}

// GetValidSession returns an authenticated session for accountID, logging
// in when the cached one is missing, stale or forceRefresh is set. Logins
// are gated by the auth tier and collapsed across concurrent callers. A
// caller whose ctx ends stops waiting; the shared attempt carries on.
func (s *Store) GetValidSession(ctx context.Context, accountID string, forceRefresh bool) (Session, error) {
	sess, err := s.lookup(accountID)
	if err != nil {
		return Session{}, err
	}

	now := s.clock.Now()
	sess.mu.Lock()
	switch sess.state {
	case models.StateAuthenticated:
		if !forceRefresh && s.fresh(sess, now) {
			snap := sess.snapshot()
			sess.mu.Unlock()
			return snap, nil
		}
		if !s.fresh(sess, now) {
			sess.clear(models.StateExpired)
			s.logger.InfoWithFields("Session expired", map[string]interface{}{
				"account_id": accountID,
				"reason":     "ttl",
			})
		}
	case models.StateAuthFailed:
		if !forceRefresh && now.Before(sess.failedAt.Add(s.failureBackoff)) {
			cause := sess.lastErr
			sess.mu.Unlock()
			return Session{}, errs.AuthenticationFailed(accountID, cause)
		}
		sess.state = models.StateUnauthenticated
	}
	sess.mu.Unlock()

	ch := s.flights.DoChan(accountID, func() (interface{}, error) {
		// detached so one impatient caller cannot abort the shared login
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loginTimeout)
		defer cancel()
		return s.authenticate(loginCtx, sess, forceRefresh)
	})

	select {
	case <-ctx.Done():
		return Session{}, errs.Canceled(accountID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

// authenticate runs inside the single flight for sess
func (s *Store) authenticate(ctx context.Context, sess *AccountSession, force bool) (Session, error) {
	accountID := sess.accountID
	log := s.logger.WithField("account_id", accountID)

	sess.mu.Lock()
	if !force && sess.state == models.StateAuthenticated && s.fresh(sess, s.clock.Now()) {
		// another flight finished between our check and this one
		snap := sess.snapshot()
		sess.mu.Unlock()
		return snap, nil
	}
	sess.mu.Unlock()

	if !force {
		if snap, ok := s.restore(ctx, sess); ok {
			return snap, nil
		}
	}

	d, err := s.limiter.Take(ctx, accountID, config.TierAuth)
	if err != nil {
		return Session{}, err
	}
	if !d.Allowed {
		log.WarnWithFields("Auth rate limit exceeded", map[string]interface{}{
			"retry_after": d.RetryAfter,
		})
		return Session{}, errs.RateLimited(accountID, config.TierAuth, d.RetryAfter)
	}

	sess.mu.Lock()
	sess.clear(models.StateAuthenticating)
	sess.mu.Unlock()

	log.Info("Authenticating")
	creds, loginErr := s.gateway.Login(ctx, sess.loginHandle, sess.credentialRef)
	now := s.clock.Now()

	if loginErr == nil && (creds == nil || len(creds.Cookies) == 0) {
		loginErr = auth.ErrNoCookies
	}
	if loginErr != nil {
		sess.mu.Lock()
		sess.clear(models.StateAuthFailed)
		sess.failedAt = now
		sess.lastErr = loginErr
		sess.mu.Unlock()

		log.WithError(loginErr).Warn("Authentication failed")
		return Session{}, errs.AuthenticationFailed(accountID, loginErr)
	}

	sess.mu.Lock()
	sess.setAuthenticated(*creds, now)
	snap := sess.snapshot()
	sess.mu.Unlock()

	log.InfoWithFields("Authenticated", map[string]interface{}{
		"cookies": len(creds.Cookies),
	})
	s.save(ctx, snap)
	return snap, nil
}

// restore adopts a persisted, unexpired cookie set. Stale records are deleted.
func (s *Store) restore(ctx context.Context, sess *AccountSession) (Session, bool) {
	if s.persist == nil {
		return Session{}, false
	}
	log := s.logger.WithField("account_id", sess.accountID)

	rec, err := s.persist.Load(ctx, sess.accountID)
	if err != nil {
		if !errors.Is(err, cookiestore.ErrNotFound) {
			log.WithError(err).Warn("Failed to load persisted cookies")
		}
		return Session{}, false
	}

	now := s.clock.Now()
	savedAt := rec.SavedAt
	if savedAt.IsZero() || savedAt.After(now) {
		savedAt = now
	}
	if rec.Expired(now) || len(rec.Cookies) == 0 || (s.ttl > 0 && !now.Before(savedAt.Add(s.ttl))) {
		log.Info("Discarding stale persisted cookies")
		if err := s.persist.Delete(ctx, sess.accountID); err != nil {
			log.WithError(err).Warn("Failed to delete stale cookies")
		}
		return Session{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.setAuthenticated(models.Credentials{Cookies: rec.Cookies, CSRFToken: rec.CSRFToken}, savedAt)
	log.DebugWithFields("Restored persisted cookies", map[string]interface{}{
		"cookies":  len(rec.Cookies),
		"saved_at": savedAt,
	})
	return sess.snapshot(), true
}

// Restore loads persisted cookies for an account that is not yet
// authenticated. It never logs in.
func (s *Store) Restore(ctx context.Context, accountID string) (bool, error) {
	sess, err := s.lookup(accountID)
	if err != nil {
		return false, err
	}
	sess.mu.Lock()
	authenticated := sess.state == models.StateAuthenticated
	sess.mu.Unlock()
	if authenticated {
		return true, nil
	}

	v, err, _ := s.flights.Do("restore:"+accountID, func() (interface{}, error) {
		_, ok := s.restore(ctx, sess)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// record converts a snapshot to its persisted form. The expiry follows the
// login time, not the time of saving.
func (s *Store) record(snap Session) *cookiestore.Record {
	rec := &cookiestore.Record{
		AccountID: snap.AccountID,
		Cookies:   snap.Cookies,
		CSRFToken: snap.CSRFToken,
		SavedAt:   snap.AuthenticatedAt,
	}
	if s.ttl > 0 {
		rec.ExpiresAt = snap.AuthenticatedAt.Add(s.ttl)
	}
	return rec
}

func (s *Store) save(ctx context.Context, snap Session) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(ctx, s.record(snap)); err != nil {
		s.logger.WithError(err).WarnWithFields("Failed to persist cookies", map[string]interface{}{
			"account_id": snap.AccountID,
		})
	}
}

// MarkExpired records that the server rejected the session (401, redirect
// to login or a login page served with 200). generation is the
// Session.Generation the rejected request was sent with; a rejection of an
// older cookie set leaves a newer login alone. Persisted cookies are dropped.
func (s *Store) MarkExpired(ctx context.Context, accountID string, generation uint64, reason string) bool {
	sess, ok := s.Get(accountID)
	if !ok {
		return false
	}

	sess.mu.Lock()
	current := sess.generation
	expire := sess.state == models.StateAuthenticated && current == generation
	if expire {
		sess.clear(models.StateExpired)
	}
	sess.mu.Unlock()
	if !expire {
		if current != generation {
			s.logger.DebugWithFields("Ignoring rejection of a replaced session", map[string]interface{}{
				"account_id": accountID,
				"generation": generation,
				"current":    current,
				"reason":     reason,
			})
		}
		return false
	}

	s.logger.WarnWithFields("Session rejected by server", map[string]interface{}{
		"account_id": accountID,
		"reason":     reason,
	})
	if s.persist != nil {
		if err := s.persist.Delete(ctx, accountID); err != nil {
			s.logger.WithError(err).Warn("Failed to delete rejected cookies")
		}
	}
	return true
}

// MergeResponse folds cookies and a CSRF token seen on a successful
// response into an authenticated session.
func (s *Store) MergeResponse(accountID string, cookies models.Cookies, csrfToken string) {
	if len(cookies) == 0 && csrfToken == "" {
		return
	}
	sess, ok := s.Get(accountID)
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != models.StateAuthenticated {
		return
	}
	for _, c := range cookies {
		if prev, ok := sess.cookies.Get(c.Name); !ok || prev != c.Value {
			sess.cookies = sess.cookies.Set(c.Name, c.Value)
			sess.dirty = true
		}
	}
	if csrfToken != "" && csrfToken != sess.csrfToken {
		sess.csrfToken = csrfToken
		sess.dirty = true
	}
}

// Touch records the time of the account's latest outgoing request
func (s *Store) Touch(accountID string, at time.Time) {
	if sess, ok := s.Get(accountID); ok {
		sess.mu.Lock()
		sess.lastRequestAt = at
		sess.mu.Unlock()
	}
}

// LastRequestAt returns the time of the account's latest request
func (s *Store) LastRequestAt(accountID string) time.Time {
	sess, ok := s.Get(accountID)
	if !ok {
		return time.Time{}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastRequestAt
}

// State describes the authentication state of accountID
func (s *Store) State(accountID string) (models.StateInfo, error) {
	sess, err := s.lookup(accountID)
	if err != nil {
		return models.StateInfo{}, err
	}

	now := s.clock.Now()
	sess.mu.Lock()
	defer sess.mu.Unlock()

	info := models.StateInfo{
		AccountID:     accountID,
		State:         sess.state,
		LastRequestAt: sess.lastRequestAt,
	}
	if sess.state == models.StateAuthenticated {
		if !s.fresh(sess, now) {
			info.State = models.StateExpired
		}
		info.AuthenticatedAt = sess.authenticatedAt
		if s.ttl > 0 {
			info.ExpiresEstimate = sess.authenticatedAt.Add(s.ttl)
		}
	}
	if sess.lastErr != nil {
		info.LastError = sess.lastErr.Error()
	}
	return info, nil
}

// PersistAll saves every authenticated session whose cookies changed since
// they were last written.
func (s *Store) PersistAll(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	var errList []error
	for _, id := range s.AccountIDs() {
		sess, ok := s.Get(id)
		if !ok {
			continue
		}
		sess.mu.Lock()
		if sess.state != models.StateAuthenticated || !sess.dirty {
			sess.mu.Unlock()
			continue
		}
		snap := sess.snapshot()
		sess.dirty = false
		sess.mu.Unlock()

		if err := s.persist.Save(ctx, s.record(snap)); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errList...)
}
