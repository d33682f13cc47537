// Package pool is the entry point of the session core. A Manager owns the
// tiered limiter, the session store and the executor, and hands out
// per-account handles.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kworkgate/pkg/auth"
	"kworkgate/pkg/clock"
	"kworkgate/pkg/config"
	"kworkgate/pkg/cookiestore"
	"kworkgate/pkg/executor"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/pacing"
	"kworkgate/pkg/ratelimit"
	"kworkgate/pkg/session"
)

var (
	// ErrUnknownAccount is returned for account IDs the pool has never seen
	ErrUnknownAccount = errors.New("unknown account")
	// ErrNoActiveAccount means SetActive was never called or the active account was evicted
	ErrNoActiveAccount = errors.New("no active account")
	ErrClosed          = errors.New("pool closed")
)

// Manager is constructed once and shared. Components that act for an
// account always pass its ID explicitly; the active account is only a
// default for interactive callers.
type Manager struct {
	limiter  *ratelimit.Tiered
	sessions *session.Store
	exec     *executor.Executor
	logger   logger.Logger

	stopJanitor context.CancelFunc
	closeOnce   sync.Once
	closed      chan struct{}

	activeMu sync.RWMutex
	active   string
}

type options struct {
	persist  cookiestore.Store
	clock    clock.Clock
	logger   logger.Logger
	recorder ratelimit.Recorder
	random   func() float64
}

// Option configures a Manager
type Option func(*options)

// WithPersistence enables saving and restoring cookie sets
func WithPersistence(s cookiestore.Store) Option {
	return func(o *options) { o.persist = s }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder mirrors limiter decisions to r
func WithRecorder(r ratelimit.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithPacingRandom fixes the pacing jitter source
func WithPacingRandom(fn func() float64) Option {
	return func(o *options) { o.random = fn }
}

// New builds a Manager from cfg. The tier table is validated here; a
// malformed one fails construction.
func New(cfg *config.Config, gateway auth.Gateway, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("pool requires a configuration")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrSystem(o.clock)
	log := logger.ForComponent(o.logger, "pool")
	if o.logger == nil {
		o.logger = logger.GetLogger()
	}

	limiterOpts := []ratelimit.TieredOption{
		ratelimit.WithTieredClock(o.clock),
		ratelimit.WithLogger(o.logger),
	}
	if cfg.RateLimit.IdleTTL > 0 {
		limiterOpts = append(limiterOpts, ratelimit.WithBucketIdleTTL(cfg.RateLimit.IdleTTL))
	}
	if o.recorder != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithRecorder(o.recorder))
	}
	limiter, err := ratelimit.NewTiered(cfg.RateLimit.Tiers, limiterOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit tiers: %w", err)
	}

	sessionOpts := []session.Option{
		session.WithClock(o.clock),
		session.WithLogger(o.logger),
		session.FromConfig(cfg.Session),
	}
	if o.persist != nil {
		sessionOpts = append(sessionOpts, session.WithPersistence(o.persist))
	}
	sessions, err := session.NewStore(gateway, limiter, sessionOpts...)
	if err != nil {
		return nil, err
	}

	pacerOpts := []pacing.Option{pacing.WithClock(o.clock)}
	if o.random != nil {
		pacerOpts = append(pacerOpts, pacing.WithRandom(o.random))
	}
	exec, err := executor.New(limiter, sessions, pacing.New(cfg.Pacing, pacerOpts...),
		executor.WithClock(o.clock),
		executor.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	jctx, cancel := context.WithCancel(context.Background())
	limiter.StartJanitor(jctx, cfg.RateLimit.CleanupInterval)

	log.InfoWithFields("Session pool ready", map[string]interface{}{
		"tiers":       limiter.Tiers(),
		"persistence": o.persist != nil,
	})
	return &Manager{
		limiter:     limiter,
		sessions:    sessions,
		exec:        exec,
		logger:      log,
		stopJanitor: cancel,
		closed:      make(chan struct{}),
	}, nil
}

// Handle is a lightweight reference to one account of the pool
type Handle struct {
	id string
	m  *Manager
}

func (h *Handle) AccountID() string { return h.id }

// Prepare admits a request for this account
func (h *Handle) Prepare(ctx context.Context, tier, method string) (*executor.RequestContext, error) {
	return h.m.Prepare(ctx, h.id, tier, method)
}

// AuthState reports this account's authentication state
func (h *Handle) AuthState() (models.StateInfo, error) {
	return h.m.AuthState(h.id)
}

// GetOrCreate registers an account, or returns the existing handle. The
// login handle and credential reference of an existing account are kept.
func (m *Manager) GetOrCreate(accountID, loginHandle, credentialRef string) (*Handle, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	if m.isClosed() {
		return nil, ErrClosed
	}
	if _, created := m.sessions.GetOrCreate(accountID, loginHandle, credentialRef); created {
		m.logger.DebugWithFields("Account registered", map[string]interface{}{
			"account_id": accountID,
			"login":      loginHandle,
		})
	}
	return &Handle{id: accountID, m: m}, nil
}

// Handle returns the handle of a registered account
func (m *Manager) Handle(accountID string) (*Handle, error) {
	if _, ok := m.sessions.Get(accountID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return &Handle{id: accountID, m: m}, nil
}

// Accounts lists registered account IDs, sorted
func (m *Manager) Accounts() []string {
	return m.sessions.AccountIDs()
}

// SetActive makes accountID the default account
func (m *Manager) SetActive(accountID string) error {
	if _, ok := m.sessions.Get(accountID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	m.activeMu.Lock()
	m.active = accountID
	m.activeMu.Unlock()
	return nil
}

// Active returns the default account's handle
func (m *Manager) Active() (*Handle, error) {
	m.activeMu.RLock()
	id := m.active
	m.activeMu.RUnlock()
	if id == "" {
		return nil, ErrNoActiveAccount
	}
	return &Handle{id: id, m: m}, nil
}

// Evict forgets accountID's session. Consumed rate budgets stay with the
// limiter so that evicting and recreating an account does not reset them.
func (m *Manager) Evict(accountID string) bool {
	if !m.sessions.Remove(accountID) {
		return false
	}
	m.exec.Forget(accountID)

	m.activeMu.Lock()
	if m.active == accountID {
		m.active = ""
	}
	m.activeMu.Unlock()

	m.logger.InfoWithFields("Account evicted", map[string]interface{}{
		"account_id": accountID,
	})
	return true
}

// Prepare admits a request of tier for accountID
func (m *Manager) Prepare(ctx context.Context, accountID, tier, method string) (*executor.RequestContext, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.exec.Prepare(ctx, accountID, tier, method)
}

// Login returns a valid session for accountID, logging in when needed.
// force skips the cache and any persisted cookies.
func (m *Manager) Login(ctx context.Context, accountID string, force bool) (session.Session, error) {
	return m.sessions.GetValidSession(ctx, accountID, force)
}

// Restore adopts persisted cookies for accountID without logging in
func (m *Manager) Restore(ctx context.Context, accountID string) (bool, error) {
	return m.sessions.Restore(ctx, accountID)
}

// AuthState reports the authentication state of accountID
func (m *Manager) AuthState(accountID string) (models.StateInfo, error) {
	return m.sessions.State(accountID)
}

// MarkExpired reports that the server rejected the given session
// generation of accountID. Rejections of replaced sessions are ignored.
func (m *Manager) MarkExpired(ctx context.Context, accountID string, generation uint64, reason string) bool {
	return m.exec.MarkExpired(ctx, accountID, generation, reason)
}

// MergeResponse folds response cookies and CSRF token into the session
func (m *Manager) MergeResponse(accountID string, cookies models.Cookies, csrfToken string) {
	m.exec.MergeResponse(accountID, cookies, csrfToken)
}

// TierStatus is the budget of one tier for one account
type TierStatus struct {
	Limit      int           `json:"limit"`
	Window     time.Duration `json:"window"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// RateLimits reports every tier's budget for accountID
func (m *Manager) RateLimits(accountID string) map[string]TierStatus {
	remaining := m.limiter.Snapshot(accountID)
	out := make(map[string]TierStatus, len(remaining))
	for tier, left := range remaining {
		limit, _ := m.limiter.Limit(tier)
		st := TierStatus{Limit: limit.MaxRequests, Window: limit.Window, Remaining: left}
		if left == 0 {
			st.RetryAfter = m.limiter.RetryAfter(accountID, tier)
		}
		out[tier] = st
	}
	return out
}

// Close persists changed sessions and stops background work. Later calls
// are no-ops.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.stopJanitor()
		err = m.sessions.PersistAll(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to persist sessions on close")
		}
		m.logger.Info("Session pool closed")
	})
	return err
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
