// Package executor turns "account X wants to send a tier-T request" into a
// ready-to-send RequestContext, or a typed rejection. It never performs the
// network call itself.
package executor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kworkgate/pkg/clock"
	errs "kworkgate/pkg/errors"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/pacing"
	"kworkgate/pkg/ratelimit"
	"kworkgate/pkg/session"
)

// CSRFHeader carries the CSRF token on state-changing requests
const CSRFHeader = "X-CSRF-Token"

// RequestContext is everything the transport needs to send one request on
// behalf of an account.
type RequestContext struct {
	ID         string
	AccountID  string
	Tier       string
	Method     string
	// Generation is the session generation the cookies belong to
	Generation uint64
	Cookies    models.Cookies
	CSRFToken  string
	Headers    http.Header
	IssuedAt   time.Time
}

// Apply copies the cookie set and headers onto req
func (rc *RequestContext) Apply(req *http.Request) {
	for name, values := range rc.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if h := rc.Cookies.Header(); h != "" {
		req.Header.Set("Cookie", h)
	}
}

// Executor runs the admission pipeline: rate limits, pacing, session.
type Executor struct {
	limiter  *ratelimit.Tiered
	sessions *session.Store
	pacer    *pacing.Pacer
	clock    clock.Clock
	logger   logger.Logger
	newID    func() string

	mu    sync.Mutex
	gates map[string]*pacing.Gate
}

// Option configures an Executor
type Option func(*Executor)

func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = clock.OrSystem(c) }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithIDGenerator replaces the uuid request id source
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) { e.newID = fn }
}

// New creates an Executor. A nil pacer disables pacing.
func New(limiter *ratelimit.Tiered, sessions *session.Store, pacer *pacing.Pacer, opts ...Option) (*Executor, error) {
	if limiter == nil || sessions == nil {
		return nil, errors.New("executor requires a limiter and a session store")
	}
	e := &Executor{
		limiter:  limiter,
		sessions: sessions,
		pacer:    pacer,
		clock:    clock.System{},
		newID:    uuid.NewString,
		gates:    make(map[string]*pacing.Gate),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.ForComponent(e.logger, "executor")
	return e, nil
}

// Prepare admits a request of the given tier for accountID and returns the
// context to send it with. Admission consumes the general and tier budgets
// up front; they are not returned if a later step fails or ctx ends.
func (e *Executor) Prepare(ctx context.Context, accountID, tier, method string) (*RequestContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Canceled(accountID, err)
	}
	if _, ok := e.sessions.Get(accountID); !ok {
		return nil, errs.Unauthenticated(accountID, "unknown account")
	}
	log := e.logger.WithFields(map[string]interface{}{
		"account_id": accountID,
		"tier":       tier,
	})

	d, err := e.limiter.AllowRequest(ctx, accountID, tier)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		log.DebugWithFields("Request rejected by rate limit", map[string]interface{}{
			"denied_by":   d.Tier,
			"retry_after": d.RetryAfter,
		})
		return nil, errs.RateLimitExceeded(accountID, d.Tier, d.RetryAfter)
	}

	if err := e.pace(ctx, accountID); err != nil {
		return nil, errs.Canceled(accountID, err)
	}

	sess, err := e.sessions.GetValidSession(ctx, accountID, false)
	if err != nil {
		log.WithError(err).Debug("No valid session")
		return nil, err
	}

	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	rc := &RequestContext{
		ID:         e.newID(),
		AccountID:  accountID,
		Tier:       tier,
		Method:     method,
		Generation: sess.Generation,
		Cookies:    sess.Cookies,
		Headers:    make(http.Header),
		IssuedAt:   e.clock.Now(),
	}
	if mutating(method) && sess.CSRFToken != "" {
		rc.CSRFToken = sess.CSRFToken
		rc.Headers.Set(CSRFHeader, sess.CSRFToken)
	}

	log.DebugWithFields("Request admitted", map[string]interface{}{
		"request_id": rc.ID,
		"method":     method,
	})
	return rc, nil
}

// pace waits out the delay owed since the account's previous request. The
// per-account gate makes concurrent callers observe each other's send times.
func (e *Executor) pace(ctx context.Context, accountID string) error {
	if e.pacer == nil {
		e.sessions.Touch(accountID, e.clock.Now())
		return nil
	}

	release, err := e.gate(accountID).Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	at, err := e.pacer.Wait(ctx, e.sessions.LastRequestAt(accountID))
	if err != nil {
		return err
	}
	e.sessions.Touch(accountID, at)
	return nil
}

func (e *Executor) gate(accountID string) *pacing.Gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[accountID]
	if !ok {
		g = pacing.NewGate()
		e.gates[accountID] = g
	}
	return g
}

// Forget drops per-account pacing state
func (e *Executor) Forget(accountID string) {
	e.mu.Lock()
	delete(e.gates, accountID)
	e.mu.Unlock()
}

// MarkExpired reports that the server rejected the session generation of
// accountID. It reports whether the session was expired by this call.
func (e *Executor) MarkExpired(ctx context.Context, accountID string, generation uint64, reason string) bool {
	return e.sessions.MarkExpired(ctx, accountID, generation, reason)
}

// MergeResponse folds cookies and a CSRF token from a successful response
// back into the session.
func (e *Executor) MergeResponse(accountID string, cookies models.Cookies, csrfToken string) {
	e.sessions.MergeResponse(accountID, cookies, csrfToken)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
