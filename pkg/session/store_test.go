package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kworkgate/pkg/auth"
	"kworkgate/pkg/clock"
	"kworkgate/pkg/config"
	"kworkgate/pkg/cookiestore"
	errs "kworkgate/pkg/errors"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/ratelimit"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeGateway counts logins and hands out numbered cookie sets
type fakeGateway struct {
	calls   int64
	fail    error
	release chan struct{} // when set, Login blocks until closed
}

func (g *fakeGateway) Login(ctx context.Context, loginHandle, credentialRef string) (*models.Credentials, error) {
	n := atomic.AddInt64(&g.calls, 1)
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.fail != nil {
		return nil, g.fail
	}
	return &models.Credentials{
		Cookies:   models.Cookies{{Name: "slrememberme", Value: fmt.Sprintf("%s-%d", loginHandle, n)}},
		CSRFToken: fmt.Sprintf("csrf-%d", n),
	}, nil
}

func (g *fakeGateway) Calls() int { return int(atomic.LoadInt64(&g.calls)) }

type fixture struct {
	clock   *clock.Manual
	gateway *fakeGateway
	limiter *ratelimit.Tiered
	persist *cookiestore.MemoryStore
	store   *Store
}

func newFixture(t *testing.T, tiers map[string]config.TierLimit, opts ...Option) *fixture {
	t.Helper()
	if tiers == nil {
		tiers = config.DefaultTiers()
	}
	f := &fixture{
		clock:   clock.NewManual(epoch),
		gateway: &fakeGateway{},
		persist: cookiestore.NewMemoryStore(),
	}
	var err error
	f.limiter, err = ratelimit.NewTiered(tiers, ratelimit.WithTieredClock(f.clock), ratelimit.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)

	opts = append([]Option{
		WithClock(f.clock),
		WithLogger(logger.NewNopLogger()),
		WithPersistence(f.persist),
		WithFailureBackoff(time.Minute),
	}, opts...)
	f.store, err = NewStore(f.gateway, f.limiter, opts...)
	require.NoError(t, err)

	f.store.GetOrCreate("A", "alice", "env://ALICE")
	return f
}

func TestNewStoreValidation(t *testing.T) {
	limiter, err := ratelimit.NewTiered(config.DefaultTiers())
	require.NoError(t, err)

	_, err = NewStore(nil, limiter)
	assert.Error(t, err)
	_, err = NewStore(&fakeGateway{}, nil)
	assert.Error(t, err)
}

func TestGetOrCreateKeepsIdentity(t *testing.T) {
	f := newFixture(t, nil)

	sess, created := f.store.GetOrCreate("A", "someone-else", "env://OTHER")
	assert.False(t, created)
	assert.Equal(t, "alice", sess.LoginHandle())
	assert.Equal(t, "env://ALICE", sess.CredentialRef())

	_, created = f.store.GetOrCreate("B", "bob", "env://BOB")
	assert.True(t, created)
	assert.Equal(t, []string{"A", "B"}, f.store.AccountIDs())
}

func TestUnknownAccount(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.GetValidSession(context.Background(), "nobody", false)
	assert.Equal(t, errs.ReasonUnauthenticated, errs.ReasonOf(err))
}

func TestAuthCacheHit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, models.StateAuthenticated, first.State)
	assert.Equal(t, "csrf-1", first.CSRFToken)

	second, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, first.Cookies, second.Cookies)
	assert.Equal(t, 1, f.gateway.Calls())
	assert.Equal(t, 9, f.limiter.Snapshot("A")[config.TierAuth], "one auth event consumed")
}

func TestForceRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	s, err := f.store.GetValidSession(ctx, "A", true)
	require.NoError(t, err)

	assert.Equal(t, 2, f.gateway.Calls())
	v, _ := s.Cookies.Get("slrememberme")
	assert.Equal(t, "alice-2", v, "cookies replaced wholesale")
}

func TestConcurrentAuthCollapse(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.release = make(chan struct{})

	const n = 20
	var wg sync.WaitGroup
	results := make([]Session, n)
	errList := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errList[i] = f.store.GetValidSession(context.Background(), "A", false)
		}(i)
	}

	require.Eventually(t, func() bool { return f.gateway.Calls() == 1 }, 2*time.Second, time.Millisecond)
	info, err := f.store.State("A")
	require.NoError(t, err)
	assert.Equal(t, models.StateAuthenticating, info.State)

	close(f.gateway.release)
	wg.Wait()

	assert.Equal(t, 1, f.gateway.Calls())
	for i := 0; i < n; i++ {
		require.NoError(t, errList[i])
		assert.Equal(t, results[0].Cookies, results[i].Cookies)
	}
	assert.Equal(t, 9, f.limiter.Snapshot("A")[config.TierAuth])
}

func TestExpiryTriggersReauth(t *testing.T) {
	f := newFixture(t, nil, WithTTL(time.Hour))
	ctx := context.Background()

	_, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	info, err := f.store.State("A")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, info.State)

	s, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.gateway.Calls(), "persisted record expired with the session")
	assert.Equal(t, epoch.Add(time.Hour), s.AuthenticatedAt)
}

func TestAuthTierDenialSkipsLogin(t *testing.T) {
	tiers := config.DefaultTiers()
	tiers[config.TierAuth] = config.TierLimit{MaxRequests: 1, Window: time.Hour}
	f := newFixture(t, tiers)
	ctx := context.Background()

	_, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.store.GetValidSession(ctx, "A", true)
	rej, ok := errs.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, errs.ReasonRateLimited, rej.Reason)
	assert.Equal(t, config.TierAuth, rej.Tier)
	assert.Equal(t, 59*time.Minute, rej.RetryAfter)
	assert.Equal(t, 1, f.gateway.Calls())

	info, _ := f.store.State("A")
	assert.Equal(t, models.StateAuthenticated, info.State, "denied refresh leaves the session alone")
}

func TestAuthFailureAndBackoff(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.fail = auth.ErrInvalidCredentials
	ctx := context.Background()

	_, err := f.store.GetValidSession(ctx, "A", false)
	assert.Equal(t, errs.ReasonAuthenticationFailed, errs.ReasonOf(err))
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	info, _ := f.store.State("A")
	assert.Equal(t, models.StateAuthFailed, info.State)
	assert.Equal(t, "invalid credentials", info.LastError)

	_, err = f.store.GetValidSession(ctx, "A", false)
	assert.Equal(t, errs.ReasonAuthenticationFailed, errs.ReasonOf(err))
	assert.Equal(t, 1, f.gateway.Calls(), "inside backoff no new attempt")

	f.gateway.fail = nil
	_, err = f.store.GetValidSession(ctx, "A", true)
	require.NoError(t, err, "explicit call retries")
	assert.Equal(t, 2, f.gateway.Calls())
}

func TestAuthFailureBackoffElapses(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.fail = errors.New("captcha")
	ctx := context.Background()

	_, err := f.store.GetValidSession(ctx, "A", false)
	require.Error(t, err)

	f.gateway.fail = nil
	f.clock.Advance(time.Minute)
	_, err = f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
}

func TestEmptyCredentialsAreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.gateway = auth.GatewayFunc(func(context.Context, string, string) (*models.Credentials, error) {
		return &models.Credentials{}, nil
	})

	_, err := f.store.GetValidSession(context.Background(), "A", false)
	assert.ErrorIs(t, err, auth.ErrNoCookies)
}

func TestRestoreFromPersistence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.persist.Save(ctx, &cookiestore.Record{
		AccountID: "A",
		Cookies:   models.Cookies{{Name: "slrememberme", Value: "persisted"}},
		CSRFToken: "old-csrf",
		SavedAt:   epoch.Add(-24 * time.Hour),
		ExpiresAt: epoch.Add(6 * 24 * time.Hour),
	}))

	s, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	v, _ := s.Cookies.Get("slrememberme")
	assert.Equal(t, "persisted", v)
	assert.Equal(t, epoch.Add(-24*time.Hour), s.AuthenticatedAt)
	assert.Zero(t, f.gateway.Calls())
	assert.Equal(t, 10, f.limiter.Snapshot("A")[config.TierAuth], "restoring is not a login")
}

func TestStalePersistedRecordIsDeleted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.persist.Save(ctx, &cookiestore.Record{
		AccountID: "A",
		Cookies:   models.Cookies{{Name: "slrememberme", Value: "old"}},
		SavedAt:   epoch.Add(-8 * 24 * time.Hour),
		ExpiresAt: epoch.Add(-24 * time.Hour),
	}))

	ok, err := f.store.Restore(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.persist.Len())

	s, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	v, _ := s.Cookies.Get("slrememberme")
	assert.Equal(t, "alice-1", v)
}

func TestLoginIsPersisted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)

	rec, err := f.persist.Load(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, epoch, rec.SavedAt)
	assert.Equal(t, epoch.Add(7*24*time.Hour), rec.ExpiresAt)
	assert.Equal(t, "csrf-1", rec.CSRFToken)
}

func TestPersistenceFailureDoesNotFailLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.persist.SaveError = errors.New("disk full")
	f.persist.LoadError = errors.New("disk gone")

	_, err := f.store.GetValidSession(context.Background(), "A", false)
	assert.NoError(t, err)
}

func TestMarkExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)

	assert.True(t, f.store.MarkExpired(ctx, "A", s.Generation, "login page"))
	sess, _ := f.store.Get("A")
	snap := sess.Snapshot()
	assert.Equal(t, models.StateExpired, snap.State)
	assert.Empty(t, snap.Cookies, "cookies only while authenticated")
	assert.Zero(t, f.persist.Len(), "rejected cookies are not restored later")

	_, err = f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.gateway.Calls())
}

func TestMarkExpiredIgnoresReplacedSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	require.True(t, f.store.MarkExpired(ctx, "A", old.Generation, "401"))

	fresh, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	v, _ := fresh.Cookies.Get("slrememberme")
	require.Equal(t, "alice-2", v)

	// a second 401 from a request sent with the alice-1 cookies
	assert.False(t, f.store.MarkExpired(ctx, "A", old.Generation, "401"))

	info, err := f.store.State("A")
	require.NoError(t, err)
	assert.Equal(t, models.StateAuthenticated, info.State)

	again, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, fresh.Generation, again.Generation)
	assert.Equal(t, 2, f.gateway.Calls())
	assert.Equal(t, 8, f.limiter.Snapshot("A")[config.TierAuth], "no extra auth slot spent")
}

func TestMarkExpiredUnknownAccount(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.store.MarkExpired(context.Background(), "ghost", 1, "401"))
}

func TestMergeResponse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.MergeResponse("A", models.Cookies{{Name: "x", Value: "1"}}, "ignored")
	sess, _ := f.store.Get("A")
	assert.Empty(t, sess.Snapshot().Cookies, "not merged while unauthenticated")

	_, err := f.store.GetValidSession(ctx, "A", false)
	require.NoError(t, err)
	f.store.MergeResponse("A", models.Cookies{{Name: "slrememberme", Value: "rotated"}, {Name: "lang", Value: "ru"}}, "csrf-new")

	snap := sess.Snapshot()
	assert.Equal(t, []string{"slrememberme", "lang"}, snap.Cookies.Names())
	assert.Equal(t, "csrf-new", snap.CSRFToken)

	require.NoError(t, f.store.PersistAll(ctx))
	rec, err := f.persist.Load(ctx, "A")
	require.NoError(t, err)
	v, _ := rec.Cookies.Get("slrememberme")
	assert.Equal(t, "rotated", v)
	assert.Equal(t, epoch.Add(7*24*time.Hour), rec.ExpiresAt, "merge does not extend the login")
}

func TestWaiterCancellationKeepsSharedLogin(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.store.GetValidSession(ctx, "A", false)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.gateway.Calls() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.Equal(t, errs.ReasonCanceled, errs.ReasonOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	close(f.gateway.release)
	require.Eventually(t, func() bool {
		info, _ := f.store.State("A")
		return info.State == models.StateAuthenticated
	}, 2*time.Second, time.Millisecond)
}

func TestStateInfo(t *testing.T) {
	f := newFixture(t, nil)
	info, err := f.store.State("A")
	require.NoError(t, err)
	assert.Equal(t, models.StateUnauthenticated, info.State)
	assert.True(t, info.ExpiresEstimate.IsZero())

	_, err = f.store.GetValidSession(context.Background(), "A", false)
	require.NoError(t, err)
	f.store.Touch("A", epoch.Add(time.Second))

	info, err = f.store.State("A")
	require.NoError(t, err)
	assert.Equal(t, models.StateAuthenticated, info.State)
	assert.Equal(t, epoch, info.AuthenticatedAt)
	assert.Equal(t, epoch.Add(7*24*time.Hour), info.ExpiresEstimate)
	assert.Equal(t, epoch.Add(time.Second), f.store.LastRequestAt("A"))

	_, err = f.store.State("nobody")
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, f.store.Remove("A"))
	assert.False(t, f.store.Remove("A"))
	_, ok := f.store.Get("A")
	assert.False(t, ok)
}
