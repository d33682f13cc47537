package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kworkgate/pkg/auth"
	"kworkgate/pkg/clock"
	"kworkgate/pkg/config"
	errs "kworkgate/pkg/errors"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/pacing"
	"kworkgate/pkg/ratelimit"
	"kworkgate/pkg/session"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	clock    *clock.Manual
	limiter  *ratelimit.Tiered
	sessions *session.Store
	exec     *Executor
	logins   *int64
}

func newHarness(t *testing.T, c clock.Clock, pacingCfg config.PacingConfig) *harness {
	t.Helper()
	manual, _ := c.(*clock.Manual)
	if c == nil {
		manual = clock.NewManual(epoch)
		c = manual
	}
	var logins int64
	gw := auth.GatewayFunc(func(ctx context.Context, login, ref string) (*models.Credentials, error) {
		n := atomic.AddInt64(&logins, 1)
		return &models.Credentials{
			Cookies:   models.Cookies{{Name: "slrememberme", Value: fmt.Sprintf("%s-%d", login, n)}},
			CSRFToken: "tok",
		}, nil
	})

	limiter, err := ratelimit.NewTiered(config.DefaultTiers(), ratelimit.WithTieredClock(c))
	require.NoError(t, err)
	sessions, err := session.NewStore(gw, limiter, session.WithClock(c), session.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)
	sessions.GetOrCreate("A", "alice", "env://ALICE")
	sessions.GetOrCreate("B", "bob", "env://BOB")

	pacer := pacing.New(pacingCfg, pacing.WithClock(c), pacing.WithRandom(func() float64 { return 0.5 }))
	n := 0
	exec, err := New(limiter, sessions, pacer,
		WithClock(c),
		WithLogger(logger.NewNopLogger()),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("req-%d", n) }),
	)
	require.NoError(t, err)

	return &harness{clock: manual, limiter: limiter, sessions: sessions, exec: exec, logins: &logins}
}

var noPacing = config.PacingConfig{}

func TestPrepareBuildsContext(t *testing.T) {
	h := newHarness(t, nil, noPacing)

	rc, err := h.exec.Prepare(context.Background(), "A", config.TierGeneral, "get")
	require.NoError(t, err)
	assert.Equal(t, "req-1", rc.ID)
	assert.Equal(t, "A", rc.AccountID)
	assert.Equal(t, http.MethodGet, rc.Method)
	assert.Equal(t, epoch, rc.IssuedAt)
	v, _ := rc.Cookies.Get("slrememberme")
	assert.Equal(t, "alice-1", v)
	assert.Empty(t, rc.Headers.Get(CSRFHeader), "no csrf on safe methods")

	rc, err = h.exec.Prepare(context.Background(), "A", config.TierMessage, http.MethodPost)
	require.NoError(t, err)
	assert.Equal(t, "tok", rc.Headers.Get(CSRFHeader))
	assert.Equal(t, "tok", rc.CSRFToken)
	assert.Equal(t, int64(1), atomic.LoadInt64(h.logins))
}

func TestApply(t *testing.T) {
	rc := &RequestContext{
		Cookies: models.Cookies{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}},
		Headers: http.Header{CSRFHeader: []string{"tok"}},
	}
	req, err := http.NewRequest(http.MethodPost, "http://kwork.test/api", nil)
	require.NoError(t, err)
	rc.Apply(req)
	assert.Equal(t, "a=1; b=2", req.Header.Get("Cookie"))
	assert.Equal(t, "tok", req.Header.Get(CSRFHeader))
}

func TestPrepareUnknownAccount(t *testing.T) {
	h := newHarness(t, nil, noPacing)
	_, err := h.exec.Prepare(context.Background(), "ghost", config.TierGeneral, "GET")
	assert.Equal(t, errs.ReasonUnauthenticated, errs.ReasonOf(err))
	assert.Equal(t, 60, h.limiter.Snapshot("ghost")[config.TierGeneral], "no budget consumed")
}

func TestPrepareUnknownTier(t *testing.T) {
	h := newHarness(t, nil, noPacing)
	_, err := h.exec.Prepare(context.Background(), "A", "broadcast", "GET")
	var unknown *ratelimit.UnknownTierError
	assert.ErrorAs(t, err, &unknown)
}

func TestPrepareTierExhaustion(t *testing.T) {
	h := newHarness(t, nil, noPacing)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.exec.Prepare(ctx, "A", config.TierResponse, http.MethodPost)
		require.NoError(t, err, "request %d", i+1)
		h.clock.Advance(time.Second)
	}

	_, err := h.exec.Prepare(ctx, "A", config.TierResponse, http.MethodPost)
	rej, ok := errs.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, errs.ReasonRateLimitExceeded, rej.Reason)
	assert.Equal(t, config.TierResponse, rej.Tier)
	assert.Equal(t, 55*time.Second, rej.RetryAfter)

	_, err = h.exec.Prepare(ctx, "B", config.TierResponse, http.MethodPost)
	assert.NoError(t, err, "accounts are independent")

	_, err = h.exec.Prepare(ctx, "A", config.TierGeneral, http.MethodGet)
	assert.NoError(t, err, "general still has budget")
}

func TestPrepareGeneralDenialSparesTier(t *testing.T) {
	h := newHarness(t, nil, noPacing)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := h.exec.Prepare(ctx, "A", config.TierGeneral, http.MethodGet)
		require.NoError(t, err)
	}
	_, err := h.exec.Prepare(ctx, "A", config.TierMessage, http.MethodPost)
	rej, ok := errs.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, config.TierGeneral, rej.Tier)
	assert.Equal(t, 10, h.limiter.Snapshot("A")[config.TierMessage])
}

func TestPreparePacing(t *testing.T) {
	h := newHarness(t, nil, config.PacingConfig{MinDelay: time.Second, MaxDelay: 3 * time.Second})
	ctx := context.Background()

	_, err := h.exec.Prepare(ctx, "A", config.TierGeneral, "GET")
	require.NoError(t, err)
	assert.Empty(t, h.clock.Sleeps(), "first request is not delayed")
	assert.Equal(t, epoch, h.sessions.LastRequestAt("A"))

	h.clock.Advance(500 * time.Millisecond)
	rc, err := h.exec.Prepare(ctx, "A", config.TierGeneral, "GET")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, h.clock.Sleeps())
	assert.Equal(t, epoch.Add(2*time.Second), rc.IssuedAt)

	_, err = h.exec.Prepare(ctx, "B", config.TierGeneral, "GET")
	require.NoError(t, err)
	assert.Len(t, h.clock.Sleeps(), 1, "other accounts keep their own pace")

	h.clock.Advance(5 * time.Second)
	_, err = h.exec.Prepare(ctx, "A", config.TierGeneral, "GET")
	require.NoError(t, err)
	assert.Len(t, h.clock.Sleeps(), 1, "enough time has passed")
}

func TestPreparePacingConcurrent(t *testing.T) {
	h := newHarness(t, nil, config.PacingConfig{MinDelay: time.Second, MaxDelay: 3 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.exec.Prepare(context.Background(), "A", config.TierGeneral, "GET")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, epoch.Add(4*time.Second), h.sessions.LastRequestAt("A"))
}

// blockingClock waits on ctx in Sleep so cancellation can be observed
type blockingClock struct {
	*clock.Manual
	sleeping chan struct{}
}

func (b *blockingClock) Sleep(ctx context.Context, d time.Duration) error {
	close(b.sleeping)
	<-ctx.Done()
	return ctx.Err()
}

func TestPrepareCancelledDuringPacing(t *testing.T) {
	bc := &blockingClock{Manual: clock.NewManual(epoch), sleeping: make(chan struct{})}
	h := newHarness(t, bc, config.PacingConfig{MinDelay: time.Second, MaxDelay: time.Second})
	h.sessions.Touch("A", epoch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.exec.Prepare(ctx, "A", config.TierMessage, http.MethodPost)
		done <- err
	}()

	<-bc.sleeping
	cancel()
	err := <-done
	assert.Equal(t, errs.ReasonCanceled, errs.ReasonOf(err))
	assert.Equal(t, 9, h.limiter.Snapshot("A")[config.TierMessage], "consumed budget is not refunded")
	assert.Equal(t, int64(0), atomic.LoadInt64(h.logins))
}

func TestPrepareCancelledContext(t *testing.T) {
	h := newHarness(t, nil, noPacing)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.exec.Prepare(ctx, "A", config.TierGeneral, "GET")
	assert.Equal(t, errs.ReasonCanceled, errs.ReasonOf(err))
}

func TestMarkExpiredForcesLogin(t *testing.T) {
	h := newHarness(t, nil, noPacing)
	ctx := context.Background()

	first, err := h.exec.Prepare(ctx, "A", config.TierGeneral, "GET")
	require.NoError(t, err)
	assert.True(t, h.exec.MarkExpired(ctx, "A", first.Generation, "401"))

	info, err := h.sessions.State("A")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, info.State)

	rc, err := h.exec.Prepare(ctx, "A", config.TierGeneral, "GET")
	require.NoError(t, err)
	v, _ := rc.Cookies.Get("slrememberme")
	assert.Equal(t, "alice-2", v)
	assert.NotEqual(t, first.Generation, rc.Generation)
}

func TestMergeResponse(t *testing.T) {
	h := newHarness(t, nil, noPacing)
	ctx := context.Background()

	_, err := h.exec.Prepare(ctx, "A", config.TierGeneral, "GET")
	require.NoError(t, err)
	h.exec.MergeResponse("A", models.Cookies{{Name: "lang", Value: "ru"}}, "tok2")

	rc, err := h.exec.Prepare(ctx, "A", config.TierMessage, http.MethodPost)
	require.NoError(t, err)
	v, _ := rc.Cookies.Get("lang")
	assert.Equal(t, "ru", v)
	assert.Equal(t, "tok2", rc.Headers.Get(CSRFHeader))
}
