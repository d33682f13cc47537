package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kworkgate/pkg/auth"
	"kworkgate/pkg/clock"
	"kworkgate/pkg/config"
	errs "kworkgate/pkg/errors"
	"kworkgate/pkg/executor"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/retry"
)

const maxBodySize = 8 << 20

// Sessions is the part of the session core the transport talks to
type Sessions interface {
	Prepare(ctx context.Context, accountID, tier, method string) (*executor.RequestContext, error)
	MarkExpired(ctx context.Context, accountID string, generation uint64, reason string) bool
	MergeResponse(accountID string, cookies models.Cookies, csrfToken string)
}

// Request is one call on behalf of an account
type Request struct {
	AccountID string
	Tier      string
	Method    string
	// Path is resolved against the base URL
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Header      http.Header
}

// Form builds a POST request with a urlencoded body
func Form(accountID, tier, path string, values url.Values) Request {
	return Request{
		AccountID:   accountID,
		Tier:        tier,
		Method:      http.MethodPost,
		Path:        path,
		Body:        []byte(values.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}
}

// Response is a fully read HTTP response
type Response struct {
	RequestID  string
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Client sends requests admitted by the session core. Admission happens once
// per Request; retries of network and 5xx failures reuse the same admission.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	headers    map[string]string
	sessions   Sessions
	global     *rate.Limiter
	retry      *retry.Config
	markers    []string
	logger     logger.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Redirects are never
// followed regardless of its CheckRedirect.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry replaces the retry policy
func WithRetry(cfg *retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithRetryClock sets the clock used between retries
func WithRetryClock(clk clock.Clock) Option {
	return func(c *Client) { c.retry.Clock = clk }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client for cfg.Kwork.BaseURL
func NewClient(cfg *config.Config, sessions Sessions, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.Kwork.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.Kwork.BaseURL)
	}
	if sessions == nil {
		return nil, errors.New("transport requires a session core")
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Kwork.Timeout},
		base:       base,
		headers: map[string]string{
			"User-Agent":      cfg.Kwork.UserAgent,
			"Accept":          "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8",
			"Accept-Language": "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
			"Cache-Control":   "no-cache",
			"Pragma":          "no-cache",
			"Origin":          base.Scheme + "://" + base.Host,
		},
		sessions: sessions,
		retry:    retry.DefaultConfig(cfg.Transport.MaxRetries),
		markers:  cfg.Auth.LoginMarkers,
	}
	if cfg.Transport.GlobalRPS > 0 {
		burst := cfg.Transport.GlobalBurst
		if burst < 1 {
			burst = 1
		}
		c.global = rate.NewLimiter(rate.Limit(cfg.Transport.GlobalRPS), burst)
	}
	if len(c.markers) == 0 {
		c.markers = auth.DefaultLoginMarkers
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.ForComponent(c.logger, "transport")
	c.retry.Logger = c.logger

	// redirects are inspected for login bounces, never followed
	hc := *c.httpClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	c.httpClient = &hc
	return c, nil
}

// SetHeader sets a header sent with every request
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// Do admits req through the session core and sends it. A response showing
// the session is no longer valid marks it expired and returns a
// SessionExpired rejection; the next Do logs in again.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	rc, err := c.sessions.Prepare(ctx, req.AccountID, req.Tier, method)
	if err != nil {
		return nil, err
	}

	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	attempts := 0
	resp, err := retry.DoWithResult(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		attempts++
		return c.send(ctx, rc, target, req)
	})
	if err != nil {
		return nil, err
	}
	resp.Attempts = attempts
	if err := c.inspect(ctx, rc, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) resolve(req Request) (string, error) {
	target, err := c.base.Parse(req.Path)
	if err != nil {
		return "", &errs.TransportError{Type: errs.ErrorTypeUnknown, Message: fmt.Sprintf("invalid path %q: %v", req.Path, err)}
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	return target.String(), nil
}

// send performs one attempt
func (c *Client) send(ctx context.Context, rc *executor.RequestContext, target string, req Request) (*Response, error) {
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return nil, errs.Canceled(rc.AccountID, err)
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, rc.Method, target, body)
	if err != nil {
		return nil, &errs.TransportError{Type: errs.ErrorTypeUnknown, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	for key, value := range c.headers {
		if value != "" {
			httpReq.Header.Set(key, value)
		}
	}
	for key, values := range req.Header {
		httpReq.Header[key] = values
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	rc.Apply(httpReq)

	start := time.Now()
	log := c.logger.WithFields(map[string]interface{}{
		"request_id": rc.ID,
		"account_id": rc.AccountID,
		"method":     rc.Method,
		"url":        target,
	})
	log.Debug("Sending HTTP request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Canceled(rc.AccountID, ctx.Err())
		}
		log.WithError(err).Warn("HTTP request failed")
		return nil, &errs.TransportError{Type: errs.ErrorTypeNetwork, Message: fmt.Sprintf("network error: %v", err)}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, &errs.TransportError{Type: errs.ErrorTypeNetwork, Message: fmt.Sprintf("failed to read response body: %v", err), Code: httpResp.StatusCode}
	}

	log.DebugWithFields("HTTP request completed", map[string]interface{}{
		"status":   httpResp.StatusCode,
		"duration": time.Since(start),
	})

	resp := &Response{
		RequestID:  rc.ID,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}
	if httpResp.StatusCode >= 500 {
		return nil, &errs.TransportError{
			Type:    errs.ErrorTypeServerError,
			Message: fmt.Sprintf("server returned status %d", httpResp.StatusCode),
			Code:    httpResp.StatusCode,
		}
	}
	if httpResp.StatusCode < 300 {
		c.merge(rc, httpResp, data)
	}
	return resp, nil
}

// merge folds Set-Cookie values and a fresh CSRF token into the session
func (c *Client) merge(rc *executor.RequestContext, httpResp *http.Response, body []byte) {
	cookies := models.FromHTTP(httpResp.Cookies())
	var csrf string
	if strings.Contains(httpResp.Header.Get("Content-Type"), "html") {
		csrf = auth.ExtractCSRFToken(bytes.NewReader(body))
	}
	c.sessions.MergeResponse(rc.AccountID, cookies, csrf)
}

// inspect turns a completed response into an error when it shows an
// invalid session or a client error.
func (c *Client) inspect(ctx context.Context, rc *executor.RequestContext, resp *Response) error {
	reason := ""
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		reason = "unauthorized"
	case resp.StatusCode >= 300 && resp.StatusCode < 400 && auth.IsLoginRedirect(resp.Header.Get("Location")):
		reason = "redirect to login"
	case resp.StatusCode == http.StatusOK && auth.IsLoginPage(resp.Body, c.markers):
		reason = "login page"
	}
	if reason != "" {
		c.logger.WarnWithFields("Session rejected by server", map[string]interface{}{
			"request_id": rc.ID,
			"account_id": rc.AccountID,
			"reason":     reason,
		})
		c.sessions.MarkExpired(ctx, rc.AccountID, rc.Generation, reason)
		return errs.SessionExpired(rc.AccountID, reason)
	}

	if resp.StatusCode >= 400 {
		return &errs.TransportError{
			Type:    errs.ClassifyStatus(resp.StatusCode),
			Message: http.StatusText(resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}
	return nil
}
