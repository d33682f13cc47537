package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"kworkgate/pkg/config"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/pacing"
	"kworkgate/pkg/secrets"
)

const maxPageSize = 2 << 20

var (
	successIndicators = []string{"logout", "выйти", "profile", "профиль", "dashboard", "personal"}
	errorIndicators   = []string{"error", "ошибка", "неверный", "invalid", "incorrect"}
)

// FormConfig configures a FormGateway
type FormConfig struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	LoginMarkers []string
	// ThinkTime bounds the pause between loading the form and submitting it
	ThinkTime config.PacingConfig
}

// FormGateway logs in through the site's HTML login form
type FormGateway struct {
	cfg      FormConfig
	base     *url.URL
	resolver *secrets.Resolver
	think    *pacing.Pacer
	logger   logger.Logger

	// newClient is replaced in tests
	newClient func(jar http.CookieJar) *http.Client
}

// NewFormGateway creates a FormGateway. A zero ThinkTime means 2-4s.
func NewFormGateway(cfg FormConfig, resolver *secrets.Resolver, log logger.Logger) (*FormGateway, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if resolver == nil {
		resolver = secrets.NewResolver()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if len(cfg.LoginMarkers) == 0 {
		cfg.LoginMarkers = DefaultLoginMarkers
	}
	if cfg.ThinkTime == (config.PacingConfig{}) {
		cfg.ThinkTime = config.PacingConfig{MinDelay: 2 * time.Second, MaxDelay: 4 * time.Second}
	}

	g := &FormGateway{
		cfg:      cfg,
		base:     base,
		resolver: resolver,
		think:    pacing.New(cfg.ThinkTime),
		logger:   logger.ForComponent(log, "auth.form"),
	}
	g.newClient = func(jar http.CookieJar) *http.Client {
		return &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout,
			// redirects are inspected, not followed
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return g, nil
}

// Login runs GET /login, extracts the CSRF token and posts the form
func (g *FormGateway) Login(ctx context.Context, loginHandle, credentialRef string) (*models.Credentials, error) {
	password, err := g.resolver.Resolve(ctx, credentialRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := g.newClient(jar)
	log := g.logger.WithField("login", loginHandle)

	page, status, _, err := g.do(ctx, client, http.MethodGet, "/login", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load login page: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to load login page: status %d", status)
	}
	loadedAt := time.Now()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}
	csrf := csrfFromDocument(doc)
	action := loginFormAction(doc)
	log.DebugWithFields("Loaded login form", map[string]interface{}{
		"action":   action,
		"has_csrf": csrf != "",
	})

	if _, err := g.think.Wait(ctx, loadedAt); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("login", loginHandle)
	form.Set("password", password)
	form.Set("remember", "1")
	if csrf != "" {
		form.Set("_token", csrf)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	headers.Set("Referer", g.base.ResolveReference(&url.URL{Path: "/login"}).String())

	body, status, location, err := g.do(ctx, client, http.MethodPost, action, strings.NewReader(form.Encode()), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to submit login form: %w", err)
	}

	ok, err := g.judge(ctx, client, status, location, body)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn("Login rejected")
		return nil, ErrInvalidCredentials
	}

	cookies := models.FromHTTP(jar.Cookies(g.base))
	if len(cookies) == 0 {
		return nil, ErrNoCookies
	}
	if fresh := ExtractCSRFToken(bytes.NewReader(body)); fresh != "" {
		csrf = fresh
	}

	log.InfoWithFields("Login succeeded", map[string]interface{}{
		"cookies": len(cookies),
	})
	return &models.Credentials{Cookies: cookies, CSRFToken: csrf}, nil
}

// judge decides whether the form submission logged us in
func (g *FormGateway) judge(ctx context.Context, client *http.Client, status int, location string, body []byte) (bool, error) {
	switch {
	case status >= 300 && status < 400:
		return !IsLoginRedirect(location), nil
	case status != http.StatusOK:
		return false, fmt.Errorf("login request failed: status %d", status)
	}

	if IsLoginPage(body, g.cfg.LoginMarkers) {
		return false, nil
	}
	lower := strings.ToLower(string(body))
	for _, s := range successIndicators {
		if strings.Contains(lower, s) {
			return true, nil
		}
	}
	for _, s := range errorIndicators {
		if strings.Contains(lower, s) {
			return false, nil
		}
	}

	// inconclusive page, ask for the profile
	profile, status, location, err := g.do(ctx, client, http.MethodGet, "/profile", nil, nil)
	if err != nil {
		return false, fmt.Errorf("failed to verify login: %w", err)
	}
	if status >= 300 && status < 400 {
		return !IsLoginRedirect(location), nil
	}
	return status == http.StatusOK && !IsLoginPage(profile, g.cfg.LoginMarkers), nil
}

func (g *FormGateway) do(ctx context.Context, client *http.Client, method, ref string, body io.Reader, headers http.Header) ([]byte, int, string, error) {
	target, err := g.base.Parse(ref)
	if err != nil {
		return nil, 0, "", fmt.Errorf("invalid path %q: %w", ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, 0, "", err
	}
	for k, vs := range headers {
		req.Header[k] = vs
	}
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, resp.Header.Get("Location"), nil
}
