package auth

import (
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultLoginMarkers are fragments that only appear on the login page
var DefaultLoginMarkers = []string{`name="password"`, `id="login-form"`, `action="/login"`}

// IsLoginPage reports whether body looks like the login page. Matching is
// case-insensitive.
func IsLoginPage(body []byte, markers []string) bool {
	if len(markers) == 0 {
		markers = DefaultLoginMarkers
	}
	lower := bytes.ToLower(body)
	for _, m := range markers {
		if m == "" {
			continue
		}
		if bytes.Contains(lower, []byte(strings.ToLower(m))) {
			return true
		}
	}
	return false
}

// IsLoginRedirect reports whether a Location header points at the login page
func IsLoginRedirect(location string) bool {
	if location == "" {
		return false
	}
	path := location
	if u, err := url.Parse(location); err == nil {
		path = u.Path
	}
	return strings.HasPrefix(path, "/login") || strings.Contains(path, "/login/")
}

// ExtractCSRFToken finds the CSRF token in an HTML page: the csrf-token meta
// tag first, then a _token or csrf_token hidden input.
func ExtractCSRFToken(r io.Reader) string {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return ""
	}
	return csrfFromDocument(doc)
}

func csrfFromDocument(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[name="csrf-token"]`).First().Attr("content"); ok && v != "" {
		return v
	}
	for _, sel := range []string{`input[name="_token"]`, `input[name="csrf_token"]`} {
		if v, ok := doc.Find(sel).First().Attr("value"); ok && v != "" {
			return v
		}
	}
	return ""
}

// loginFormAction returns the action of the login form, "/login" by default
func loginFormAction(doc *goquery.Document) string {
	form := doc.Find("form#login-form").First()
	if form.Length() == 0 {
		form = doc.Find(`form[class*="login"]`).First()
	}
	if action, ok := form.Attr("action"); ok && strings.TrimSpace(action) != "" {
		return strings.TrimSpace(action)
	}
	return "/login"
}
