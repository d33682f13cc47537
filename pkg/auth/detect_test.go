package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLoginPage(t *testing.T) {
	login := []byte(`<form ID="login-form" action="/login"><input name="password"></form>`)
	dashboard := []byte(`<a href="/logout">Выйти</a>`)

	assert.True(t, IsLoginPage(login, nil))
	assert.False(t, IsLoginPage(dashboard, nil))
	assert.True(t, IsLoginPage(dashboard, []string{"ВЫЙТИ"}), "custom markers, case-insensitive")
	assert.False(t, IsLoginPage(login, []string{""}))
}

func TestIsLoginRedirect(t *testing.T) {
	assert.True(t, IsLoginRedirect("/login"))
	assert.True(t, IsLoginRedirect("https://kwork.ru/login?back=/inbox"))
	assert.False(t, IsLoginRedirect("/inbox"))
	assert.False(t, IsLoginRedirect(""))
}

func TestExtractCSRFToken(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"meta", `<head><meta name="csrf-token" content="meta-tok"></head><input name="_token" value="input-tok">`, "meta-tok"},
		{"hidden _token", `<form><input type="hidden" name="_token" value="input-tok"></form>`, "input-tok"},
		{"csrf_token input", `<input name="csrf_token" value="alt-tok">`, "alt-tok"},
		{"empty meta falls through", `<meta name="csrf-token" content=""><input name="_token" value="x">`, "x"},
		{"none", `<p>nothing</p>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCSRFToken(strings.NewReader(tt.html)))
		})
	}
}
