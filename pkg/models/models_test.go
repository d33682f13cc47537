package models

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCookiesOrder(t *testing.T) {
	var c Cookies
	c = c.Set("sid", "1")
	c = c.Set("csrf", "2")
	c = c.Set("sid", "3")

	assert.Equal(t, []string{"sid", "csrf"}, c.Names())
	v, ok := c.Get("sid")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, "sid=3; csrf=2", c.Header())

	c = c.Delete("sid")
	assert.Equal(t, "csrf=2", c.Header())
	_, ok = c.Get("sid")
	assert.False(t, ok)
}

func TestCookiesClone(t *testing.T) {
	c := Cookies{{Name: "a", Value: "1"}}
	cp := c.Clone()
	cp.Set("a", "2")
	v, _ := c.Get("a")
	assert.Equal(t, "1", v)
	assert.Nil(t, Cookies(nil).Clone())
}

func TestFromHTTP(t *testing.T) {
	got := FromHTTP([]*http.Cookie{
		{Name: "sid", Value: "x"},
		{Name: "gone", Value: "", MaxAge: -1},
		nil,
		{Name: "sid", Value: "y"},
	})
	assert.Equal(t, Cookies{{Name: "sid", Value: "y"}}, got)
}
