// Package auth implements the login gateways that turn an account's login
// handle and credential reference into a fresh cookie set.
//
// The session core only sees the Gateway interface. FormGateway performs
// the site's HTML form login over HTTP; CommandGateway delegates to an
// external browser-automation helper.
package auth

import (
	"context"
	"errors"
	"fmt"

	"kworkgate/pkg/config"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/models"
	"kworkgate/pkg/secrets"
)

var (
	// ErrInvalidCredentials means the site rejected the login
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoCookies means the login looked successful but produced no session cookies
	ErrNoCookies = errors.New("login produced no cookies")
)

// Gateway performs one login attempt. It may take seconds or minutes and
// must honour ctx cancellation.
type Gateway interface {
	Login(ctx context.Context, loginHandle, credentialRef string) (*models.Credentials, error)
}

// GatewayFunc adapts a function to Gateway
type GatewayFunc func(ctx context.Context, loginHandle, credentialRef string) (*models.Credentials, error)

func (f GatewayFunc) Login(ctx context.Context, loginHandle, credentialRef string) (*models.Credentials, error) {
	return f(ctx, loginHandle, credentialRef)
}

// NewGateway builds the gateway selected in cfg.Auth
func NewGateway(cfg *config.Config, resolver *secrets.Resolver, log logger.Logger) (Gateway, error) {
	switch cfg.Auth.Gateway {
	case "form", "":
		return NewFormGateway(FormConfig{
			BaseURL:      cfg.Kwork.BaseURL,
			UserAgent:    cfg.Kwork.UserAgent,
			Timeout:      cfg.Auth.Timeout,
			LoginMarkers: cfg.Auth.LoginMarkers,
		}, resolver, log)
	case "command":
		return NewCommandGateway(CommandConfig{
			Path:    cfg.Auth.Command,
			Args:    cfg.Auth.Args,
			Timeout: cfg.Auth.Timeout,
		}, resolver, log)
	default:
		return nil, fmt.Errorf("unknown auth gateway %q", cfg.Auth.Gateway)
	}
}
