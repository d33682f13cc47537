// Package secrets resolves credential references such as env://KWORK_PASS
// or keyring://kworkgate/alice into the password they point at. Accounts
// only ever carry the reference.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

var (
	ErrSecretNotFound  = errors.New("secret not found")
	ErrInvalidRef      = errors.New("invalid secret reference")
	ErrUnknownProvider = errors.New("unknown secret provider")
	ErrReadOnly        = errors.New("secret provider is read-only")
)

// Ref is a parsed "provider://path" reference
type Ref struct {
	Provider string
	Path     string
}

func (r Ref) String() string { return r.Provider + "://" + r.Path }

// ParseRef splits a reference into provider and path
func ParseRef(s string) (Ref, error) {
	provider, path, ok := strings.Cut(strings.TrimSpace(s), "://")
	if !ok || provider == "" || path == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Provider: strings.ToLower(provider), Path: path}, nil
}

// Provider reads secrets for one reference scheme
type Provider interface {
	Get(ctx context.Context, path string) (string, error)
}

// Writer is implemented by providers that can store secrets
type Writer interface {
	Put(ctx context.Context, path, value string) error
}

// Resolver dispatches references to providers by scheme
type Resolver struct {
	providers map[string]Provider
}

// Option configures a Resolver
type Option func(*Resolver)

// WithProvider registers p for scheme, replacing any default
func WithProvider(scheme string, p Provider) Option {
	return func(r *Resolver) { r.providers[strings.ToLower(scheme)] = p }
}

// NewResolver returns a resolver with the env and keyring schemes registered
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{providers: map[string]Provider{
		"env":     EnvProvider{},
		"keyring": KeyringProvider{},
	}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) provider(ref string) (Provider, Ref, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, Ref{}, err
	}
	p, ok := r.providers[parsed.Provider]
	if !ok {
		return nil, Ref{}, fmt.Errorf("%w: %s", ErrUnknownProvider, parsed.Provider)
	}
	return p, parsed, nil
}

// Resolve returns the secret ref points at
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, parsed, err := r.provider(ref)
	if err != nil {
		return "", err
	}

	value, err := p.Get(ctx, parsed.Path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", parsed, err)
	}
	return value, nil
}

// Put stores value under ref when its provider supports writing
func (r *Resolver) Put(ctx context.Context, ref, value string) error {
	p, parsed, err := r.provider(ref)
	if err != nil {
		return err
	}
	w, ok := p.(Writer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReadOnly, parsed.Provider)
	}
	return w.Put(ctx, parsed.Path, value)
}

// EnvProvider reads env://NAME from the process environment
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// KeyringProvider reads keyring://service/user from the OS keychain
type KeyringProvider struct{}

func splitKeyringPath(path string) (string, string, error) {
	service, user, ok := strings.Cut(path, "/")
	if !ok || service == "" || user == "" {
		return "", "", fmt.Errorf("%w: keyring path must be service/user", ErrInvalidRef)
	}
	return service, user, nil
}

func (KeyringProvider) Get(_ context.Context, path string) (string, error) {
	service, user, err := splitKeyringPath(path)
	if err != nil {
		return "", err
	}
	v, err := keyring.Get(service, user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", err
	}
	return v, nil
}

func (KeyringProvider) Put(_ context.Context, path, value string) error {
	service, user, err := splitKeyringPath(path)
	if err != nil {
		return err
	}
	return keyring.Set(service, user, value)
}

// MapProvider serves secrets from memory
type MapProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapProvider creates a MapProvider seeded with values
func NewMapProvider(values map[string]string) *MapProvider {
	m := &MapProvider{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MapProvider) Get(_ context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[path]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *MapProvider) Put(_ context.Context, path, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = value
	return nil
}
