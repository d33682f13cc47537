// Package cookiestore persists per-account cookie sets between runs.
//
// A Record carries its own ExpiresAt. Backends return records as stored;
// the session store decides whether a loaded record is still usable and
// deletes it otherwise.
package cookiestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kworkgate/pkg/models"
)

var (
	ErrNotFound      = errors.New("cookie record not found")
	ErrInvalidRecord = errors.New("invalid cookie record")
	ErrUnavailable   = errors.New("cookie store unavailable")
)

// Record is the persisted form of an authenticated session
type Record struct {
	AccountID string         `json:"account_id"`
	Cookies   models.Cookies `json:"cookies"`
	CSRFToken string         `json:"csrf_token,omitempty"`
	SavedAt   time.Time      `json:"saved_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the record is stale at now
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r *Record) validate() error {
	if r == nil || r.AccountID == "" {
		return ErrInvalidRecord
	}
	if len(r.Cookies) == 0 {
		return fmt.Errorf("%w: no cookies for %s", ErrInvalidRecord, r.AccountID)
	}
	return nil
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Cookies = r.Cookies.Clone()
	return &cp
}

// Store is a cookie persistence backend keyed by account ID
type Store interface {
	Save(ctx context.Context, rec *Record) error
	// Load returns ErrNotFound when nothing is stored for accountID
	Load(ctx context.Context, accountID string) (*Record, error)
	// Delete is a no-op when nothing is stored
	Delete(ctx context.Context, accountID string) error
}

// Chain tries backends in order. Save stops at the first backend that
// accepts the record, Load at the first that has it, and Delete visits all.
type Chain struct {
	stores []Store
}

// NewChain creates a Chain over stores
func NewChain(stores ...Store) *Chain {
	return &Chain{stores: stores}
}

func (c *Chain) Save(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	var errs []error
	for _, s := range c.stores {
		err := s.Save(ctx, rec)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrUnavailable
	}
	return fmt.Errorf("failed to save cookies: %w", errors.Join(errs...))
}

func (c *Chain) Load(ctx context.Context, accountID string) (*Record, error) {
	var errs []error
	for _, s := range c.stores {
		rec, err := s.Load(ctx, accountID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to load cookies: %w", errors.Join(errs...))
	}
	return nil, ErrNotFound
}

func (c *Chain) Delete(ctx context.Context, accountID string) error {
	var errs []error
	for _, s := range c.stores {
		if err := s.Delete(ctx, accountID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
