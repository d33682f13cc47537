package cookiestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore keeps one JSON record per account in the OS keychain
type KeyringStore struct {
	service string
}

// NewKeyringStore checks that the keychain is usable and returns a store
// under service.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if service == "" {
		service = "kworkgate"
	}

	const probe = "availability_probe"
	if err := keyring.Set(service, probe, "ok"); err != nil {
		return nil, fmt.Errorf("%w: keyring: %v", ErrUnavailable, err)
	}
	_ = keyring.Delete(service, probe)

	return &KeyringStore{service: service}, nil
}

func (k *KeyringStore) key(accountID string) string {
	return "cookies_" + accountID
}

func (k *KeyringStore) Save(_ context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := keyring.Set(k.service, k.key(rec.AccountID), string(data)); err != nil {
		return fmt.Errorf("failed to store in keyring: %w", err)
	}
	return nil
}

func (k *KeyringStore) Load(_ context.Context, accountID string) (*Record, error) {
	data, err := keyring.Get(k.service, k.key(accountID))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (k *KeyringStore) Delete(_ context.Context, accountID string) error {
	err := keyring.Delete(k.service, k.key(accountID))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return nil
}
