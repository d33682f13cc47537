// Package accounts stores the list of managed accounts in a TOML file.
// Passwords never live here; each account names a credential reference
// resolved at login time.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"kworkgate/pkg/secrets"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".accounts-*.toml.tmp"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAccount  = errors.New("invalid account")
)

// Account is one registered platform account
type Account struct {
	ID            string
	Name          string
	Login         string
	CredentialRef string
	Disabled      bool
}

// Validate checks required fields and the credential reference syntax
func (a Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAccount)
	}
	if a.Login == "" {
		return fmt.Errorf("%w: %s: login is required", ErrInvalidAccount, a.ID)
	}
	if _, err := secrets.ParseRef(a.CredentialRef); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAccount, a.ID, err)
	}
	return nil
}

// Registry reads and writes the accounts file. A missing file is an empty
// registry.
type Registry struct {
	path string
	mu   sync.RWMutex
}

// Open returns a Registry for path
func Open(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("accounts path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts path: %w", err)
	}
	return &Registry{path: filepath.Clean(abs)}, nil
}

func (r *Registry) Path() string { return r.path }

// List returns every account in file order
func (r *Registry) List(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(file.Accounts))
	for _, entry := range file.Accounts {
		out = append(out, fromSchema(entry))
	}
	return out, nil
}

// Get returns the account with id
func (r *Registry) Get(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return Account{}, err
	}
	for _, entry := range file.Accounts {
		if entry.ID == id {
			return fromSchema(entry), nil
		}
	}
	return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
}

// Save inserts or replaces an account
func (r *Registry) Save(ctx context.Context, account Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	return r.update(ctx, func(file *fileSchema) error {
		encoded := toSchema(account)
		for i := range file.Accounts {
			if file.Accounts[i].ID == encoded.ID {
				file.Accounts[i] = encoded
				return nil
			}
		}
		file.Accounts = append(file.Accounts, encoded)
		return nil
	})
}

// Delete removes an account and clears the default if it pointed there
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.update(ctx, func(file *fileSchema) error {
		for i := range file.Accounts {
			if file.Accounts[i].ID == id {
				file.Accounts = append(file.Accounts[:i], file.Accounts[i+1:]...)
				if file.Default == id {
					file.Default = ""
				}
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	})
}

// Default returns the id of the default account, empty when unset
func (r *Registry) Default(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return "", err
	}
	return file.Default, nil
}

// SetDefault records id as the default account
func (r *Registry) SetDefault(ctx context.Context, id string) error {
	return r.update(ctx, func(file *fileSchema) error {
		for _, entry := range file.Accounts {
			if entry.ID == id {
				file.Default = id
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	})
}

func (r *Registry) update(ctx context.Context, fn func(*fileSchema) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}
	if err := fn(&file); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.writeSchema(file)
}

func (r *Registry) readSchema() (fileSchema, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{Version: currentSchemaVersion}, nil
		}
		return fileSchema{}, fmt.Errorf("read accounts file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode accounts file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()
	return file, nil
}

func (r *Registry) writeSchema(file fileSchema) error {
	file.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(r.path), dirMode); err != nil {
		return fmt.Errorf("create accounts directory: %w", err)
	}
	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp accounts file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	cleanup = false
	return nil
}
