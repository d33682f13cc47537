package cookiestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	iterations = 100000

	// PassphraseEnv overrides the generated passphrase file
	PassphraseEnv = "KWORKGATE_PASSPHRASE"
)

// EncryptedFileStore keeps all records in one AES-GCM encrypted file. The
// key is derived with PBKDF2 from a passphrase taken from PassphraseEnv or
// from a generated .passphrase file next to the store.
type EncryptedFileStore struct {
	path       string
	passphrase string
	mu         sync.Mutex
}

// envelope is the on-disk layout
type envelope struct {
	Version   int       `json:"version"`
	Salt      string    `json:"salt"`
	Encrypted string    `json:"encrypted"`
	Modified  time.Time `json:"modified"`
}

// FileOption configures an EncryptedFileStore
type FileOption func(*EncryptedFileStore)

// WithPassphrase sets the passphrase explicitly
func WithPassphrase(p string) FileOption {
	return func(e *EncryptedFileStore) { e.passphrase = p }
}

// NewEncryptedFileStore opens (without reading) the store at path
func NewEncryptedFileStore(path string, opts ...FileOption) (*EncryptedFileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &EncryptedFileStore{path: path}
	for _, opt := range opts {
		opt(store)
	}

	if store.passphrase == "" {
		passphrase, err := loadOrCreatePassphrase(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to get passphrase: %w", err)
		}
		store.passphrase = passphrase
	}
	return store, nil
}

func (e *EncryptedFileStore) Save(_ context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	records, salt, err := e.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load existing records: %w", err)
	}
	if records == nil {
		records = make(map[string]*Record)
	}
	records[rec.AccountID] = rec.clone()
	return e.write(records, salt)
}

func (e *EncryptedFileStore) Load(_ context.Context, accountID string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, _, err := e.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	rec, ok := records[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (e *EncryptedFileStore) Delete(_ context.Context, accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, salt, err := e.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load records: %w", err)
	}
	if _, ok := records[accountID]; !ok {
		return nil
	}

	delete(records, accountID)
	if len(records) == 0 {
		return os.Remove(e.path)
	}
	return e.write(records, salt)
}

// read decrypts the file. The returned salt is nil when the file is missing.
func (e *EncryptedFileStore) read() (map[string]*Record, []byte, error) {
	content, err := os.ReadFile(e.path)
	if err != nil {
		return nil, nil, err
	}

	var env envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to parse file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode encrypted data: %w", err)
	}

	key := pbkdf2.Key([]byte(e.passphrase), salt, iterations, keySize, sha256.New)
	plaintext, err := decrypt(ciphertext, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt records: %w", err)
	}

	var records map[string]*Record
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, nil, fmt.Errorf("failed to parse records: %w", err)
	}
	return records, salt, nil
}

func (e *EncryptedFileStore) write(records map[string]*Record, salt []byte) error {
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	plaintext, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	key := pbkdf2.Key([]byte(e.passphrase), salt, iterations, keySize, sha256.New)
	ciphertext, err := encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt records: %w", err)
	}

	content, err := json.MarshalIndent(envelope{
		Version:   1,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		Modified:  time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return os.Rename(tmp, e.path)
}

func loadOrCreatePassphrase(dir string) (string, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return pass, nil
	}

	path := filepath.Join(dir, ".passphrase")
	if content, err := os.ReadFile(path); err == nil && len(content) > 0 {
		return string(content), nil
	}

	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	passphrase := base64.URLEncoding.EncodeToString(b)

	if err := os.WriteFile(path, []byte(passphrase), 0600); err != nil {
		return "", fmt.Errorf("failed to save passphrase: %w", err)
	}
	return passphrase, nil
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
