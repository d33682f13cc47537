package cookiestore

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"kworkgate/pkg/config"
)

// Open builds the backend named by cfg.Backend. The keyring backend falls
// back to the encrypted file when no keychain is available.
func Open(cfg config.SessionConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return NewEncryptedFileStore(cfg.FilePath)
	case "keyring":
		file, err := NewEncryptedFileStore(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		kr, err := NewKeyringStore(cfg.KeyringService)
		if err != nil {
			return file, nil
		}
		return NewChain(kr, file), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(rdb, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
