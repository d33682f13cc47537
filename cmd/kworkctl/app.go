package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kworkgate/internal/warmup"
	"kworkgate/pkg/accounts"
	"kworkgate/pkg/auth"
	"kworkgate/pkg/cookiestore"
	errs "kworkgate/pkg/errors"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/pool"
	"kworkgate/pkg/ratelimit"
	"kworkgate/pkg/secrets"
	"kworkgate/pkg/transport"
)

const warmupWorkers = 4

// app is the wired session core for one CLI invocation
type app struct {
	log      logger.Logger
	registry *accounts.Registry
	resolver *secrets.Resolver
	manager  *pool.Manager
	client   *transport.Client
	stats    *redis.Client
}

// newApp wires the pool from cfg, registers every enabled account and
// restores their persisted cookies.
func newApp(ctx context.Context) (*app, error) {
	a := &app{log: logger.ForComponent(nil, "kworkctl")}

	registry, err := accounts.Open(cfg.Accounts.Path)
	if err != nil {
		return nil, err
	}
	a.registry = registry
	a.resolver = secrets.NewResolver()

	gateway, err := auth.NewGateway(cfg, a.resolver, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create login gateway: %w", err)
	}
	persist, err := cookiestore.Open(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to open cookie store: %w", err)
	}

	opts := []pool.Option{pool.WithPersistence(persist), pool.WithLogger(a.log)}
	if cfg.Stats.Enabled {
		a.stats = redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.Redis.Addr,
			Password: cfg.Stats.Redis.Password,
			DB:       cfg.Stats.Redis.DB,
		})
		opts = append(opts, pool.WithRecorder(ratelimit.NewRedisRecorder(a.stats,
			ratelimit.WithRedisPrefix(cfg.Stats.Redis.Prefix))))
	}

	// rate budgets live in this process only and start full on every run
	a.manager, err = pool.New(cfg, gateway, opts...)
	if err != nil {
		return nil, err
	}
	a.client, err = transport.NewClient(cfg, a.manager, transport.WithLogger(a.log))
	if err != nil {
		_ = a.close()
		return nil, err
	}

	if err := a.register(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) register(ctx context.Context) error {
	list, err := a.registry.List(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(list))
	for _, acc := range list {
		if acc.Disabled {
			continue
		}
		if _, err := a.manager.GetOrCreate(acc.ID, acc.Login, acc.CredentialRef); err != nil {
			return err
		}
		ids = append(ids, acc.ID)
	}

	def, err := a.registry.Default(ctx)
	if err != nil {
		return err
	}
	if def == "" {
		def = cfg.Accounts.Default
	}
	if def != "" {
		if err := a.manager.SetActive(def); err != nil {
			a.log.WithError(err).Warn("Default account is not registered")
		}
	}

	summary := warmup.Run(ctx, a.manager, ids, warmupWorkers, warmup.WithLogger(a.log))
	if err := summary.Err(); err != nil {
		a.log.WithError(err).Warn("Some sessions could not be restored")
	}
	return nil
}

// account resolves an explicit id or falls back to the active account
func (a *app) account(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		if _, err := a.manager.Handle(args[0]); err != nil {
			return "", err
		}
		return args[0], nil
	}
	h, err := a.manager.Active()
	if err != nil {
		return "", fmt.Errorf("%w; pass an account id or run 'kworkctl use <id>'", err)
	}
	return h.AccountID(), nil
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errList []error
	if a.manager != nil {
		errList = append(errList, a.manager.Close(ctx))
	}
	if a.stats != nil {
		errList = append(errList, a.stats.Close())
	}
	return errors.Join(errList...)
}

// withApp runs fn against a wired app and closes it afterwards
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.close(); err != nil {
		a.log.WithError(err).Warn("Shutdown was not clean")
	}
	return runErr
}

// describe renders an error for the terminal, spelling out rejections
func describe(err error) string {
	rej, ok := errs.AsRejection(err)
	if !ok {
		return err.Error()
	}
	switch {
	case rej.Reason == errs.ReasonRateLimitExceeded, rej.Reason == errs.ReasonRateLimited:
		return fmt.Sprintf("%s: tier %q exhausted, retry in %s", rej.AccountID, rej.Tier, rej.RetryAfter.Round(time.Second))
	case errs.NeedsForcedLogin(rej.Reason):
		return fmt.Sprintf("%s (try: kworkctl login %s --force)", rej.Error(), rej.AccountID)
	default:
		return rej.Error()
	}
}
