package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/config"
	"warden.dev/internal/httpapi"
	"warden.dev/internal/mail"
	"warden.dev/internal/store/memory"
	"warden.dev/internal/store/pg"
	"warden.dev/internal/throttle"
)

// resetAttempts caps password reset requests per client IP and login window.
const resetAttempts = 5

type deps struct {
	services     httpapi.Services
	ready        map[string]httpapi.Pinger
	resetLimiter auth.Throttle
	closers      []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func (d *deps) httpOptions(cfg config.Config, logger *zap.Logger) []httpapi.Option {
	opts := []httpapi.Option{
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithAudit(audit.New(logger)),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithRateLimiter(throttle.NewLocal(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)),
		httpapi.WithResetLimiter(d.resetLimiter),
	}
	for name, p := range d.ready {
		opts = append(opts, httpapi.WithReadiness(name, p))
	}
	return opts
}

type store interface {
	auth.Store
	httpapi.Pinger
}

// wire builds the store, throttles, mail publisher and domain services.
func wire(ctx context.Context, cfg config.Config, logger *zap.Logger) (*deps, error) {
	d := &deps{ready: map[string]httpapi.Pinger{}}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	var st store
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		st = memory.New()
	default:
		pgStore, err := pg.Open(cfg.Database.URL, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		d.closers = append(d.closers, pgStore.Close)
		if err := pgStore.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		st = pgStore
	}
	d.ready["database"] = st

	var loginThrottle auth.Throttle
	if cfg.Redis.Addr != "" {
		client := throttle.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		d.closers = append(d.closers, client.Close)
		loginThrottle = throttle.NewRedis(client, "warden:login", cfg.Auth.LoginAttempts, cfg.Auth.LoginWindow)
		resets := throttle.NewRedis(client, "warden:reset", resetAttempts, cfg.Auth.LoginWindow)
		d.resetLimiter = resets
		d.ready["redis"] = resets
	} else {
		loginThrottle = throttle.NewLocalWindow(cfg.Auth.LoginAttempts, cfg.Auth.LoginWindow)
		d.resetLimiter = throttle.NewLocalWindow(resetAttempts, cfg.Auth.LoginWindow)
	}

	var mailer mail.Enqueuer
	if cfg.RabbitMQ.URL != "" {
		broker, err := mail.Dial(ctx, mail.BrokerConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			MaxRetries: cfg.RabbitMQ.MaxRetries,
		}, logger.Named("rabbitmq"))
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, broker.Close)
		d.ready["rabbitmq"] = broker
		mailer = broker
	} else {
		logger.Warn("rabbitmq not configured, mail jobs are only logged")
		mailer = mail.LogEnqueuer{Log: logger.Named("mail")}
	}

	tokens, err := auth.NewTokenService(cfg.TokenConfig())
	if err != nil {
		return nil, err
	}
	hasher := auth.NewBcryptHasher(cfg.Auth.BcryptCost)
	gate := auth.NewGate(tokens, st, st)
	rbac := auth.NewRBACService(st)
	if _, err := rbac.EnsureBuiltins(ctx); err != nil {
		return nil, fmt.Errorf("seed builtins: %w", err)
	}

	accounts, err := auth.NewAccountService(st, tokens, gate,
		auth.WithHasher(hasher),
		auth.WithMailer(mailer),
		auth.WithLoginThrottle(loginThrottle),
		auth.WithLogger(logger.Named("accounts")),
		auth.WithFrontendURL(cfg.Auth.FrontendURL),
	)
	if err != nil {
		return nil, err
	}
	resets, err := auth.NewResetService(st, st, mailer, cfg.ResetConfig(), auth.WithResetHasher(hasher))
	if err != nil {
		return nil, err
	}

	d.services = httpapi.Services{Accounts: accounts, Resets: resets, RBAC: rbac, Gate: gate}
	ok = true
	return d, nil
}
