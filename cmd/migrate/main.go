package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"warden.dev/internal/auth"
	"warden.dev/internal/config"
	"warden.dev/internal/obs"
	"warden.dev/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		configPath    = flag.String("config", "", "path to a config file (optional)")
		dsn           = flag.String("dsn", "", "PostgreSQL URL, overrides database.url")
		adminEmail    = flag.String("admin-email", "", "seed: create a superuser with this email")
		adminPassword = flag.String("admin-password", os.Getenv("WARDEN_ADMIN_PASSWORD"), "seed: superuser password")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|version|seed]")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dsn != "" {
		cfg.Database.URL = *dsn
	}
	if cfg.Database.URL == "" {
		log.Fatal("missing database url: provide -dsn or WARDEN_DATABASE_URL")
	}

	logger, err := obs.NewLogger(cfg.Env, cfg.LogLevel, "warden-migrate")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "up", "down", "version":
		err = migrate(flag.Arg(0), cfg.Database.URL, logger)
	case "seed":
		err = seed(ctx, cfg, *adminEmail, *adminPassword, logger)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		logger.Error("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		os.Exit(1)
	}
}

func migrate(cmd, url string, logger *zap.Logger) (err error) {
	m, err := pg.NewMigrator(url, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, m.Close()) }()

	switch cmd {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	default:
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d dirty=%t\n", version, dirty)
		return nil
	}
}

// seed installs the builtin permissions and default role, and optionally a
// superuser. Re-running it is safe.
func seed(ctx context.Context, cfg config.Config, email, password string, logger *zap.Logger) error {
	store, err := pg.Open(cfg.Database.URL, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return err
	}
	defer store.Close()

	role, err := auth.NewRBACService(store).EnsureBuiltins(ctx)
	if err != nil {
		return err
	}
	logger.Info("builtins ensured", zap.Int("permissions", len(auth.BuiltinPermissions)), zap.String("default_role", role.Name))

	if email == "" {
		return nil
	}
	email, err = auth.NormalizeEmail(email)
	if err != nil {
		return err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return err
	}
	hash, err := auth.NewBcryptHasher(cfg.Auth.BcryptCost).Hash(password)
	if err != nil {
		return err
	}
	user, err := store.CreateUser(ctx, auth.NewUser{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Admin",
		IsActive:     true,
		IsSuperuser:  true,
		IsVerified:   true,
	})
	if errors.Is(err, auth.ErrConflict) {
		logger.Info("superuser already exists", zap.String("email", email))
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("superuser created", zap.String("user_id", user.ID), zap.String("email", user.Email))
	return nil
}
