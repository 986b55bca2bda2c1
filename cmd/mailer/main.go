package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"warden.dev/internal/config"
	"warden.dev/internal/mail"
	"warden.dev/internal/obs"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	metricsAddr := flag.String("metrics", ":9102", "address for /metrics, empty to disable")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "warden-mailer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.RabbitMQ.URL == "" {
		return errors.New("rabbitmq.url is required")
	}

	logger, err := obs.NewLogger(cfg.Env, cfg.LogLevel, "warden-mailer")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sender mail.Sender
	if cfg.SMTP.Host != "" {
		sender, err = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
			StartTLS: cfg.SMTP.StartTLS,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("smtp not configured, messages are only logged")
		sender = mail.LogSender{Log: logger.Named("mail")}
	}

	broker, err := mail.Dial(ctx, mail.BrokerConfig{
		URL:        cfg.RabbitMQ.URL,
		Queue:      cfg.RabbitMQ.Queue,
		MaxRetries: cfg.RabbitMQ.MaxRetries,
	}, logger.Named("rabbitmq"))
	if err != nil {
		return err
	}
	defer broker.Close()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: obs.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	worker := mail.NewWorker(broker, sender, logger.Named("worker"), cfg.Mail.MaxAttempts)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}
