package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"warden.dev/internal/auth"
	"warden.dev/internal/config"
	"warden.dev/internal/grpcapi"
	"warden.dev/internal/httpapi"
	"warden.dev/internal/obs"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		if errors.Is(err, auth.ErrConfig) {
			fmt.Fprintf(os.Stderr, "warden-api: invalid configuration: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "warden-api: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := obs.NewLogger(cfg.Env, cfg.LogLevel, "warden-api")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	api := httpapi.New(deps.services, obs.Version, deps.httpOptions(cfg, logger)...)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	httpLis, grpcLis, err := bindListeners(cfg.HTTP.Addr, cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", httpLis.Addr().String()), zap.String("version", obs.Version))
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var (
		grpcServer *grpc.Server
		healthSrv  *health.Server
	)
	if grpcLis != nil {
		grpcServer, healthSrv = grpcapi.NewGRPCServer(grpcapi.New(deps.services.Gate, logger), logger.Named("grpc"))
		go func() {
			logger.Info("grpc listening", zap.String("addr", grpcLis.Addr().String()))
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server failed", zap.Error(serveErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if healthSrv != nil {
		healthSrv.Shutdown()
	}
	if grpcServer != nil {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("stopped")
	return serveErr
}

// bindListeners opens every listener before anything serves, so a taken port
// fails startup without leaving the other server running. grpcLis is nil when
// grpcAddr is empty.
func bindListeners(httpAddr, grpcAddr string) (httpLis, grpcLis net.Listener, err error) {
	if grpcAddr != "" {
		grpcLis, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("grpc listen %s: %w", grpcAddr, err)
		}
	}
	httpLis, err = net.Listen("tcp", httpAddr)
	if err != nil {
		if grpcLis != nil {
			_ = grpcLis.Close()
		}
		return nil, nil, fmt.Errorf("http listen %s: %w", httpAddr, err)
	}
	return httpLis, grpcLis, nil
}
