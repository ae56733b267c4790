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

	"oncall.org/internal/audit"
	"oncall.org/internal/auth"
	"oncall.org/internal/config"
	"oncall.org/internal/httpapi"
	"oncall.org/internal/notify"
	"oncall.org/internal/obs"
	"oncall.org/internal/oncall"
	"oncall.org/internal/pin"
	"oncall.org/internal/store/pg"
	"oncall.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const serviceName = "oncall-api"

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "oncall-api: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit, serviceName)

	store, err := pg.Open(cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = store.Close() }()

	hasher, err := pin.NewHasher(pin.Scheme(cfg.PinHashScheme), cfg.PinSalt)
	if err != nil {
		return err
	}

	var notifier oncall.Notifier = notify.Noop{}
	if cfg.TelepoURL != "" {
		t, err := notify.NewTelepo(cfg.TelepoURL, cfg.TelepoAPIKey, logger.Named("notify"))
		if err != nil {
			return err
		}
		notifier = t
	} else {
		logger.Warn("TELEPO_API_URL not set, status notifications disabled")
	}

	events := stream.New()
	engine, err := oncall.NewEngine(store, hasher,
		oncall.WithNotifier(notifier),
		oncall.WithLogger(logger.Named("engine")),
		oncall.WithTxTimeout(cfg.TxTimeout),
		oncall.WithNotifyTimeout(cfg.NotifyTimeout),
		oncall.WithAuditFallback(audit.Fallback()),
		oncall.WithListener(events.Listener()),
	)
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(cfg.SecretKey, cfg.TokenTTL)
	if err != nil {
		return err
	}
	admin, err := auth.NewAdmin(cfg.AdminUser, cfg.AdminPassword, cfg.AdminPasswordHash)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Config{
		Engine:          engine,
		Store:           store,
		Hasher:          hasher,
		Issuer:          issuer,
		Admin:           admin,
		Stream:          events,
		Logger:          logger.Named("http"),
		Version:         version,
		DefaultDivision: cfg.DefaultDivision,
		RateLimit:       cfg.RateLimit,
		RatePeriod:      cfg.RatePeriod,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := httpapi.NewHealthServer(store)
	gs := grpc.NewServer()
	health.Register(gs)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	go health.Run(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening",
			zap.String("addr", srv.Addr),
			zap.String("version", version),
			zap.String("app_mode", cfg.AppMode),
			zap.String("pin_scheme", string(hasher.Scheme())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	gs.GracefulStop()

	// In-flight notifications were detached from their requests; let them finish.
	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("notifications still pending at exit")
	}
	logger.Info("stopped")
	return err
}
