package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eduassist/eduassist/internal/audit"
	"github.com/eduassist/eduassist/internal/auth"
	"github.com/eduassist/eduassist/internal/authz"
	"github.com/eduassist/eduassist/internal/ratelimit"
	"github.com/eduassist/eduassist/internal/server"
	"github.com/eduassist/eduassist/internal/storage"
	"github.com/eduassist/eduassist/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("eduassist starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	metrics, err := telemetry.NewHTTPMetrics()
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()
	db.RegisterPoolMetrics()

	recorder := audit.NewRecorder(db, audit.Options{
		Disabled:     cfg.AuditDisabled,
		TrackedTypes: cfg.AuditTrackedTypes,
		WriteTimeout: cfg.AuditWriteTimeout,
		MaxAttempts:  cfg.AuditRetries,
		Logger:       logger,
	})
	if !recorder.Enabled() {
		logger.Warn("audit: disabled, no audit entries will be written")
	}

	gdb, err := db.OpenGorm(audit.NewPlugin(recorder))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	resolver := authz.NewResolver(authz.Config{
		Links:         db,
		Logger:        logger,
		FailOpenTypes: cfg.ScopeFailOpenTypes,
	})

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Store:               db,
		Gorm:                gdb,
		JWTMgr:              jwtMgr,
		Resolver:            resolver,
		Recorder:            recorder,
		Logger:              logger,
		Limiter:             limiter,
		Metrics:             metrics,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AuditAPIPrefixes:    cfg.AuditAPIPrefixes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("eduassist stopped")
	return nil
}
