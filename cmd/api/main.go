package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/config"
	"healthgate.org/internal/httpapi"
	"healthgate.org/internal/identity"
	"healthgate.org/internal/obs"
	"healthgate.org/internal/pii"
	"healthgate.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger, err := obs.NewLogger(cfg.Log.Level)
	if err != nil {
		obs.Logger().Fatal("build logger", zap.Error(err))
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("healthgate stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = store.Ping(ctx)
	cancel()
	if err != nil {
		return err
	}

	trail, err := audit.NewTrail(store, audit.WithQueueSize(cfg.Audit.QueueSize), audit.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Audit.DrainTimeout)
		defer cancel()
		if err := trail.Close(ctx); err != nil {
			logger.Error("audit trail drain incomplete", zap.Error(err))
		}
	}()

	catalog, err := auth.NewRoleCatalog(store, trail)
	if err != nil {
		return err
	}
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = catalog.SeedSystemRoles(ctx)
	cancel()
	if err != nil {
		return err
	}

	resolver, err := auth.NewOwnershipResolver(store)
	if err != nil {
		return err
	}
	authz, err := auth.NewAuthorizer(resolver)
	if err != nil {
		return err
	}
	roles, err := auth.NewRoleManager(store, authz, trail, auth.WithLogger(logger))
	if err != nil {
		return err
	}
	tokens, err := identity.NewVerifier(cfg.Security.JWTSecret,
		identity.WithIssuer(cfg.Security.JWTIssuer),
		identity.WithTTL(cfg.Security.TokenTTL),
		identity.WithPermissionSource(roles),
	)
	if err != nil {
		return err
	}

	protector := pii.NewFromEncodedKey(cfg.Security.FieldKey, pii.PatientPolicy, pii.WithLogger(logger))
	if !protector.Ready() {
		logger.Warn("field encryption key missing or invalid; protected fields will fail closed")
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Tokens:    tokens,
		Authz:     authz,
		Roles:     roles,
		Catalog:   catalog,
		Protector: protector,
		Patients:  store,
		Audit:     trail,
		Ready:     store,
		Version:   version,
	},
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithTrustedProxies(proxies),
		httpapi.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting healthgate", zap.String("version", version), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	logger.Info("shutting down")
	ctx, cancel = context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
