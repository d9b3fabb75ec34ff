package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/draftline-labs/draftline-go/internal/flags"
	"github.com/draftline-labs/draftline-go/internal/lint"
	"github.com/draftline-labs/draftline-go/internal/platform/auditlog"
	"github.com/draftline-labs/draftline-go/internal/platform/auth"
	"github.com/draftline-labs/draftline-go/internal/platform/env"
	"github.com/draftline-labs/draftline-go/internal/platform/httpserver"
	"github.com/draftline-labs/draftline-go/internal/platform/objectstore"
	"github.com/draftline-labs/draftline-go/internal/platform/postgres"
	"github.com/draftline-labs/draftline-go/internal/provider"
	repopg "github.com/draftline-labs/draftline-go/internal/repo/postgres"
	"github.com/draftline-labs/draftline-go/internal/service/dispatch"
	"github.com/draftline-labs/draftline-go/internal/service/reports"
	"github.com/draftline-labs/draftline-go/internal/shadow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("DRAFTLINE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("DRAFTLINE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	providerCfg, err := provider.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid provider config", "error", err)
		os.Exit(2)
	}

	policy := lint.DefaultPolicy()
	if policyPath := strings.TrimSpace(env.String("DRAFTLINE_POLICY_FILE", "")); policyPath != "" {
		raw, err := os.ReadFile(policyPath)
		if err != nil {
			logger.Error("read policy file failed", "path", policyPath, "error", err)
			os.Exit(2)
		}
		policy, err = lint.ParsePolicy(raw)
		if err != nil {
			logger.Error("invalid policy file", "path", policyPath, "error", err)
			os.Exit(2)
		}
	}
	threshold, err := env.Float("DRAFTLINE_SIMILARITY_THRESHOLD", policy.Similarity.Threshold)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	policy.Similarity.Threshold = threshold
	analyzer := lint.NewAnalyzer(policy)

	runs := repopg.NewFrameworkRunStore(db)
	dispatcher := dispatch.NewService(logger, runs, flags.FromEnv)
	strategy := newProviderStrategy(providerCfg)
	archiver := reports.NewArchiver(logger, storeClient, storeCfg)

	shadowCfg, err := shadow.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid shadow config", "error", err)
		os.Exit(2)
	}
	runner, err := shadow.NewRunner(logger, dispatcher, strategy, analyzer, runs, archiver, shadowCfg)
	if err != nil {
		logger.Error("shadow runner init failed", "error", err)
		os.Exit(2)
	}
	runner.Start(ctx)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	var authenticator auth.Authenticator
	var oidcService *auth.OIDCService
	switch authCfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeOIDC:
		svc, err := auth.NewOIDCService(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
		oidcService = svc
		authenticator = svc
	case auth.ModeDisabled:
		authenticator = nil
	default:
		logger.Error("unsupported auth mode", "mode", authCfg.Mode)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("frameworks"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"frameworks",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	if oidcService != nil {
		mux.HandleFunc("/auth/logout", oidcService.LogoutHandler())
		mux.HandleFunc("/auth/session", oidcService.SessionHandler())
		if err := authCfg.ValidateForLogin(); err == nil {
			login, err := oidcService.LoginHandler()
			if err != nil {
				logger.Error("oidc login handler init failed", "error", err)
				os.Exit(2)
			}
			callback, err := oidcService.CallbackHandler()
			if err != nil {
				logger.Error("oidc callback handler init failed", "error", err)
				os.Exit(2)
			}
			mux.HandleFunc("/auth/login", login)
			mux.HandleFunc("/auth/callback", callback)
		}
	}

	api := newFrameworksAPI(logger, db, runs, dispatcher, strategy, runner, analyzer, flags.FromEnv)
	api.register(mux)

	validate, err := newOpenAPIMiddleware(logger)
	if err != nil {
		logger.Error("openapi contract init failed", "error", err)
		os.Exit(2)
	}

	var handler http.Handler = validate(mux)
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.InsertAuthDeny(auditCtx, db, "frameworks", event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz", "/auth/"},
		}.Wrap(handler)
	}

	cfg := httpserver.Config{
		Service:         "frameworks",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "frameworks", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
