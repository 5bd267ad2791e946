// Command toolgate runs the tool gateway: an authenticated MCP endpoint in
// front of the backend query service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canopyops/toolgate/backend"
	"github.com/canopyops/toolgate/internal/config"
	"github.com/canopyops/toolgate/internal/gateway"
	"github.com/canopyops/toolgate/internal/keyset"
	"github.com/canopyops/toolgate/internal/logctx"
	"github.com/canopyops/toolgate/internal/revocation"
	"github.com/canopyops/toolgate/internal/tokenverify"
	"github.com/canopyops/toolgate/sessions"
	"github.com/canopyops/toolgate/tools"
)

const serverName = "toolgate"

func main() {
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	})

	cfg, err := config.Load()
	if err != nil {
		// Startup validation failures, including a static key configured in
		// production, must never reach a serving listener.
		log.Error("config.invalid", slog.String("err", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("gateway.fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	checker := revocation.NewChecker(store, log)

	registry := sessions.NewRegistry(log)

	var backendOpts []backend.Option
	if cfg.StaticKeyEnabled && cfg.BackendStaticToken != "" {
		backendOpts = append(backendOpts, backend.WithStaticToken(cfg.BackendStaticToken))
	}
	client := backend.New(cfg.BackendURL, backendOpts...)

	gwOpts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithIssuer(cfg.Issuer),
		gateway.WithServerName(serverName),
		gateway.WithToolSet(toolSet()),
		gateway.WithSupportURLs(cfg.SupportURL, cfg.DocsURL),
	}
	if cfg.StaticKeyEnabled {
		gwOpts = append(gwOpts, gateway.WithStaticKey(cfg.StaticKey))
	}
	handler, err := gateway.New(cfg.PublicEndpoint, verifier, checker, registry, client, gwOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway.listen",
			slog.String("addr", cfg.ListenAddr),
			slog.String("endpoint", cfg.PublicEndpoint),
			slog.String("env", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("gateway.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway.shutdown.forced", slog.String("err", err.Error()))
	}
	registry.CleanupAll()
	return nil
}

// buildVerifier prefers a pinned JWKS URL and falls back to OIDC discovery
// against the issuer.
func buildVerifier(ctx context.Context, cfg *config.Config) (*tokenverify.Verifier, error) {
	ksOpts := []keyset.Option{keyset.WithTTL(cfg.KeySetTTL)}
	if cfg.JWKSURL != "" {
		return tokenverify.New(cfg.Issuer, keyset.New(cfg.JWKSURL, ksOpts...)), nil
	}
	return tokenverify.NewFromDiscovery(ctx, cfg.Issuer, ksOpts)
}

// buildStore selects the revocation store: Redis when configured, else the
// hot-reloading file store, else the in-memory store for local runs.
func buildStore(cfg *config.Config, log *slog.Logger) (revocation.Store, func(), error) {
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store, err := revocation.NewRedisStore(revocation.RedisConfig{Client: client})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	case cfg.RevocationFile != "":
		store, err := revocation.NewFileStore(cfg.RevocationFile, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return revocation.NewMemoryStore(), func() {}, nil
	}
}

type queryArgs struct {
	Query string `json:"query" jsonschema:"description=Query to run against the backend"`
}

type lookupArgs struct {
	ID string `json:"id" jsonschema:"description=Identifier of the record to fetch"`
}

// toolSet is the advertised tool surface. Execution happens on the backend;
// the gateway only gates names and forwards arguments.
func toolSet() *tools.Set {
	return tools.NewSet(
		tools.New[queryArgs]("run_query", "Run a read-only query against the backend"),
		tools.New[lookupArgs]("get_record", "Fetch a single record by id"),
	)
}
