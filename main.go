// Command guildsync keeps a Discord guild in step with the platform's groups.
// It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Opens the configured store (Postgres with migrations, MongoDB, or memory).
//   - Connects to Discord and selects the managed guild.
//   - Assigns group roles to members as they join the guild.
//   - Resumes unfinished provisioning in the background.
//   - Exposes /healthz, /readyz, /status, /metrics and the /admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/guildsync/chat"
	"github.com/onnwee/guildsync/config"
	"github.com/onnwee/guildsync/db"
	"github.com/onnwee/guildsync/membership"
	"github.com/onnwee/guildsync/provision"
	"github.com/onnwee/guildsync/router"
	"github.com/onnwee/guildsync/server"
	"github.com/onnwee/guildsync/store"
	"github.com/onnwee/guildsync/telemetry"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	telemetry.InitLogging(cfg.LogLevel, cfg.LogFormat)
	telemetry.Init()

	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "guildsync", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		var authErr *chat.AuthError
		if errors.As(err, &authErr) {
			slog.Error("discord rejected the bot token", slog.Any("err", err), slog.String("component", "chat"))
		} else {
			slog.Error("guildsync exited with error", slog.Any("err", err))
		}
		stop()
		shutdownTracing()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := backend.Close(closeCtx); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	session, err := chat.Connect(ctx, chat.Options{
		Token:       cfg.DiscordToken,
		GuildID:     cfg.DiscordGuildID,
		CallTimeout: cfg.ChatCallTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect discord: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("failed to close discord session", slog.Any("err", err))
		}
	}()

	prov := provision.New(session, backend, provision.Options{
		RoleColor:       cfg.RoleColor,
		RolePermissions: cfg.RolePermissions,
	})
	members := membership.New(session, backend, backend, prov, membership.Options{FanoutLimit: cfg.JoinFanoutLimit})
	rt := router.New(prov, members, backend, router.Options{MaxAttempts: cfg.ReconcileMaxAttempts})

	detach := rt.Attach(ctx, session)
	defer detach()
	reconcilerDone := rt.StartReconciler(ctx, cfg.ReconcileInterval)

	slog.Info("admin api", slog.Bool("auth_configured", cfg.AdminAuthConfigured()), slog.String("addr", cfg.HTTPAddr))
	handler := server.NewMux(server.NewHandlers(backend, backend, rt), server.AuthConfig{
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
		Token:    cfg.AdminToken,
	})
	err = server.Start(ctx, cfg.HTTPAddr, handler)
	// Start also returns early when the listener fails; stop the reconciler either way.
	cancel()
	<-reconcilerDone
	return err
}

// openBackend opens the store selected by STORE_BACKEND.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		m, err := store.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		slog.Info("store ready", slog.String("backend", "mongo"), slog.String("database", cfg.MongoDB))
		return m, nil
	case config.BackendMemory:
		slog.Warn("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	default:
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("store ready", slog.String("backend", "postgres"))
		return store.NewPostgres(database), nil
	}
}
