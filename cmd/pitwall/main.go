package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rennteam/pitwall/internal/auth"
	"github.com/rennteam/pitwall/internal/config"
	"github.com/rennteam/pitwall/internal/forms"
	"github.com/rennteam/pitwall/internal/ldx"
	"github.com/rennteam/pitwall/internal/store"
	"github.com/rennteam/pitwall/internal/telemetry"
	"github.com/rennteam/pitwall/internal/values"
	"github.com/rennteam/pitwall/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pitwall",
		Short:         "Pit wall server for the team's race dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	f := rootCmd.Flags()
	f.Int("http-port", 8000, "HTTP listen port")
	f.String("data-dir", "./data", "directory for the database file")
	f.String("forms-dir", "./forms", "directory with form descriptors")
	f.String("ldx-watch-dir", "", "initial LDX watch directory")
	f.String("allowed-origins", "", "comma-separated CORS origins")
	f.Int("watch-interval", 1, "LDX poll interval in seconds")

	bind := func(key, flag string) {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
	bind("http_port", "http-port")
	bind("data_dir", "data-dir")
	bind("forms_dir", "forms-dir")
	bind("ldx_watch_dir", "ldx-watch-dir")
	bind("allowed_origins", "allowed-origins")
	bind("watch_interval", "watch-interval")

	// The deployment contract uses bare env names, so bind each key
	// explicitly instead of using a prefix.
	_ = viper.BindEnv("http_port", "HTTP_PORT")
	_ = viper.BindEnv("data_dir", "DATA_DIR")
	_ = viper.BindEnv("forms_dir", "FORMS_DIR")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("admin_username", "ADMIN_USERNAME")
	_ = viper.BindEnv("admin_password", "ADMIN_PASSWORD")
	_ = viper.BindEnv("ldx_watch_dir", "LDX_WATCH_DIR")
	_ = viper.BindEnv("allowed_origins", "ALLOWED_ORIGINS")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pitwall: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck
	logger := zl.Sugar()

	logger.Infow("pitwall starting", "version", config.Version, "port", cfg.HTTPPort)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "pitwall.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close() //nolint:errcheck

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	if err := bootstrapAdmin(bootCtx, db, cfg, logger); err != nil {
		return err
	}
	if err := db.SeedSensors(bootCtx); err != nil {
		return fmt.Errorf("seed sensors: %w", err)
	}
	// The env watch dir only seeds the setting; the admin API owns it after
	// that.
	if cfg.LdxWatchDir != "" {
		current, err := db.GetSetting(bootCtx, store.SettingWatchDir)
		if err != nil {
			return fmt.Errorf("read watch directory: %w", err)
		}
		if current == "" {
			if err := db.SetSetting(bootCtx, store.SettingWatchDir, cfg.LdxWatchDir); err != nil {
				return fmt.Errorf("set watch directory: %w", err)
			}
		}
	}

	registry, err := forms.NewRegistry(cfg.FormsDir)
	if err != nil {
		return fmt.Errorf("load forms: %w", err)
	}
	logger.Infow("forms loaded", "count", len(registry.All()))

	hub := telemetry.NewHub()
	source := telemetry.NewManager(db, hub, logger)
	svc := values.NewService(db, registry, logger)
	tokens := auth.NewTokens(cfg.JWTSecret, db)
	watcher := ldx.NewWatcher(db, registry, time.Duration(cfg.WatchInterval)*time.Second, logger)
	server := web.New(cfg, db, registry, svc, tokens, source, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return source.Run(ctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		hub.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("fatal runtime error", "error", err)
		os.Exit(2)
	}
	logger.Infow("pitwall stopped")
	return nil
}

// bootstrapAdmin creates the initial admin account on an empty user table.
func bootstrapAdmin(ctx context.Context, db *store.DB, cfg config.Config, logger *zap.SugaredLogger) error {
	count, err := db.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		logger.Warnw("no users and no ADMIN_USERNAME/ADMIN_PASSWORD set; nobody can log in")
		return nil
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := db.CreateUser(ctx, cfg.AdminUsername, hash, true, nil); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	logger.Infow("bootstrap admin created", "username", cfg.AdminUsername)
	return nil
}
