package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/authn"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/config"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/db"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/logx"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/session"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/signedlink"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/api"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/metrics"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "landspace-portal:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	serve := newServeCommand()
	root := &cobra.Command{
		Use:           "landspace-portal",
		Short:         "LandSpace admin backoffice and client portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDotEnv(envFile)
		},
		RunE: serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded outside production")
	root.AddCommand(serve, newMigrateCommand(), newCheckConfigCommand(), newSetAdminPasswordCommand())
	return root
}

// loadDotEnv fills unset variables from path. Production never reads it and
// a missing file is not an error.
func loadDotEnv(path string) error {
	if isProduction(os.Getenv) || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func isProduction(getenv func(string) string) bool {
	env := strings.TrimSpace(getenv("APP_ENV"))
	if env == "" {
		env = strings.TrimSpace(getenv("NODE_ENV"))
	}
	return strings.EqualFold(env, "production")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logx.New(cfg.Production, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseProvider)
	if err != nil {
		log.Error("database connect failed", zap.String("kind", db.KindOf(err).String()), zap.Error(err))
		return err
	}
	defer pool.Close()
	st := store.New(pool)
	if migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", db.Wrap(err))
		}
		log.Info("schema applied")
	}

	adminVerifier, err := authn.NewVerifier(st, cfg.AdminSecret)
	if err != nil {
		return err
	}
	portalVerifier, err := authn.NewPortalVerifier(st)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(cfg.SessionSecret, cfg.Production)
	if err != nil {
		return err
	}
	links, err := signedlink.New(cfg.PreviewSecret)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.FilesDir, 0o750); err != nil {
		return fmt.Errorf("files dir: %w", err)
	}

	handler := api.New(api.Options{
		Store:           st,
		AdminVerifier:   adminVerifier,
		PortalVerifier:  portalVerifier,
		Sessions:        sessions,
		Links:           links,
		Metrics:         metrics.New(),
		Logger:          log,
		FilesDir:        cfg.FilesDir,
		Production:      cfg.Production,
		LoginsPerMinute: cfg.LoginsPerMinute,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("portal listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
