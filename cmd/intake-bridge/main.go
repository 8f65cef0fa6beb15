package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/intake-bridge/internal/config"
	"github.com/ehr/intake-bridge/internal/domain/augment"
	"github.com/ehr/intake-bridge/internal/domain/extraction"
	"github.com/ehr/intake-bridge/internal/domain/queue"
	"github.com/ehr/intake-bridge/internal/platform/apierror"
	"github.com/ehr/intake-bridge/internal/platform/auth"
	"github.com/ehr/intake-bridge/internal/platform/cache"
	"github.com/ehr/intake-bridge/internal/platform/db"
	"github.com/ehr/intake-bridge/internal/platform/logging"
	"github.com/ehr/intake-bridge/internal/platform/mapping"
	"github.com/ehr/intake-bridge/internal/platform/middleware"
	"github.com/ehr/intake-bridge/internal/platform/signing"
	"github.com/ehr/intake-bridge/internal/platform/telemetry"
	"github.com/ehr/intake-bridge/internal/platform/webhook"
	"github.com/ehr/intake-bridge/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-bridge",
		Short: "Clinical intake to EMR bridge",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(deadLetterCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue and augmentation API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, _ := cmd.Flags().GetInt("workers")
			return runServer(workers)
		},
	}
	cmd.Flags().Int("workers", 0, "Queue workers to run in-process (0 disables)")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim queued encounters and augment them",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			return runWorker(once)
		},
	}
	cmd.Flags().Bool("once", false, "Process at most one item and exit")
	return cmd
}

// app holds everything built from configuration.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store
	queue    *queue.Service
	dicts    *extraction.Store
	orch     *augment.Orchestrator
	notifier *webhook.Notifier
	metrics  *telemetry.Metrics
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("driver", cfg.DBDriver).Msg("connected to database")

	a := &app{cfg: cfg, logger: logger, store: st, metrics: telemetry.NewMetrics()}
	a.queue = queue.NewService(st.repo, logger)

	dict := extraction.DefaultDictionary()
	if cfg.DictionaryFile != "" {
		dict, err = extraction.LoadDictionary(cfg.DictionaryFile)
		if err != nil {
			st.close()
			return nil, err
		}
	}
	a.dicts = extraction.NewStore(dict)

	mapper, err := mapping.NewClient(mapping.Config{
		URL:     cfg.MappingURL,
		APIKey:  cfg.MappingAPIKey,
		Timeout: cfg.MappingTimeout,
	})
	if err != nil {
		st.close()
		return nil, err
	}

	policy, err := cfg.RetryPolicy()
	if err != nil {
		st.close()
		return nil, err
	}
	orchCfg := augment.Config{Policy: policy, Dictionaries: a.dicts, Metrics: a.metrics}

	if cfg.WebhookURL != "" {
		a.notifier, err = webhook.NewNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger,
			webhook.WithDedup(cache.NewTTLSet(10000, cfg.WebhookDedupTTL)))
		if err != nil {
			st.close()
			return nil, err
		}
		orchCfg.Notifier = augment.NewWebhookNotifier(a.notifier)
		logger.Info().Str("url", cfg.WebhookURL).Msg("completion webhook enabled")
	}

	a.orch, err = augment.NewOrchestrator(a.queue, mapper, orchCfg, logger)
	if err != nil {
		st.close()
		return nil, err
	}
	return a, nil
}

// watchDictionary hot-reloads DICTIONARY_FILE until ctx is done.
func (a *app) watchDictionary(ctx context.Context) error {
	if a.cfg.DictionaryFile == "" {
		return nil
	}
	a.logger.Info().Str("path", a.cfg.DictionaryFile).Msg("watching dictionary")
	return extraction.Watch(ctx, a.cfg.DictionaryFile, a.dicts, a.logger)
}

func newEcho(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierror.ErrorHandler(a.logger)

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
		KeyFunc:           middleware.CallerKey,
	}))
	// The augmentation call is bounded by the retry policy, not the request timeout.
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, a.cfg.AugmentPath))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return apierror.OK(c, http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.store.pinger, a.store.stats))
	e.GET("/metrics", a.metrics.Handler())

	// Signed augmentation endpoint
	augment.NewHandler(a.orch).RegisterRoutes(e.Group(""), a.cfg.AugmentPath,
		signing.Middleware(signing.MiddlewareConfig{
			Secret: a.cfg.SigningSecret,
			Window: a.cfg.SignatureWindow,
		}))

	// Queue routes behind service tokens
	var authMW echo.MiddlewareFunc
	if a.cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     auth.DefaultIssuer,
			SigningKey: []byte(a.cfg.TokenSecret),
			Skipper:    auth.AuthSkipper,
		})
	}
	queue.NewHandler(a.queue).RegisterRoutes(e.Group("", authMW))

	return e
}

func runServer(workers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.store.close()

	e := newEcho(a)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.watchDictionary(gctx) })
	if workers > 0 {
		w := augment.NewWorker(a.orch, workers, a.cfg.WorkerPollInterval, a.logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func runWorker(once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.store.close()

	w := augment.NewWorker(a.orch, a.cfg.WorkerConcurrency, a.cfg.WorkerPollInterval, a.logger)
	if once {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			a.logger.Info().Msg("queue empty")
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.watchDictionary(gctx) })
	g.Go(func() error { return w.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres queue migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DBDriver != "postgres" {
		return nil, nil, fmt.Errorf("migrations apply to postgres only; the %s store creates its schema on open", cfg.DBDriver)
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print signature headers for a request body",
		RunE: func(cmd *cobra.Command, args []string) error {
			method, _ := cmd.Flags().GetString("method")
			path, _ := cmd.Flags().GetString("path")
			file, _ := cmd.Flags().GetString("file")
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("SIGNING_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or SIGNING_SECRET is required")
			}

			var body []byte
			var err error
			switch file {
			case "":
			case "-":
				body, err = io.ReadAll(cmd.InOrStdin())
			default:
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			writeSignature(cmd.OutOrStdout(), strings.ToUpper(method), path, body, secret, time.Now)
			return nil
		},
	}
	cmd.Flags().String("method", http.MethodPost, "HTTP method")
	cmd.Flags().String("path", augment.DefaultPath, "Request path")
	cmd.Flags().String("file", "", "Body file, or - for stdin")
	cmd.Flags().String("secret", "", "Shared secret (defaults to SIGNING_SECRET)")
	return cmd
}

func writeSignature(w io.Writer, method, path string, body []byte, secret string, now func() time.Time) {
	sig := signing.Sign(method, path, now, body, secret)
	fmt.Fprintf(w, "%s: %s\n", signing.HeaderTimestamp, sig.Timestamp)
	fmt.Fprintf(w, "%s: %s\n", signing.HeaderSignature, sig.Value)
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage service tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a service token for the queue routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			secret := os.Getenv("SERVICE_TOKEN_SECRET")
			if secret == "" {
				return fmt.Errorf("SERVICE_TOKEN_SECRET is required")
			}
			if err := validateRoles(roles); err != nil {
				return err
			}

			tok, err := auth.IssueToken([]byte(secret), auth.DefaultIssuer, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issueCmd.Flags().String("subject", "", "Token subject, e.g. worker-1")
	issueCmd.Flags().StringSlice("roles", []string{auth.RoleWorker}, "Comma-separated roles")
	issueCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	cmd.AddCommand(issueCmd)

	return cmd
}

var knownRoles = map[string]bool{
	auth.RoleAdmin:    true,
	auth.RoleOperator: true,
	auth.RoleWorker:   true,
	auth.RoleIngest:   true,
}

func validateRoles(roles []string) error {
	if len(roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	for _, r := range roles {
		if !knownRoles[r] {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect dead-lettered work items",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write dead letters to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.close()

			svc := queue.NewService(st.repo, logger)
			b, n, err := svc.ExportDeadLettersXLSX(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d dead letter(s) to %s\n", n, out)
			return nil
		},
	}
	exportCmd.Flags().String("out", "dead-letters.xlsx", "Output path")
	exportCmd.Flags().Int("limit", 500, "Maximum rows")
	cmd.AddCommand(exportCmd)

	return cmd
}
