package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/salus/reminders/internal/backend"
	"github.com/salus/reminders/internal/config"
	"github.com/salus/reminders/internal/domain/reminders"
	"github.com/salus/reminders/internal/localnotify"
	"github.com/salus/reminders/internal/platform/auth"
	"github.com/salus/reminders/internal/platform/db"
	"github.com/salus/reminders/internal/platform/middleware"
	"github.com/salus/reminders/internal/platform/notification"
	"github.com/salus/reminders/internal/platform/telemetry"
	"github.com/salus/reminders/internal/platform/websocket"
	"github.com/salus/reminders/internal/reminder"
	"github.com/salus/reminders/migrations"
)

const version = "0.1.0"

// devOwner is the owner unauthenticated requests act as in development.
const devOwner = "dev-patient"

func main() {
	rootCmd := &cobra.Command{
		Use:           "salus-reminders",
		Short:         "Medication and appointment reminder service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reminder API and dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator, string) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("migrations need STORE_DRIVER=%s", config.StorePostgres)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationFiles(cfg), cfg.DBSchema), cfg.DBSchema)
}

// migrationFiles prefers MIGRATIONS_DIR over the embedded files.
func migrationFiles(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Inspect stored reminders",
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List the pending reminders of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// A memory store lives only inside a running server.
			if cfg.StoreDriver != config.StorePostgres {
				return fmt.Errorf("listing reminders needs STORE_DRIVER=%s", config.StorePostgres)
			}
			store, _, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			pending, err := reminder.NewQuery(localnotify.NewProvider(store).For(owner)).Pending(ctx)
			if err != nil {
				return err
			}
			printReminders(cmd.OutOrStdout(), pending)
			return nil
		},
	}
	pendingCmd.Flags().String("owner", "", "Owner (user id) whose reminders to list")
	cmd.AddCommand(pendingCmd)
	return cmd
}

func printReminders(w io.Writer, ns []reminder.ScheduledNotification) {
	fmt.Fprintf(w, "%-12s %-20s %-12s %s\n", "ID", "FIRE AT", "TYPE", "TITLE")
	for _, n := range ns {
		kind, _ := reminder.Tag(n.Payload, reminder.TagDomainType)
		fmt.Fprintf(w, "%-12d %-20s %-12s %s\n", n.ID, n.FireAt.Format("2006-01-02 15:04:05"), kind, n.Title)
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "User id the token is issued to")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

// openStore returns the configured reminder store, the pinger behind it
// (nil for memory) and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (localnotify.Store, db.Pinger, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		return localnotify.NewMemoryStore(), nil, func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, nil, nil, err
	}
	return localnotify.NewPGStore(pool), pool, pool.Close, nil
}

// serverDeps are the collaborators newServer wires into routes.
type serverDeps struct {
	Store   localnotify.Store
	Pinger  db.Pinger
	Backend *backend.Client
	Hub     *websocket.Hub
	Loc     *time.Location
	Metrics *telemetry.Metrics
}

func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if deps.Metrics != nil {
		e.Use(deps.Metrics.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{echo.HeaderAuthorization, middleware.RequestIDHeader, echo.HeaderRetryAfter},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if deps.Pinger != nil {
		e.GET("/health/db", db.HealthHandler(deps.Pinger))
	} else {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "store": config.StoreMemory})
		})
	}

	if deps.Metrics != nil {
		e.GET("/metrics", deps.Metrics.Handler())
	}

	authMW := auth.JWTMiddleware(jwtConfig(cfg))
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtConfig(cfg), devOwner)
	}
	limiter := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})

	apiV1 := e.Group("/api/v1", authMW, limiter)

	sessions := func(token string) reminders.BackendSession {
		return deps.Backend.Session(token)
	}
	provider := localnotify.NewProvider(deps.Store)
	svcLogger := logger.With().Str("component", "reminders").Logger()
	svc := reminders.NewService(sessions, provider, deps.Store, reminder.Options{
		Location:  deps.Loc,
		Templates: notification.NewTemplateEngine(),
		Logger:    &svcLogger,
	})
	reminders.NewHandler(svc).RegisterRoutes(apiV1)

	wsGroup := e.Group("", authMW)
	websocket.NewHandler(deps.Hub, cfg.CORSOrigins, logger).RegisterRoutes(wsGroup)

	return e
}

// deliverers always pushes to live sessions and adds email when SendGrid
// and the backend service token are configured.
func deliverers(cfg *config.Config, hub *websocket.Hub, client *backend.Client, logger zerolog.Logger) []localnotify.Deliverer {
	out := []localnotify.Deliverer{localnotify.NewPushDeliverer(hub)}
	if cfg.SendGridAPIKey == "" || cfg.BackendServiceToken == "" {
		logger.Info().Msg("email reminders disabled: SENDGRID_API_KEY or BACKEND_SERVICE_TOKEN not set")
		return out
	}
	mailer := notification.NewSendGridSender(cfg.SendGridAPIKey, cfg.MailFromName, cfg.MailFromAddress)
	return append(out, localnotify.NewEmailDeliverer(mailer, client, notification.NewTemplateEngine()))
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pinger, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer closeStore()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("reminder store ready")

	client := backend.NewClient(backend.Config{
		BaseURL:           cfg.BackendURL,
		Timeout:           cfg.BackendTimeout,
		ServiceToken:      cfg.BackendServiceToken,
		RequestsPerSecond: cfg.BackendRPS,
		Burst:             int(cfg.BackendRPS) + 1,
		Location:          loc,
		Logger:            logger.With().Str("component", "backend").Logger(),
	})
	hub := websocket.NewHub()
	metrics := telemetry.NewMetrics()

	dispatcher := localnotify.NewDispatcher(store, deliverers(cfg, hub, client, logger), localnotify.DispatcherOptions{
		Interval:  cfg.DispatchInterval,
		BatchSize: cfg.DispatchBatchSize,
		Logger:    logger.With().Str("component", "dispatcher").Logger(),
		OnBatch:   metrics.RecordDispatch,
	})
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	e := newServer(cfg, logger, serverDeps{Store: store, Pinger: pinger, Backend: client, Hub: hub, Loc: loc, Metrics: metrics})

	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-dispatchDone
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-dispatchDone
	logger.Info().Msg("server stopped")
	return nil
}
