package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mci/mci/internal/config"
	"github.com/mci/mci/internal/domain/healthid"
	"github.com/mci/mci/internal/platform/auth"
	"github.com/mci/mci/internal/platform/db"
	"github.com/mci/mci/internal/platform/hidservice"
	"github.com/mci/mci/internal/platform/middleware"
	"github.com/mci/mci/internal/platform/openapi"
	"github.com/mci/mci/internal/platform/telemetry"
	"github.com/mci/mci/migrations"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mci-server",
		Short: "MCI Health ID server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hidCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Health ID API server",
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

	openMigrator := func(ctx context.Context) (*db.Migrator, *pgxpool.Pool, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, migrations.FS, cfg.DBSchema, newLogger(cfg)), pool, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := migrator.UpTo(ctx, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to this version (0 = all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, pool, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

// buildService wires the Health ID stack shared by serve and the admin
// commands.
func buildService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, recorder healthid.Recorder) (*healthid.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	workerID, err := healthid.ResolveWorkerID(cfg.WorkerID)
	if err != nil {
		return nil, err
	}
	epoch, err := cfg.Epoch()
	if err != nil {
		return nil, err
	}
	generator, err := healthid.NewGenerator(workerID, epoch)
	if err != nil {
		return nil, err
	}

	validator, err := healthid.NewOrgValidator(
		healthid.Range{Start: cfg.MCIStartHID, End: cfg.MCIEndHID},
		healthid.Range{Start: cfg.OtherOrgStartHID, End: cfg.OtherOrgEndHID},
		cfg.MCIInvalidHIDPattern,
		cfg.OtherOrgInvalidHIDPattern,
	)
	if err != nil {
		return nil, err
	}

	authority := hidservice.New(hidservice.Config{
		IdentityBaseURL:   cfg.IdentityServerBaseURL,
		SignInPath:        cfg.IdentityServerSignInPath,
		ClientID:          cfg.IDPClientID,
		AuthToken:         cfg.IDPAuthToken,
		ClientEmail:       cfg.IDPClientEmail,
		ClientPassword:    cfg.IDPClientPassword,
		HIDServiceBaseURL: cfg.HIDServiceBaseURL,
		NextBlockPattern:  cfg.HIDServiceNextBlockURL,
		MarkUsedPattern:   cfg.HIDServiceMarkUsedURL,
		OrgCode:           cfg.MCIOrgCode,
		BlockSize:         cfg.HealthIDBlockSize,
		Timeout:           cfg.HIDServiceTimeout,
	}, hidservice.WithLogger(logger.With().Str("component", "hidservice").Logger()))

	svc := healthid.NewService(
		healthid.ServiceConfig{Threshold: cfg.HealthIDBlockSizeThreshold},
		healthid.NewBlockStore(),
		healthid.NewSnapshotFile(cfg.HIDLocalStoragePath),
		authority,
		healthid.NewRepo(pool),
		validator,
		generator,
		healthid.WithRecorder(recorder),
		healthid.WithServiceLogger(logger.With().Str("component", "healthid").Logger()),
	)

	logger.Info().
		Int64("worker_id", workerID).
		Time("epoch", epoch).
		Str("org_code", cfg.MCIOrgCode).
		Msg("health id stack configured")

	return svc, nil
}

func runServer() error {
	cfg, err := config.Load()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if n, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema, logger).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("applied pending migrations")
	}

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	tp.RegisterDBPool(pool)

	svc, err := buildService(cfg, pool, logger, tp.HIDMetrics())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid health id configuration")
	}

	if err := svc.PopulateHidStore(); err != nil {
		logger.Fatal().Err(err).Msg("failed to load hid snapshot")
	}
	if err := svc.ReplenishIfNeeded(ctx); err != nil {
		// The server can still hand out what the snapshot held.
		logger.Warn().Err(err).Msg("initial hid replenishment failed")
	}
	logger.Info().Int("pool_size", svc.PoolSize()).Msg("hid pool ready")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"version":   version,
			"pool_size": svc.PoolSize(),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", tp.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	hidHandler := healthid.NewHandler(svc)
	hidHandler.RegisterRoutes(apiV1)

	docs := openapi.NewGenerator("MCI Health ID API", version, fmt.Sprintf("http://localhost:%s", cfg.Port))
	hidHandler.Describe(docs, "/api/v1")
	docs.RegisterRoutes(e)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Int("pool_size", svc.PoolSize()).Msg("server stopped")
	return nil
}
