package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/civicgrid/grievance-engine/internal/cases"
	"github.com/civicgrid/grievance-engine/internal/clock"
	"github.com/civicgrid/grievance-engine/internal/config"
	"github.com/civicgrid/grievance-engine/internal/database"
	"github.com/civicgrid/grievance-engine/internal/engine"
	"github.com/civicgrid/grievance-engine/internal/handlers"
	"github.com/civicgrid/grievance-engine/internal/metrics"
	"github.com/civicgrid/grievance-engine/internal/policy"
	"github.com/civicgrid/grievance-engine/internal/scheduler"
)

const (
	serviceName = "grievance-engine"
	version     = "1.0.0"
)

func main() {
	root := &cobra.Command{
		Use:           "grievanced",
		Short:         "SLA deadline and escalation engine for citizen grievance cases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), migrateCmd(), scanCmd(), seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the escalation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting grievance engine",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(logger)

	if cfg.Scheduler.Enabled {
		app.scheduler.Start()
	} else {
		logger.Warn("Escalation scheduler disabled by configuration")
	}

	router := mux.NewRouter()
	app.handler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case err := <-errChan:
		logger.Error("HTTP server failed", "error", err)
	}

	// Stop ticking first so no scan starts mid-shutdown, then drain HTTP.
	if cfg.Scheduler.Enabled {
		app.scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("Grievance engine stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := setupLogging(cfg)

			db, err := database.Connect(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			return database.RunMigrations(db, logger)
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single escalation scan pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := setupLogging(cfg)

			app, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.close(logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Scheduler.ScanTimeout)
			defer cancel()

			result, err := app.engine.Scan(ctx)
			if err != nil {
				return fmt.Errorf("escalation scan failed: %w", err)
			}
			logger.Info("Escalation scan finished",
				"scanned", result.Scanned,
				"escalated", result.Escalated,
				"conflicts", result.Conflicts,
				"duration", result.Duration)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo officer hierarchy for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := setupLogging(cfg)

			db, err := database.Connect(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := database.RunMigrations(db, logger); err != nil {
				return err
			}

			clk := clock.Real{}
			officers := database.NewOfficerRepository(db, logger)
			seedOfficers := []*database.Officer{
				{ID: "O001", Name: "Rajesh Kumar", Email: "rajesh.kumar@gov.example", Role: database.RoleOfficer, Department: "Public Works", CreatedAt: clk.Now()},
				{ID: "O002", Name: "Priya Sharma", Email: "priya.sharma@gov.example", Role: database.RoleSeniorOfficer, Department: "Public Works", CreatedAt: clk.Now()},
				{ID: "D001", Name: "Anil Mehta", Email: "anil.mehta@gov.example", Role: database.RoleDeptHead, Department: "Public Works", CreatedAt: clk.Now()},
			}

			for _, o := range seedOfficers {
				if err := officers.Create(cmd.Context(), o); err != nil {
					if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
						logger.Debug("Officer already seeded", "officer_id", o.ID)
						continue
					}
					return fmt.Errorf("failed to seed officer %s: %w", o.ID, err)
				}
				logger.Info("Seeded officer", "officer_id", o.ID, "role", o.Role)
			}
			return nil
		},
	}
}

// app wires the full service graph behind one database handle
type app struct {
	db        interface{ Close() error }
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	handler   *handlers.HTTPHandler
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	caseRepo := database.NewCaseRepository(db, logger)
	officerRepo := database.NewOfficerRepository(db, logger)
	auditRepo := database.NewAuditRepository(db, logger)
	policyRepo := database.NewPolicyRepository(db, logger)

	clk := clock.Real{}
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	policies := policy.NewTable(logger, clk, policyRepo, auditRepo)

	// A hole in the SLA table would otherwise surface as a failed submission.
	if err := policies.Validate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	eng := engine.New(logger, clk, caseRepo, officerRepo, collector)
	service := cases.NewService(logger, clk, caseRepo, officerRepo, auditRepo, policies, eng, collector)

	sched, err := scheduler.New(cfg, logger, eng)
	if err != nil {
		db.Close()
		return nil, err
	}

	handler := handlers.NewHTTPHandler(cfg, logger, clk, service, policies, sched)

	return &app{db: db, engine: eng, scheduler: sched, handler: handler}, nil
}

func (a *app) close(logger *slog.Logger) {
	if err := a.db.Close(); err != nil {
		logger.Error("Failed to close database connection", "error", err)
	}
}

func setupLogging(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Logging.IncludeSource,
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" || cfg.Environment == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
