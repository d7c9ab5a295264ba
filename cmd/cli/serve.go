package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portgate/internal/api"
	"github.com/anstrom/portgate/internal/config"
	"github.com/anstrom/portgate/internal/db"
	"github.com/anstrom/portgate/internal/events"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
	"github.com/anstrom/portgate/internal/tasks"
	"github.com/anstrom/portgate/internal/workers"
)

const poolShutdownTimeout = 30 * time.Second

var (
	serveHost string
	servePort int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan API server",
	Long: `Start the HTTP API. Scans submitted with POST /api/v1/scans run on a
worker pool; progress streams over GET /api/v1/ws/scans/{id}. Finished scans
are stored in PostgreSQL when a database is configured. Prometheus metrics
are served on /metrics.`,
	Example: `  portgate serve
  portgate serve --host 0.0.0.0 --port 9000
  PORTGATE_STORE_BACKEND=redis PORTGATE_STORE_ADDR=redis:6379 portgate serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.API.ListenAddr = serveHost
	}
	if servePort != 0 {
		cfg.API.Port = servePort
	}
	logger := initLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve wires every component and blocks until ctx ends.
func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	prom := metrics.NewPrometheusMetrics()

	comps, err := buildComponents(cfg, logger, prom, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	pool := workers.New(workers.Config{
		Size:            cfg.Tasks.Workers,
		QueueSize:       cfg.Tasks.QueueSize,
		ShutdownTimeout: poolShutdownTimeout,
	}, workers.WithLogger(logger), workers.WithMetrics(prom))
	pool.Start()
	defer func() {
		if err := pool.Shutdown(); err != nil {
			logger.Warn("Worker pool shutdown incomplete", "error", err)
		}
	}()

	broker := events.NewBroker()
	deps := api.Deps{
		Events:       broker,
		Store:        comps.store,
		Tracker:      comps.orchestrator.Tracker(),
		Metrics:      prom,
		ScanDefaults: comps.orchestrator.Defaults(),
		DefaultPorts: cfg.Engine.DefaultPorts,
		Logger:       logger,
	}
	runnerOpts := []tasks.Option{
		tasks.WithPool(pool),
		tasks.WithEventSinks(broker.Sink),
		tasks.WithLogger(logger),
	}

	if cfg.DatabaseConfigured() {
		database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		repo := db.NewRepository(database)
		deps.Database = database
		deps.History = repo
		runnerOpts = append(runnerOpts, tasks.WithResultSaver(repo))
	} else {
		logger.Info("No database configured, scan history is kept in memory only")
	}

	runner, err := tasks.New(comps.orchestrator, taskConfig(cfg), runnerOpts...)
	if err != nil {
		return err
	}
	deps.Runner = runner

	server, err := api.New(cfg.API, deps)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}
