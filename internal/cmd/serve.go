package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/lexbatch/internal/observability"
	"github.com/3leaps/lexbatch/internal/server"
	"github.com/3leaps/lexbatch/internal/server/handlers"
	"github.com/3leaps/lexbatch/pkg/engine"
)

var (
	serveHost      string
	servePort      int
	serveNoWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. Unless --no-worker is given (or server.run_engine is
false) the submission runner runs in the same process.

Examples:
  lexbatch serve
  lexbatch serve --port 9000 --no-worker`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-worker", false, "Do not run the submission runner")
}

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open store", err)
	}
	defer func() { _ = a.Close() }()

	cfg := a.cfg
	if err := observability.InitServerLogger("lexbatch", cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging config", err)
	}
	logger := observability.ServerLogger
	defer func() { _ = logger.Sync() }()
	a.logger = logger

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	svc, err := a.service(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pricing table", err)
	}

	// Everything that can fail is built before the listener starts, so an
	// error return never leaves the server goroutine running.
	var runner *engine.Runner
	if cfg.Server.RunEngine && !serveNoWorkers {
		client, err := a.inferenceClient(ctx)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot start runner", err)
		}
		runner = a.runner(a.engine(client, logger), logger)
	}

	handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", handlers.PingChecker(a.jobs.Ping))
		if id := GetAppIdentity(); id != nil {
			hm.RegisterChecker("identity", identityHealthChecker{binaryName: id.BinaryName, envPrefix: id.EnvPrefix, configName: id.ConfigName})
		}
	}

	jobs := handlers.NewJobs(svc, handlers.WatchOptions{
		Interval:        cfg.Observe.PollInterval,
		PersistentAfter: cfg.Observe.PersistentAfter,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, logger)
	srv := server.New(host, port,
		server.WithJobs(jobs),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		return srv.Shutdown(sctx)
	})

	if runner != nil {
		g.Go(func() error { return runner.Run(gctx) })
		logger.Info("Submission runner enabled",
			zap.String("provider", cfg.Inference.Provider),
			zap.Int("concurrency", cfg.Engine.Concurrency))
	}

	logger.Info("lexbatch serving", zap.String("addr", srv.Addr()), zap.String("version", versionInfo.Version))
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}
