package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/config"
	"github.com/basket/apiforge/internal/engine"
	"github.com/basket/apiforge/internal/gateway"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/scheduler"
	"github.com/basket/apiforge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s serve                    Run the queue server (gateway + reaper + maintenance)
  %s worker [options]         Run an embedded worker pool against the local queue
                              Options: -name, -concurrency, -callback <url>
  %s backup [-o <path>]       Snapshot the database via VACUUM INTO
  %s doctor [-json]           Run health checks against the local database
  %s status                   Query a running server's /healthz
  %s version                  Print the build version

ENVIRONMENT VARIABLES:
  APIFORGE_HOME               Data directory (default: ~/.apiforge)
  APIFORGE_BIND_ADDR          Gateway listen address
  APIFORGE_DB_PATH            SQLite database path
  APIFORGE_AUTH_TOKEN         Bearer token required on API requests
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := parseSubcommand(os.Args[1:])

	switch cmd {
	case "help":
		printUsage()
	case "version":
		fmt.Printf("apiforge %s\n", Version)
	case "serve":
		os.Exit(runServe(ctx, args))
	case "worker":
		os.Exit(runWorkerCommand(ctx, args))
	case "backup":
		os.Exit(runBackupCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

// parseSubcommand splits the argument list into a subcommand name and its
// arguments. A leading flag (or nothing at all) means "serve".
func parseSubcommand(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "serve", args
	}
	return strings.ToLower(strings.TrimSpace(args[0])), args[1:]
}

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; the API is open to the network", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, persistence.Options{
		Bus:                  eventBus,
		Metrics:              metrics,
		MaxQueueDepth:        cfg.Queue.MaxDepth,
		RetryMaxDelaySeconds: cfg.Queue.RetryMaxDelaySeconds,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if _, err := metrics.RegisterQueueObserver(otelProvider.Meter, store); err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	logger.Info("startup phase", "phase", "schema_ready", "db", cfg.DBPath)

	// A restart leaves every previously leased task orphaned: nobody will
	// heartbeat for the old workers again if they died with the process.
	// Sweep once immediately rather than waiting out the timeout.
	report, err := store.ReapStaleWorkers(ctx, cfg.Workers.HeartbeatTimeoutSeconds)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"workers_reaped", report.WorkersReaped,
		"tasks_recovered", report.TasksRecovered,
		"tasks_failed", report.TasksFailed)

	sched, err := scheduler.New(scheduler.Config{
		Store:             store,
		Logger:            logger,
		Metrics:           metrics,
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		ReapInterval:      time.Duration(cfg.Workers.ReaperIntervalSeconds) * time.Second,
		ReconcileInterval: time.Duration(cfg.Progress.ReconcileIntervalSeconds) * time.Second,
		BackupCron:        cfg.Maintenance.BackupCron,
		OptimizeCron:      cfg.Maintenance.OptimizeCron,
		BackupDir:         cfg.Maintenance.BackupDir,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			// Reload wants a restart; the event lets dashboards surface the
			// pending change.
			logger.Info("config changed on disk; restart to apply", "path", ev.Path, "op", ev.Op.String())
			eventBus.Publish(bus.TopicConfigReloaded, map[string]string{"path": ev.Path})
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		EnqueueDefaults: persistence.EnqueueDefaults{
			Priority:          cfg.Queue.DefaultPriority,
			MaxRetries:        cfg.Queue.DefaultMaxRetries,
			RetryDelaySeconds: cfg.Queue.DefaultRetryDelaySeconds,
		},
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  another apiforge instance may already be running on %s", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then the background loops, then
	// the deferred store.Close flushes the database.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	logger.Info("shutdown complete")
	return 0
}

func runWorkerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	name := fs.String("name", "", "worker name (default: embedded-<hostname>)")
	concurrency := fs.Int("concurrency", 0, "concurrent task slots (default from config)")
	callback := fs.String("callback", "", "HTTP callback URL that executes endpoint descriptors")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	// The bus is process-local. A cancel issued through a separate serve
	// process never reaches this engine as an abort notice; the cancelled
	// task is instead reclaimed when this worker's lease check fails. Run
	// the engine inside serve to get immediate aborts.
	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, persistence.Options{
		Bus:                  eventBus,
		MaxQueueDepth:        cfg.Queue.MaxDepth,
		RetryMaxDelaySeconds: cfg.Queue.RetryMaxDelaySeconds,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	workerName := *name
	if workerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		workerName = "embedded-" + host
	}
	slots := *concurrency
	if slots <= 0 {
		slots = cfg.Engine.WorkerCount
	}
	callbackURL := *callback
	if callbackURL == "" {
		callbackURL = cfg.Engine.CallbackURL
	}

	var proc engine.Processor
	if callbackURL != "" {
		proc = engine.NewCallbackProcessor(callbackURL)
		logger.Info("worker: using HTTP callback processor", "url", callbackURL)
	} else {
		logger.Warn("worker: no callback URL configured, tasks will complete as no-ops")
	}

	eng := engine.New(store, proc, engine.Config{
		WorkerName:        workerName,
		WorkerType:        cfg.Engine.WorkerType,
		Concurrency:       slots,
		PollInterval:      time.Duration(cfg.Engine.PollIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Engine.HeartbeatIntervalSeconds) * time.Second,
		TaskTimeout:       time.Duration(cfg.Engine.TaskTimeoutSeconds) * time.Second,
		Bus:               eventBus,
	}, logger)

	workerID, err := eng.Start(ctx)
	if err != nil {
		fatalStartup(logger, "E_ENGINE_START", err)
	}
	logger.Info("worker running", "worker_id", workerID, "name", workerName, "concurrency", slots)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	eng.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	logger.Info("shutdown complete")
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"queue","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return errors.Is(err, syscall.EADDRINUSE)
}
