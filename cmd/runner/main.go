// Command runner boots the fleet: it loads the service catalog, then runs
// the supervisor, health prober, webhook scheduler and public HTTP proxy
// together until told to stop.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matgreaves/run"

	"github.com/wasmrig/runner/internal/catalog"
	"github.com/wasmrig/runner/internal/config"
	"github.com/wasmrig/runner/internal/dashboard"
	"github.com/wasmrig/runner/internal/logging"
	"github.com/wasmrig/runner/internal/prober"
	"github.com/wasmrig/runner/internal/proxy"
	"github.com/wasmrig/runner/internal/sandbox"
	"github.com/wasmrig/runner/internal/scheduler"
	"github.com/wasmrig/runner/internal/state"
	"github.com/wasmrig/runner/internal/supervisor"
)

const shutdownDrain = 5 * time.Second

func main() {
	module := flag.String("module", "", "launch a single service by name instead of the full fleet")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.PrettyLog)
	defer logger.Sync()

	cat, err := catalog.Load(cfg.ServicesRoot)
	if err != nil {
		logger.Errorf("runner: load catalog: %v", err)
		os.Exit(1)
	}
	for _, f := range cat.Failures {
		logger.Warn("service disabled", logging.String("service", f.Service), logging.String("kind", string(f.Kind)), logging.Error(f.Err))
	}

	if *module != "" {
		os.Exit(runSingleModule(cfg, logger, cat, *module))
	}

	os.Exit(runFleet(cfg, logger, cat))
}

func runSingleModule(cfg *config.Config, logger logging.Logger, cat *catalog.Catalog, name string) int {
	desc, ok := cat.Lookup(name)
	if !ok {
		logger.Errorf("runner: unknown or disabled service %q", name)
		return 2
	}

	cs := state.NewCatalogState(catalog.NewSingleServiceCatalog(desc))

	sup := &supervisor.Supervisor{
		State:               cs,
		Log:                 state.NewEventLog(),
		Logger:              logger,
		Engine:              sandbox.CLIEngine{},
		QuarantineThreshold: cfg.QuarantineThreshold,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	if err := sup.Runner().Run(ctx); err != nil {
		logger.Errorf("runner: %s: %v", name, err)
		return 1
	}
	return 0
}

func runFleet(cfg *config.Config, logger logging.Logger, cat *catalog.Catalog) int {
	if len(cat.Services()) == 0 {
		logger.Error("runner: no services loaded")
		return 2
	}

	cs := state.NewCatalogState(cat)
	eventLog := state.NewEventLog()
	stats := state.NewStatsStore()
	queues := state.NewQueueRegistry()
	logs := state.NewLogStore()
	registerQueueListeners(cat, queues)

	sup := &supervisor.Supervisor{
		State:               cs,
		Log:                 eventLog,
		Logs:                logs,
		Logger:              logger,
		Engine:              sandbox.CLIEngine{},
		QuarantineThreshold: cfg.QuarantineThreshold,
	}

	prb := &prober.Prober{
		State:    cs,
		Log:      eventLog,
		Logger:   logger,
		Interval: cfg.HealthProbeInterval,
		Timeout:  cfg.HealthProbeTimeout,
	}

	router := &proxy.Router{State: cs, Log: eventLog, Stats: stats, Logger: logger}

	sched := &scheduler.Scheduler{
		State:  cs,
		Log:    eventLog,
		Stats:  stats,
		Queues: queues,
		Logger: logger,
		Route:  router.Route,
	}

	dash := &dashboard.Dashboard{State: cs, Log: eventLog, Stats: stats, Queues: queues, Logs: logs, Ctrl: sched}
	router.Dashboard = dash.Handler()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Errorf("runner: listen: %v", err)
		return 1
	}

	httpSrv := &http.Server{Handler: router.Handler()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()
	logger.Infof("runner listening on %s", ln.Addr())

	group := run.Group{
		"supervisor": sup.Runner(),
		"prober":     prb.Runner(),
		"scheduler":  sched.Runner(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- group.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("runner: received %s, shutting down", sig)
	case err := <-serveErr:
		logger.Errorf("runner: serve error: %v", err)
		cancel()
		return 1
	case err := <-runErr:
		logger.Errorf("runner: fleet stopped unexpectedly: %v", err)
		cancel()
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	cancel()
	<-runErr

	return 0
}

// registerQueueListeners registers every service's manifest-declared queue
// listeners with the fan-out registry, so the dashboard's subscriber counts
// reflect what's actually configured rather than staying at zero forever.
func registerQueueListeners(cat *catalog.Catalog, queues *state.QueueRegistry) {
	for _, desc := range cat.Services() {
		for _, listener := range desc.QueueListeners {
			queues.RegisterSubscriber(listener.Queue)
		}
	}
}

func notifyShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}

