// Command nexusd runs the nexus data-plane agent: it owns every mirrored
// virtual block device (nexus) pinned on this node and serves the per-nexus
// REST control plane. It does not replay persisted NexusInfo on restart: a
// node starts with an empty registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/config"
	"github.com/nexuscore/nexusd/pkg/controlplane/api"
	"github.com/nexuscore/nexusd/pkg/controlplane/manager"
	"github.com/nexuscore/nexusd/pkg/flusher"
	"github.com/nexuscore/nexusd/pkg/metrics"
	metricsprom "github.com/nexuscore/nexusd/pkg/metrics/prometheus"
	"github.com/nexuscore/nexusd/pkg/nexus"
	"github.com/nexuscore/nexusd/pkg/nexus/persist"
	"github.com/nexuscore/nexusd/pkg/nexus/persist/badgerstore"
	"github.com/nexuscore/nexusd/pkg/nexus/persist/memory"
	"github.com/nexuscore/nexusd/pkg/nexus/target"
	"github.com/nexuscore/nexusd/pkg/registry"
	"github.com/nexuscore/nexusd/pkg/transfer"

	// Registers the "mem", "nvmf", and "s3" device URI schemes via their
	// package init()s; nothing in this file calls them directly.
	_ "github.com/nexuscore/nexusd/pkg/device/memdev"
	_ "github.com/nexuscore/nexusd/pkg/device/nvmf"
	_ "github.com/nexuscore/nexusd/pkg/device/s3backed"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `nexusd - distributed block-storage nexus agent

Usage:
  nexusd <command> [flags]

Commands:
  init     Write a default configuration file
  start    Start the nexus agent
  version  Show version information

Flags:
  --config string    Path to config file (default: $XDG_CONFIG_HOME/nexusd/config.yaml)
  --force            Force overwrite existing config file (init command only)

Examples:
  nexusd init
  nexusd start
  nexusd start --config /etc/nexusd/config.yaml
  NEXUSD_LOGGING_LEVEL=DEBUG nexusd start

Environment Variables:
  All configuration options can be overridden using environment variables.
  Format: NEXUSD_<SECTION>_<KEY> (use underscores for nested keys)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "start":
		runStart()
	case "help", "--help", "-h":
		fmt.Print(usage)
	case "version", "--version", "-v":
		fmt.Printf("nexusd %s (commit: %s, built: %s)\n", version, commit, date)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runInit() {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "", "Path to config file")
	force := initFlags.Bool("force", false, "Force overwrite existing config file")
	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	var configPath string
	var err error
	if *configFile != "" {
		configPath = *configFile
		err = config.InitConfigToPath(*configFile, *force)
	} else {
		configPath, err = config.InitConfig(*force)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("Edit it, then run: nexusd start")
}

func runStart() {
	startFlags := flag.NewFlagSet("start", flag.ExitOnError)
	configFile := startFlags.String("config", "", "Path to config file")
	if err := startFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	if *configFile == "" && !config.DefaultConfigExists() {
		fmt.Fprintf(os.Stderr, "Error: no configuration file found at %s\n", config.GetDefaultConfigPath())
		fmt.Fprintln(os.Stderr, "Run: nexusd init")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	loggerCfg := logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}
	if err := logger.Init(loggerCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nexusMetrics := nexus.Metrics{}
	if cfg.Metrics.Enabled {
		metrics.Init()
		nexusMetrics = nexus.Metrics{
			Nexus:       metricsprom.NewNexusMetrics(),
			Rebuild:     metricsprom.NewRebuildMetrics(),
			Reservation: metricsprom.NewReservationMetrics(),
		}
		go serveMetrics(cfg.Metrics.Port)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics disabled")
	}

	store, err := openStore(cfg.Persistence)
	if err != nil {
		log.Fatalf("Failed to open persistence store: %v", err)
	}
	defer store.Close()

	reg := registry.NewRegistry()
	q := transfer.NewQueue(transfer.QueueConfig{})
	q.Start(ctx)
	defer q.Stop(cfg.ShutdownTimeout)

	tgt := target.NewSimulated(cfg.Target.HostPort)

	deps := manager.Deps{
		Registry:  reg,
		Store:     store,
		Target:    tgt,
		Queue:     q,
		HostID:    cfg.Reservations.HostID,
		NQNPrefix: cfg.Target.NQNPrefix,
		Workers:   cfg.Rebuild.Workers,
		Metrics:   nexusMetrics,
	}

	// The admin poller's OnFailure needs mgr to resolve a nexus name back to
	// a *nexus.Nexus, so mgr is built, then threaded into the poller config,
	// before deps.Admin (which needs the poller) can be finalized.
	mgr := manager.New(deps)

	if cfg.Reservations.Enabled {
		pollerCfg := flusher.DefaultAdminQueuePollerConfig()
		pollerCfg.MaxRetries = cfg.Admin.MaxRetries
		pollerCfg.OnFailure = mgr.OnAdminCommandFailed
		adminPoller := flusher.NewAdminQueuePoller(pollerCfg)
		adminPoller.Start(ctx)
		defer adminPoller.Stop(cfg.ShutdownTimeout)

		deps.Admin = nexus.NewSimulatedAdmin(adminPoller)
		mgr = manager.New(deps)
		logger.Info("Reservation admin-queue poller started", "host_id", cfg.Reservations.HostID)
	}

	replayNexuses(ctx, mgr, store, reg)

	ready := func() bool { return true }
	apiEnabled := cfg.ControlPlane.Enabled == nil || *cfg.ControlPlane.Enabled
	var apiServer *api.Server
	apiDone := make(chan error, 1)
	if apiEnabled {
		apiServer = api.NewServer(cfg.ControlPlane, mgr, ready)
		go func() { apiDone <- apiServer.Start(ctx) }()
		logger.Info("Control-plane API enabled", "port", cfg.ControlPlane.Port)
	} else {
		logger.Info("Control-plane API disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("nexusd is running, press Ctrl+C to stop", "version", version)

	select {
	case <-sigCh:
		signal.Stop(sigCh)
		logger.Info("Shutdown signal received, shutting down nexuses")
		cancel()
		mgr.ShutdownAll(context.Background())
		if apiServer != nil {
			<-apiDone
		}
		logger.Info("nexusd stopped gracefully")
	case err := <-apiDone:
		signal.Stop(sigCh)
		if err != nil {
			logger.Error("Control-plane API server error", logger.Err(err))
			os.Exit(1)
		}
	}
}

// serveMetrics runs the Prometheus scrape endpoint until the process exits;
// a listener failure here is logged, not fatal, since metrics are optional.
func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", logger.Err(err))
	}
}

func openStore(cfg config.PersistenceConfig) (persist.Store, error) {
	switch cfg.Type {
	case "badger":
		return badgerstore.Open(cfg.Path)
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported persistence backend %q", cfg.Type)
	}
}

// replayNexuses is a placeholder for reconstructing previously-persisted
// nexuses from the store on restart. The wire format (persist.NexusInfo)
// records children and clean-shutdown state but not a nexus's full Config
// (size, UUID, NVMe params); until that inventory is persisted alongside
// NexusInfo, a node starts with an empty registry and relies on its REST
// API caller to recreate nexuses.
func replayNexuses(_ context.Context, _ *manager.Manager, _ persist.Store, _ *registry.Registry) {
}
