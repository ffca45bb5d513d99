// storaged watches the data partition and keeps it usable.
//
// It samples free bytes and inodes every poll interval, asks the package
// manager to clean caches when the alert policy says so, publishes
// storage-low events and user notifications, writes the periodic usage
// report, and answers storage queries over HTTP.
//
// Usage:
//
//	storaged --config /etc/storaged/config.yaml [--log-level debug]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/storaged/storaged/internal/circuit"
	"github.com/storaged/storaged/internal/cleanup"
	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/internal/config"
	"github.com/storaged/storaged/internal/events"
	"github.com/storaged/storaged/internal/kvstore"
	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/internal/monitor"
	"github.com/storaged/storaged/internal/params"
	"github.com/storaged/storaged/internal/space"
	"github.com/storaged/storaged/internal/throttle"
	"github.com/storaged/storaged/internal/usage"
	"github.com/storaged/storaged/pkg/api"
	"github.com/storaged/storaged/pkg/health"
	"github.com/storaged/storaged/pkg/utils"
)

const (
	cleanNotifyFile = "clean_notify.json"
	bundleStatsFile = "bundle_ext_stats.json"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string

	flagSet := pflag.NewFlagSet("storaged", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Global)
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.Monitor.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Global.MetricsPort > 0,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "storaged",
	})
	if err != nil {
		return err
	}

	paramStore, err := params.Open(cfg.Params.File, cfg.Params.Watch, logger)
	if err != nil {
		return err
	}
	defer paramStore.Close()

	cleanStore, err := kvstore.NewFileStore(filepath.Join(cfg.Monitor.DataDir, cleanNotifyFile))
	if err != nil {
		return err
	}
	bundleStore, err := kvstore.NewFileStore(filepath.Join(cfg.Monitor.DataDir, bundleStatsFile))
	if err != nil {
		return err
	}

	clk := clock.Real()
	tracker := health.NewTracker(health.DefaultConfig())

	bus := events.NewBus(clk, logger, events.NewMetricsSink(collector))
	if cfg.Events.Log {
		bus.AddSink(events.NewLogSink(logger))
	}
	if path := cfg.SpoolPath(); path != "" {
		spool, err := events.NewSpoolSink(path)
		if err != nil {
			return err
		}
		defer spool.Close()
		bus.AddSink(spool)
	}

	executor := cleanup.NewExecutor(
		cleanup.NewLocalCacheCleaner(cfg.Cleanup.CacheRoots, logger),
		circuit.Config{
			FailureThreshold: cfg.Cleanup.FailureThreshold,
			Timeout:          cfg.Cleanup.BreakerTimeout,
		},
		clk, collector, logger,
	)

	sampler := space.NewDiskSampler(cfg.Monitor.MountPath, cfg.Monitor.SystemPath)
	reporter := usage.NewReporter(usage.Config{
		BundleRoots: cfg.Usage.BundleRoots,
		UserRoot:    cfg.Usage.UserRoot,
	}, bundleStore, clk, logger)

	mon, err := monitor.New(monitor.Config{
		PollInterval:    cfg.Monitor.PollInterval,
		ReportWindows:   cfg.Monitor.ReportWindows,
		ReportTolerance: cfg.Monitor.ReportTolerance,
	}, monitor.Deps{
		Sampler:        sampler,
		Params:         paramStore,
		Cleaner:        executor,
		CleanThrottle:  throttle.New(cleanStore, intervals(cfg.Monitor.CleanIntervals), logger),
		NotifyThrottle: throttle.New(kvstore.NewMemoryStore(), intervals(cfg.Monitor.NotifyIntervals), logger),
		Publisher:      bus,
		Reporter:       reporter,
		Metrics:        collector,
		Health:         tracker,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := collector.Start(ctx); err != nil {
		return err
	}

	apiConfig := api.DefaultServerConfig()
	if cfg.Global.APIAddress != "" {
		apiConfig.Address = cfg.Global.APIAddress
	}
	server := api.NewServer(apiConfig, api.Options{
		Sampler: sampler,
		Usage:   reporter,
		Health:  tracker,
		Metrics: collector.Handler(),
		Logger:  logger,
	})
	server.StartBackground()

	if err := mon.Start(); err != nil {
		return err
	}
	logger.Info("storaged started", map[string]interface{}{
		"mount_path":    cfg.Monitor.MountPath,
		"data_dir":      cfg.Monitor.DataDir,
		"poll_interval": cfg.Monitor.PollInterval.String(),
		"api_address":   apiConfig.Address,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})

	mon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", map[string]interface{}{"error": err})
	}
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", map[string]interface{}{"error": err})
	}
	return nil
}

func newLogger(g config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, err
	}
	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = utils.ParseLogFormat(g.LogFormat)
	lc.Filename = g.LogFile
	return utils.NewStructuredLogger(lc)
}

func intervals(c config.IntervalConfig) throttle.Intervals {
	return throttle.Intervals{
		LowRelaxed: c.LowRelaxed,
		LowFast:    c.LowFast,
		Medium:     c.Medium,
		High:       c.High,
		Rich:       c.Rich,
	}
}
