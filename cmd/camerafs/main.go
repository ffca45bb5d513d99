// camerafs mounts a camera's storage as a local directory tree.
//
// Usage:
//
//	camerafs [flags] <mountpoint>
//	camerafs --list
//
// Folders are listed on first access. Files are copied whole from the
// device when opened and put back when the last writer closes them.
// Appending ".thumb.jpg" to a file name reads the camera's preview image.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/storaged/storaged/internal/camera"
	"github.com/storaged/storaged/internal/camerafs"
	"github.com/storaged/storaged/internal/config"
	"github.com/storaged/storaged/internal/fuse"
	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/pkg/utils"
)

// usageError exits with status 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }
func (e *usageError) ExitCode() int { return 2 }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "camerafs: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run() error {
	var (
		device     int
		verbose    bool
		enableMove bool
		readOnly   bool
		list       bool
		configPath string
	)

	flagSet := pflag.NewFlagSet("camerafs", pflag.ContinueOnError)
	flagSet.IntVar(&device, "device", 0, "index of the camera to mount (see --list)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log every filesystem operation")
	flagSet.BoolVar(&enableMove, "enable-move", false, "allow renaming files (download, put, delete)")
	flagSet.BoolVar(&readOnly, "read-only", false, "mount read-only")
	flagSet.BoolVar(&list, "list", false, "list detected cameras and exit")
	flagSet.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: camerafs [flags] <mountpoint>\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return usagef("%v", err)
	}

	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return usagef("%v", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return usagef("%v", err)
	}
	zone, err := cfg.Camera.Location()
	if err != nil {
		return usagef("invalid camera timezone %q: %v", cfg.Camera.Timezone, err)
	}

	if list {
		return listCameras(cfg.Camera.DeviceRoot)
	}

	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return usagef("expected exactly one mountpoint, got %d arguments", flagSet.NArg())
	}
	if device < 0 {
		return usagef("--device must not be negative")
	}
	mountPoint := flagSet.Arg(0)

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Output = os.Stderr
	lc.Format = utils.ParseLogFormat(cfg.Global.LogFormat)
	if verbose {
		lc.Level = utils.DEBUG
	} else if level, err := utils.ParseLogLevel(cfg.Global.LogLevel); err == nil {
		lc.Level = level
	}
	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		return err
	}
	defer logger.Close()

	dev, info, err := camera.Open(cfg.Camera.DeviceRoot, device, zone)
	if err != nil {
		return err
	}
	serialized := camera.Serialized(dev)
	defer serialized.Close()

	// Operation metrics are kept in process and summarized on exit.
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "camerafs"})
	if err != nil {
		return err
	}

	readOnly = readOnly || cfg.Camera.ReadOnly
	cfs, err := camerafs.New(&camerafs.Context{
		Device:           serialized,
		ReadOnly:         readOnly,
		EnableMove:       enableMove || cfg.Camera.EnableMove,
		StagingDir:       cfg.Camera.StagingDir,
		Zone:             zone,
		PreviewCacheSize: cfg.Camera.PreviewCacheSize,
		Logger:           logger,
		Metrics:          collector,
	})
	if err != nil {
		return err
	}
	defer cfs.Close()

	mountConfig := fuse.DefaultMountConfig(mountPoint)
	mountConfig.Options.ReadOnly = readOnly
	mountConfig.Options.AllowOther = cfg.Camera.AllowOther
	mountConfig.Options.Debug = verbose
	mountConfig.Options.Extra = cfg.Camera.MountOptions

	manager := fuse.CreatePlatformMountManager(cfs, logger, mountConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = manager.Mount(ctx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("camera filesystem ready", map[string]interface{}{
		"model":       info.Model,
		"port":        info.Port,
		"mount_point": mountPoint,
		"read_only":   readOnly,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("unmounting", map[string]interface{}{"signal": sig.String()})
		if err := manager.Unmount(); err != nil {
			logger.Warn("unmount failed", map[string]interface{}{"error": err})
		}
	}()

	manager.Wait()

	stats := manager.GetStats()
	logger.Info("camera filesystem stopped", map[string]interface{}{
		"reads":         stats.Reads,
		"writes":        stats.Writes,
		"bytes_read":    utils.FormatBytes(stats.BytesRead),
		"bytes_written": utils.FormatBytes(stats.BytesWritten),
		"errors":        stats.Errors,
		"open_handles":  cfs.OpenHandles(),
	})
	return nil
}

func listCameras(root string) error {
	infos, err := camera.Detect(root)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no cameras detected")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%d\t%s\t%s\n", info.Index, info.Model, info.Port)
	}
	return nil
}
