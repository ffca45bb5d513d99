/*
Package metrics exports storaged and camerafs metrics to Prometheus.

A Collector owns a private registry. Components receive a *Collector and
call its Record and Set methods; a nil Collector is valid and records
nothing, so tests and minimal deployments need no wiring.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "storaged",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported series

Monitor:

	storaged_monitor_free{resource}
	storaged_monitor_total{resource}
	storaged_monitor_ticks_total{status}
	storaged_monitor_tick_duration_seconds
	storaged_monitor_low_interval_seconds

Events:

	storaged_events_published_total{kind,level}
	storaged_events_throttled_total{kind,level}

Cleanup:

	storaged_cleanup_requests_total{unit,status}
	storaged_cleanup_requested_total{unit}
	storaged_cleanup_freed_total{unit}

Filesystem (camerafs):

	storaged_fs_operations_total{operation,status}
	storaged_fs_operation_duration_seconds{operation}
	storaged_fs_errors_total{operation,type}
	storaged_fs_upload_bytes_total
	storaged_fs_preview_cache_requests_total{result}

Error types are the lower-cased StoragedError code when one is present,
otherwise the errno text.
*/
package metrics
