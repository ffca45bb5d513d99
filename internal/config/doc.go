/*
Package config loads the YAML configuration shared by storaged and camerafs.

Sources are applied in order of increasing precedence:

 1. Compiled-in defaults (NewDefault)
 2. The YAML file passed with --config (LoadFromFile)
 3. STORAGED_* environment variables (LoadFromEnv)
 4. Command-line flags, applied by the binaries themselves

A file only needs the keys it overrides; unset keys keep their defaults.
Durations use Go syntax ("90s", "12h").

# Example

	global:
	  log_level: INFO
	  log_format: json
	  metrics_port: 9100
	  api_address: 127.0.0.1:9101

	monitor:
	  poll_interval: 60s
	  data_dir: /var/lib/storaged
	  mount_path: /data
	  report_windows: ["00:00", "08:00", "16:00"]
	  clean_intervals:
	    low_relaxed: 12h
	    low_fast: 1h

	params:
	  file: /etc/storaged/params.yaml
	  watch: true

	cleanup:
	  cache_roots: [/data/app/cache]
	  failure_threshold: 5
	  breaker_timeout: 10m

	usage:
	  bundle_roots: [/data/app/el1, /data/app/el2]
	  user_root: /data/media

	camera:
	  device_root: /media/camera
	  read_only: false
	  enable_move: false
	  timezone: Europe/Berlin

# Environment

	STORAGED_LOG_LEVEL, STORAGED_LOG_FORMAT, STORAGED_LOG_FILE
	STORAGED_METRICS_PORT, STORAGED_API_ADDRESS
	STORAGED_POLL_INTERVAL, STORAGED_DATA_DIR, STORAGED_MOUNT_PATH
	STORAGED_PARAMS_FILE
	STORAGED_CAMERA_ROOT, STORAGED_CAMERA_STAGING_DIR
	STORAGED_CAMERA_READ_ONLY, STORAGED_CAMERA_TIMEZONE
*/
package config
