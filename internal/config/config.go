package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration. Both
// binaries load the same file; each reads the sections it needs.
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Monitor MonitorConfig `yaml:"monitor"`
	Params  ParamsConfig  `yaml:"params"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Usage   UsageConfig   `yaml:"usage"`
	Events  EventsConfig  `yaml:"events"`
	Camera  CameraConfig  `yaml:"camera"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	APIAddress  string `yaml:"api_address"`
}

// MonitorConfig represents the storage monitor loop settings
type MonitorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	DataDir         string        `yaml:"data_dir"`
	MountPath       string        `yaml:"mount_path"`
	SystemPath      string        `yaml:"system_path"`
	ReportWindows   []string      `yaml:"report_windows"`
	ReportTolerance time.Duration `yaml:"report_tolerance"`

	// Clean intervals throttle storage-low events; notify intervals
	// throttle user notifications.
	CleanIntervals  IntervalConfig `yaml:"clean_intervals"`
	NotifyIntervals IntervalConfig `yaml:"notify_intervals"`
}

// IntervalConfig represents per-level throttle intervals
type IntervalConfig struct {
	LowRelaxed time.Duration `yaml:"low_relaxed"`
	LowFast    time.Duration `yaml:"low_fast"`
	Medium     time.Duration `yaml:"medium"`
	High       time.Duration `yaml:"high"`
	Rich       time.Duration `yaml:"rich"`
}

// ParamsConfig locates the system parameter file
type ParamsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// CleanupConfig represents cache cleanup settings
type CleanupConfig struct {
	CacheRoots       []string      `yaml:"cache_roots"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// UsageConfig represents usage report settings
type UsageConfig struct {
	BundleRoots []string `yaml:"bundle_roots"`
	UserRoot    string   `yaml:"user_root"`
}

// EventsConfig represents event delivery settings
type EventsConfig struct {
	// SpoolFile is relative to the data directory unless absolute.
	SpoolFile string `yaml:"spool_file"`
	Log       bool   `yaml:"log"`
}

// CameraConfig represents camera filesystem settings
type CameraConfig struct {
	DeviceRoot       string   `yaml:"device_root"`
	StagingDir       string   `yaml:"staging_dir"`
	ReadOnly         bool     `yaml:"read_only"`
	EnableMove       bool     `yaml:"enable_move"`
	Timezone         string   `yaml:"timezone"`
	PreviewCacheSize int64    `yaml:"preview_cache_size"`
	MountOptions     []string `yaml:"mount_options"`
	AllowOther       bool     `yaml:"allow_other"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			LogFile:     "",
			MetricsPort: 9100,
			APIAddress:  "127.0.0.1:9101",
		},
		Monitor: MonitorConfig{
			PollInterval:    60 * time.Second,
			DataDir:         "/var/lib/storaged",
			MountPath:       "/data",
			SystemPath:      "/",
			ReportWindows:   []string{"00:00", "08:00", "16:00"},
			ReportTolerance: time.Minute,
			CleanIntervals: IntervalConfig{
				LowRelaxed: 12 * time.Hour,
				LowFast:    time.Hour,
				Medium:     24 * time.Hour,
				High:       24 * time.Hour,
				Rich:       24 * time.Hour,
			},
			NotifyIntervals: IntervalConfig{
				LowRelaxed: 12 * time.Hour,
				LowFast:    time.Hour,
				Medium:     24 * time.Hour,
				High:       24 * time.Hour,
				Rich:       24 * time.Hour,
			},
		},
		Params: ParamsConfig{
			File:  "/etc/storaged/params.yaml",
			Watch: true,
		},
		Cleanup: CleanupConfig{
			CacheRoots:       []string{"/data/app/cache"},
			FailureThreshold: 5,
			BreakerTimeout:   10 * time.Minute,
		},
		Usage: UsageConfig{
			BundleRoots: []string{"/data/app/el1", "/data/app/el2"},
			UserRoot:    "/data/media",
		},
		Events: EventsConfig{
			SpoolFile: "events.jsonl",
			Log:       true,
		},
		Camera: CameraConfig{
			DeviceRoot:       "/media/camera",
			StagingDir:       os.TempDir(),
			Timezone:         "Local",
			PreviewCacheSize: 4096,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. Values that
// do not parse are ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("STORAGED_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("STORAGED_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("STORAGED_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("STORAGED_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("STORAGED_API_ADDRESS"); val != "" {
		c.Global.APIAddress = val
	}

	// Monitor settings
	if val := os.Getenv("STORAGED_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Monitor.PollInterval = d
		}
	}
	if val := os.Getenv("STORAGED_DATA_DIR"); val != "" {
		c.Monitor.DataDir = val
	}
	if val := os.Getenv("STORAGED_MOUNT_PATH"); val != "" {
		c.Monitor.MountPath = val
	}
	if val := os.Getenv("STORAGED_PARAMS_FILE"); val != "" {
		c.Params.File = val
	}

	// Camera settings
	if val := os.Getenv("STORAGED_CAMERA_ROOT"); val != "" {
		c.Camera.DeviceRoot = val
	}
	if val := os.Getenv("STORAGED_CAMERA_STAGING_DIR"); val != "" {
		c.Camera.StagingDir = val
	}
	if val := os.Getenv("STORAGED_CAMERA_READ_ONLY"); val != "" {
		c.Camera.ReadOnly = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("STORAGED_CAMERA_TIMEZONE"); val != "" {
		c.Camera.Timezone = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SpoolPath returns the event spool location, or "" when spooling is off.
func (c *Configuration) SpoolPath() string {
	if c.Events.SpoolFile == "" || filepath.IsAbs(c.Events.SpoolFile) {
		return c.Events.SpoolFile
	}
	return filepath.Join(c.Monitor.DataDir, c.Events.SpoolFile)
}

// Location resolves the camera timezone.
func (c *CameraConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be greater than 0")
	}

	if c.Monitor.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}

	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", c.Global.MetricsPort)
	}

	for _, w := range c.Monitor.ReportWindows {
		if _, err := time.Parse("15:04", strings.TrimSpace(w)); err != nil {
			return fmt.Errorf("invalid report window %q", w)
		}
	}

	for name, iv := range map[string]IntervalConfig{
		"clean_intervals":  c.Monitor.CleanIntervals,
		"notify_intervals": c.Monitor.NotifyIntervals,
	} {
		if iv.LowFast > 0 && iv.LowRelaxed > 0 && iv.LowFast > iv.LowRelaxed {
			return fmt.Errorf("%s: low_fast must not exceed low_relaxed", name)
		}
	}

	if c.Camera.PreviewCacheSize < 0 {
		return fmt.Errorf("preview_cache_size must not be negative")
	}

	if _, err := c.Camera.Location(); err != nil {
		return fmt.Errorf("invalid camera timezone %q: %w", c.Camera.Timezone, err)
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
