package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"memoptimizer/internal/history"
	"memoptimizer/internal/optimizer"
)

// Config represents the main configuration structure
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	System    SystemConfig    `yaml:"system"`
	HTTP      HTTPConfig      `yaml:"http"`
	Fleet     FleetConfig     `yaml:"fleet"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// OptimizerConfig mirrors the user-facing optimizer settings
type OptimizerConfig struct {
	EmptyWorkingSets             bool          `yaml:"empty_working_sets"`
	ClearFileSystemCache         bool          `yaml:"clear_file_system_cache"`
	ClearStandbyCache            bool          `yaml:"clear_standby_cache"`
	ShowStatistics               bool          `yaml:"show_statistics"`
	AutoOptimizePercentage       bool          `yaml:"auto_optimize_percentage"`
	AutoOptimizeThresholdPercent float64       `yaml:"auto_optimize_threshold_percent"`
	SampleInterval               time.Duration `yaml:"sample_interval"`
	AutoOptimizeTimer            bool          `yaml:"auto_optimize_timer"`
	AutoOptimizeInterval         time.Duration `yaml:"auto_optimize_interval"`
	SettleDelay                  time.Duration `yaml:"settle_delay"`
	DebounceWindow               time.Duration `yaml:"debounce_window"`
	ExclusiveRuns                bool          `yaml:"exclusive_runs"`
	ProcessExceptionList         []string      `yaml:"process_exception_list"`
}

// SystemConfig points at the kernel interfaces
type SystemConfig struct {
	ProcPath       string `yaml:"proc_path"`
	DropCachesPath string `yaml:"drop_caches_path"`
}

// HTTPConfig contains the status/control API configuration
type HTTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	Port     int    `yaml:"port"`
}

// FleetConfig contains serf gossip configuration
type FleetConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BindAddr      string        `yaml:"bind_addr"`
	Port          int           `yaml:"port"`
	AdvertiseAddr string        `yaml:"advertise_addr"` // IP that other nodes use to connect
	Seeds         []string      `yaml:"seeds"`
	JoinTimeout   time.Duration `yaml:"join_timeout"`
	TagInterval   time.Duration `yaml:"tag_interval"`
}

// HistoryConfig controls the persisted report log
type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MaxEntries int    `yaml:"max_entries"`
	SyncPolicy string `yaml:"sync_policy"` // "always", "no"
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	BufferSize    int    `yaml:"buffer_size"`    // Async log buffer size
	LogDir        string `yaml:"log_dir"`        // Log directory
}

// Default returns the configuration used when no file is present
func Default() *Config {
	opt := optimizer.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			ID:      "memoptimizer-1",
			DataDir: "/var/lib/memoptimizer",
		},
		Optimizer: OptimizerConfig{
			EmptyWorkingSets:             opt.EmptyWorkingSets,
			ClearFileSystemCache:         opt.ClearFileSystemCache,
			ClearStandbyCache:            opt.ClearStandbyCache,
			ShowStatistics:               opt.ShowStatistics,
			AutoOptimizePercentage:       false,
			AutoOptimizeThresholdPercent: opt.AutoOptimizeThresholdPercent,
			SampleInterval:               opt.SampleInterval,
			AutoOptimizeTimer:            false,
			AutoOptimizeInterval:         opt.AutoOptimizeInterval,
			SettleDelay:                  opt.SettleDelay,
			DebounceWindow:               opt.DebounceWindow,
			ProcessExceptionList:         []string{},
		},
		System: SystemConfig{
			ProcPath:       "/proc",
			DropCachesPath: "/proc/sys/vm/drop_caches",
		},
		HTTP: HTTPConfig{
			Enabled:  true,
			BindAddr: "127.0.0.1",
			Port:     9470,
		},
		Fleet: FleetConfig{
			Enabled:     false,
			BindAddr:    "0.0.0.0",
			Port:        7947,
			Seeds:       []string{},
			JoinTimeout: 30 * time.Second,
			TagInterval: 30 * time.Second,
		},
		History: HistoryConfig{
			Enabled:    true,
			MaxEntries: history.DefaultMaxEntries,
			SyncPolicy: history.SyncAlways,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			LogFile:       "", // Will be set based on node ID
			BufferSize:    1000,
			LogDir:        "logs",
		},
	}
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if err := c.ToOptimizerConfig().Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	if c.System.DropCachesPath == "" {
		return fmt.Errorf("system.drop_caches_path cannot be empty")
	}
	if c.HTTP.Enabled && !validPort(c.HTTP.Port) {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if c.Fleet.Enabled {
		if !validPort(c.Fleet.Port) {
			return fmt.Errorf("fleet.port must be between 1 and 65535")
		}
		if c.Fleet.JoinTimeout <= 0 {
			return fmt.Errorf("fleet.join_timeout must be positive")
		}
		if c.Fleet.TagInterval <= 0 {
			return fmt.Errorf("fleet.tag_interval must be positive")
		}
	}
	if c.History.Enabled {
		if c.Node.DataDir == "" {
			return fmt.Errorf("node.data_dir is required when history is enabled")
		}
		if c.History.MaxEntries < 1 {
			return fmt.Errorf("history.max_entries must be >= 1")
		}
		if !isValidSyncPolicy(c.History.SyncPolicy) {
			return fmt.Errorf("invalid history sync policy: %s", c.History.SyncPolicy)
		}
	}
	return nil
}

// ToOptimizerConfig maps the YAML settings onto the controller configuration
func (c *Config) ToOptimizerConfig() optimizer.Config {
	o := c.Optimizer
	return optimizer.Config{
		EmptyWorkingSets:             o.EmptyWorkingSets,
		ClearFileSystemCache:         o.ClearFileSystemCache,
		ClearStandbyCache:            o.ClearStandbyCache,
		ShowStatistics:               o.ShowStatistics,
		AutoOptimizeEnabled:          o.AutoOptimizePercentage,
		AutoOptimizeThresholdPercent: o.AutoOptimizeThresholdPercent,
		SampleInterval:               o.SampleInterval,
		AutoOptimizeInterval:         o.AutoOptimizeInterval,
		SettleDelay:                  o.SettleDelay,
		DebounceWindow:               o.DebounceWindow,
		ProcessExceptionList:         append([]string(nil), o.ProcessExceptionList...),
		ExclusiveRuns:                o.ExclusiveRuns,
	}
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func isValidSyncPolicy(policy string) bool {
	return policy == history.SyncAlways || policy == history.SyncNone
}
