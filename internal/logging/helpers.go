package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig mirrors the logging section of the YAML configuration
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// InitializeFromConfig builds a logger from configuration and installs it as
// the global logger
func InitializeFromConfig(nodeID string, logConfig LogConfig) (*Logger, error) {
	logFile := logConfig.LogFile
	if logConfig.EnableFile {
		if logConfig.LogDir != "" {
			if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		if logFile == "" {
			logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", nodeID))
		}
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// Component names for structured logging
const (
	ComponentMain      = "main"
	ComponentConfig    = "config"
	ComponentMonitor   = "monitor"
	ComponentOptimizer = "optimizer"
	ComponentScheduler = "scheduler"
	ComponentReclaim   = "reclaim"
	ComponentStats     = "stats"
	ComponentEventBus  = "event_bus"
	ComponentNotify    = "notify"
	ComponentHistory   = "history"
	ComponentMetrics   = "metrics"
	ComponentFleet     = "fleet"
	ComponentHTTP      = "http"
)

// Action names for structured logging
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionConfigure  = "configure"
	ActionSample     = "sample"
	ActionPublish    = "publish"
	ActionEnable     = "enable"
	ActionDisable    = "disable"
	ActionTrigger    = "trigger"
	ActionDebounce   = "debounce"
	ActionOptimize   = "optimize"
	ActionTrim       = "trim_working_sets"
	ActionDropCaches = "clear_file_system_cache"
	ActionSettle     = "settle"
	ActionSavings    = "savings"
	ActionSchedule   = "schedule"
	ActionRequest    = "request"
	ActionResponse   = "response"
	ActionJoin       = "join"
	ActionLeave      = "leave"
	ActionGossip     = "gossip"
	ActionPersist    = "persist"
	ActionRestore    = "restore"
	ActionCompaction = "compaction"
	ActionRecover    = "recover"
)

// CronAdapter adapts the global logger to the logger interface expected by
// robfig/cron (Info and Error with alternating key/value pairs).
type CronAdapter struct {
	component string
}

// CronLogger returns a cron.Logger compatible adapter writing under component
func CronLogger(component string) *CronAdapter {
	return &CronAdapter{component: component}
}

func (c *CronAdapter) Info(msg string, keysAndValues ...interface{}) {
	Debug(context.Background(), c.component, ActionSchedule, msg, kvFields(keysAndValues))
}

func (c *CronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	Error(context.Background(), c.component, ActionSchedule, msg, err, kvFields(keysAndValues))
}

func kvFields(keysAndValues []interface{}) Fields {
	if len(keysAndValues) == 0 {
		return nil
	}
	fields := make(Fields, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 < len(keysAndValues) {
			fields[key] = keysAndValues[i+1]
		} else {
			fields[key] = nil
		}
	}
	return fields
}
