package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/reclaim"
	"memoptimizer/pkg/config"
)

// globalOptions are the persistent flags shared by every sub-command
type globalOptions struct {
	configPath string
	nodeID     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "memoptimizer",
		Short: "Watch memory pressure and reclaim memory on demand",
		Long: `memoptimizer samples physical memory usage, pages out process working
sets and drops file-system caches, either on request, when usage crosses a
threshold, or on a fixed schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "configs/memoptimizer.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.nodeID, "node-id", "", "override node.id from the configuration")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "print every usage sample and debug logs")

	root.AddCommand(newRunCmd(opts), newOptimizeCmd(opts), newStatsCmd(opts))
	return root
}

// loadConfig reads the configuration and applies flag overrides
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.nodeID != "" {
		cfg.Node.ID = o.nodeID
		// Use node-specific data directory
		cfg.Node.DataDir = filepath.Join(cfg.Node.DataDir, o.nodeID)
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// initLogging installs the global logger. Console output is kept for the
// daemon; one-shot commands only log to the console when verbose.
func (o *globalOptions) initLogging(cfg *config.Config, console bool) (*logging.Logger, error) {
	logger, err := logging.InitializeFromConfig(cfg.Node.ID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole && console,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return logger, nil
}

func newBackends(cfg *config.Config) (*memstats.ProcProvider, *reclaim.OSReclaimer) {
	provider := memstats.NewProcProvider(cfg.System.ProcPath)
	reclaimer := reclaim.NewOSReclaimer(reclaim.Options{
		ProcPath:       cfg.System.ProcPath,
		DropCachesPath: cfg.System.DropCachesPath,
	})
	return provider, reclaimer
}
