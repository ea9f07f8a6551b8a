package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memoptimizer/internal/api"
	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/fleet"
	"memoptimizer/internal/history"
	"memoptimizer/internal/logging"
	"memoptimizer/internal/metrics"
	"memoptimizer/internal/notify"
	"memoptimizer/internal/optimizer"
	"memoptimizer/pkg/config"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the memory monitor as a daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.initLogging(cfg, true)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

			return runDaemon(ctx, cmd, cfg, opts.verbose)
		},
	}
}

func runDaemon(ctx context.Context, cmd *cobra.Command, cfg *config.Config, verbose bool) error {
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "memoptimizer starting", logging.Fields{
		"node_id":  cfg.Node.ID,
		"data_dir": cfg.Node.DataDir,
		"http":     cfg.HTTP.Enabled,
		"fleet":    cfg.Fleet.Enabled,
		"history":  cfg.History.Enabled,
	})

	provider, reclaimer := newBackends(cfg)
	bus := eventbus.New(0)
	defer bus.Close()

	ctrl := optimizer.New(provider, reclaimer, bus)
	if err := ctrl.Configure(cfg.ToOptimizerConfig()); err != nil {
		return err
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// Subscribers register here, before EnableMonitor publishes the first
	// sample; only the consuming loops run on their own goroutines.
	notifier := notify.New(cmd.OutOrStdout(), func() bool { return ctrl.Config().ShowStatistics }, verbose)
	notifyEvents := notifier.Subscribe(bus)
	spawn(func() { notifier.Run(ctx, notifyEvents) })

	exporter := metrics.New(true)
	metricEvents := exporter.Subscribe(bus)
	spawn(func() { exporter.Run(ctx, metricEvents) })

	var reports api.ReportHistory
	if cfg.History.Enabled {
		store, err := history.Open(ctx, history.Config{
			DataDir:    cfg.Node.DataDir,
			MaxEntries: cfg.History.MaxEntries,
			SyncPolicy: cfg.History.SyncPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to open report history: %w", err)
		}
		defer store.Close()
		reports = store
		historyEvents := store.Subscribe(bus)
		spawn(func() { store.Run(ctx, historyEvents) })
	}

	var peers api.PeerSource
	if cfg.Fleet.Enabled {
		agent := fleet.New(fleet.Config{
			NodeID:        cfg.Node.ID,
			BindAddr:      cfg.Fleet.BindAddr,
			BindPort:      cfg.Fleet.Port,
			AdvertiseAddr: cfg.Fleet.AdvertiseAddr,
			Seeds:         cfg.Fleet.Seeds,
			JoinTimeout:   cfg.Fleet.JoinTimeout,
			TagInterval:   cfg.Fleet.TagInterval,
		})
		if err := agent.Start(ctx); err != nil {
			return fmt.Errorf("failed to start fleet agent: %w", err)
		}
		defer agent.Stop()
		if err := agent.Join(ctx); err != nil {
			logging.Warn(ctx, logging.ComponentFleet, logging.ActionJoin, "Running without fleet peers", logging.Fields{
				"error": err.Error(),
			})
		}
		peers = agent
		fleetEvents := agent.Subscribe(bus)
		spawn(func() { agent.Run(ctx, fleetEvents) })
	}

	if cfg.HTTP.Enabled {
		server := api.New(api.Options{
			NodeID:     cfg.Node.ID,
			Addr:       net.JoinHostPort(cfg.HTTP.BindAddr, strconv.Itoa(cfg.HTTP.Port)),
			Controller: ctrl,
			History:    reports,
			Peers:      peers,
			Events:     bus,
			Metrics:    exporter.Handler(),
		})
		spawn(func() {
			if err := server.ListenAndServe(ctx); err != nil {
				logging.Error(ctx, logging.ComponentHTTP, logging.ActionStart, "HTTP API server error", err)
			}
		})
	}

	ctrl.EnableMonitor(ctx)
	if cfg.Optimizer.AutoOptimizeTimer {
		if err := ctrl.SetAutoOptimizeTimer(true, cfg.Optimizer.AutoOptimizeInterval); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logging.Info(context.Background(), logging.ComponentMain, logging.ActionStop, "Shutting down", logging.Fields{
		"node_id": cfg.Node.ID,
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Close(closeCtx); err != nil {
		logging.Warn(context.Background(), logging.ComponentMain, logging.ActionStop, "Optimization still running at shutdown, cancelled", logging.Fields{
			"error": err.Error(),
		})
	}

	bus.Close()
	wg.Wait()
	return nil
}
