package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"memoptimizer/internal/history"
	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/optimizer"
)

// errRunFailed makes the process exit non-zero without printing the message twice
var errRunFailed = errors.New("optimization failed")

func newOptimizeCmd(opts *globalOptions) *cobra.Command {
	var scopeName string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run one optimization and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := optimizer.ParseScope(scopeName)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.initLogging(cfg, opts.verbose)
			if err != nil {
				return err
			}
			defer logger.Close()

			provider, reclaimer := newBackends(cfg)
			ctrl := optimizer.New(provider, reclaimer, nil)
			if err := ctrl.Configure(cfg.ToOptimizerConfig()); err != nil {
				return err
			}
			defer ctrl.Close(context.Background())

			report := ctrl.RunOptimization(cmd.Context(), scope)

			if cfg.History.Enabled {
				persistReport(cmd.Context(), history.Config{
					DataDir:    cfg.Node.DataDir,
					MaxEntries: cfg.History.MaxEntries,
					SyncPolicy: cfg.History.SyncPolicy,
				}, report)
			}

			if err := printReport(cmd.OutOrStdout(), report, asJSON); err != nil {
				return err
			}
			if report.Failed() {
				return errRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeName, "scope", "full", "what to reclaim: full, working-sets or cache")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print current memory usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.initLogging(cfg, opts.verbose)
			if err != nil {
				return err
			}
			defer logger.Close()

			snapshot, err := memstats.NewProcProvider(cfg.System.ProcPath).Sample(cmd.Context())
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snapshot, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

// persistReport records a one-shot run so the daemon's history shows it too
func persistReport(ctx context.Context, cfg history.Config, report optimizer.Report) {
	store, err := history.Open(ctx, cfg)
	if err != nil {
		logging.Warn(ctx, logging.ComponentHistory, logging.ActionPersist, "Report not saved", logging.Fields{
			"error": err.Error(),
		})
		return
	}
	defer store.Close()
	if err := store.Append(report); err != nil {
		logging.Warn(ctx, logging.ComponentHistory, logging.ActionPersist, "Report not saved", logging.Fields{
			"error": err.Error(),
		})
	}
}

func printReport(w io.Writer, report optimizer.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			optimizer.Report
			Message string `json:"message"`
		}{report, report.Message()})
	}
	fmt.Fprintln(w, report.Message())
	for _, actionErr := range report.ActionErrors {
		fmt.Fprintf(w, "  warning: %s\n", actionErr)
	}
	return nil
}

func printSnapshot(w io.Writer, s memstats.UsageSnapshot, asJSON bool) error {
	totals := s.HumanTotals()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			memstats.UsageSnapshot
			Totals memstats.HumanTotals `json:"totals"`
		}{s, totals})
	}
	_, err := fmt.Fprintf(w, "Memory usage: %.1f%% (%s GB available of %s GB)\n", s.UsagePercent, totals.AvailableGB, totals.TotalGB)
	return err
}
