package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"motionstill/internal/batch"
	"motionstill/internal/config"
	"motionstill/internal/preflight"
	"motionstill/internal/queue"
	"motionstill/internal/workflow"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Scan, process, and clean up the photo library",
	}

	batchCmd.AddCommand(newBatchScanCommand(ctx))
	batchCmd.AddCommand(newBatchRunCommand(ctx))
	batchCmd.AddCommand(newBatchCleanupCommand(ctx))
	return batchCmd
}

func newBatchScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Walk the library and enqueue motion photos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				scanner := batch.NewScanner(cfg, store, nil, ctx.newLogger())
				result, err := scanner.Scan(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Scanned:     %d\n", result.Scanned)
				fmt.Fprintf(out, "Enqueued:    %d\n", result.Enqueued)
				fmt.Fprintf(out, "Duplicates:  %d\n", result.Duplicates)
				fmt.Fprintf(out, "Skipped:     %d\n", result.Skipped)
				fmt.Fprintf(out, "Quarantined: %d\n", result.Quarantined)
				fmt.Fprintf(out, "Orphans:     %d\n", result.Orphans)
				if result.Failed > 0 {
					fmt.Fprintf(out, "Failed:      %d (see log for details)\n", result.Failed)
				}
				return nil
			})
		},
	}
}

func newBatchRunCommand(ctx *commandContext) *cobra.Command {
	var skipScan bool
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan the library, then convert everything queued",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				results := preflight.RunAll(cmd.Context(), cfg)
				if !preflight.AllPassed(results) {
					for _, result := range results {
						if !result.Passed {
							fmt.Fprintf(cmd.ErrOrStderr(), "preflight: %s: %s\n", result.Name, result.Detail)
						}
					}
					return fmt.Errorf("preflight checks failed")
				}

				if workers > 0 {
					cfg.Workflow.Workers = workers
				}

				logger := ctx.newLogger()
				if !skipScan {
					scanner := batch.NewScanner(cfg, store, nil, logger)
					if _, err := scanner.Scan(cmd.Context()); err != nil {
						return err
					}
				}

				mgr := workflow.NewManager(cfg, store, logger)
				if err := mgr.Run(cmd.Context()); err != nil {
					return err
				}

				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Completed: %d\n", stats[queue.StatusCompleted])
				fmt.Fprintf(out, "Skipped:   %d\n", stats[queue.StatusSkipped])
				fmt.Fprintf(out, "Failed:    %d\n", stats[queue.StatusFailed])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&skipScan, "no-scan", false, "Process already-queued items without rescanning the library")
	cmd.Flags().IntVar(&workers, "workers", 0, "Override workflow.workers for this run")
	return cmd
}

func newBatchCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Archive sources of completed conversions and prune staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				cleaner := batch.NewCleaner(cfg, store, nil, ctx.newLogger())
				result, err := cleaner.Run(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Archived:        %d\n", result.Archived)
				fmt.Fprintf(out, "Missing outputs: %d\n", result.MissingOutputs)
				fmt.Fprintf(out, "Trailers:        %d\n", result.TrailersArchived)
				fmt.Fprintf(out, "Staging removed: %d\n", result.StagingRemoved)
				if result.Failed > 0 {
					fmt.Fprintf(out, "Failed:          %d (see log for details)\n", result.Failed)
				}
				return nil
			})
		},
	}
}
