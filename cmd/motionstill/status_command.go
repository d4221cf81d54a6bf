package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"motionstill/internal/config"
	"motionstill/internal/preflight"
	"motionstill/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show environment and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				printSection(out, "Environment", colorize)
				for _, result := range preflight.RunAll(cmd.Context(), cfg) {
					kind := statusOK
					if !result.Passed {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
				}

				dbCheck := preflight.CheckQueueDatabase(cmd.Context(), store)
				kind := statusOK
				if !dbCheck.Passed {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(dbCheck.Name, kind, dbCheck.Detail, colorize))

				summary, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				printSection(out, "Queue", colorize)
				fmt.Fprintln(out, renderStatusLine("Pending", queueKind(summary.Pending, statusInfo), fmt.Sprintf("%d", summary.Pending), colorize))
				fmt.Fprintln(out, renderStatusLine("Processing", queueKind(summary.Processing, statusInfo), fmt.Sprintf("%d", summary.Processing), colorize))
				fmt.Fprintln(out, renderStatusLine("Completed", statusOK, fmt.Sprintf("%d", summary.Completed), colorize))
				fmt.Fprintln(out, renderStatusLine("Skipped", queueKind(summary.Skipped, statusWarn), fmt.Sprintf("%d", summary.Skipped), colorize))
				fmt.Fprintln(out, renderStatusLine("Failed", queueKind(summary.Failed, statusError), fmt.Sprintf("%d", summary.Failed), colorize))
				return nil
			})
		},
	}
}

func printSection(out io.Writer, title string, colorize bool) {
	for _, line := range renderSectionHeader(title, colorize) {
		fmt.Fprintln(out, line)
	}
}

// queueKind highlights a count only when it is non-zero.
func queueKind(count int, nonzero statusKind) statusKind {
	if count == 0 {
		return statusOK
	}
	return nonzero
}
