package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"motionstill/internal/config"
	"motionstill/internal/convert"
	"motionstill/internal/fileutil"
)

func newMergeCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "merge <still> <clip>",
		Short: "Merge a still+clip pair back into a single motion photo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			still, err := config.ExpandPath(args[0])
			if err != nil {
				return fmt.Errorf("resolve still path: %w", err)
			}
			clip, err := config.ExpandPath(args[1])
			if err != nil {
				return fmt.Errorf("resolve clip path: %w", err)
			}

			dest := output
			if strings.TrimSpace(dest) == "" {
				base := filepath.Base(still)
				stem := strings.TrimSuffix(base, filepath.Ext(base))
				dest = filepath.Join(filepath.Dir(still), stem+"_motion.heic")
			} else if dest, err = config.ExpandPath(dest); err != nil {
				return fmt.Errorf("resolve output path: %w", err)
			}

			converter := convert.New(cfg, nil, nil, ctx.newLogger())
			result, err := converter.Merge(cmd.Context(), convert.MergeRequest{
				StillPath: still,
				VideoPath: clip,
				Dest:      fileutil.UniquePath(dest),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Motion photo: %s\n", result.OutputPath)
			for _, warning := range result.Warnings {
				fmt.Fprintf(out, "Warning:      %s\n", warning)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (defaults to <still>_motion.heic)")
	return cmd
}
