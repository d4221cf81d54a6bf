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

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var outputDir string
	var sidecar string
	var stillOnly bool
	var skipTag bool

	cmd := &cobra.Command{
		Use:   "convert <motion-photo>",
		Short: "Convert a single motion photo into a still+clip pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			source, err := config.ExpandPath(args[0])
			if err != nil {
				return fmt.Errorf("resolve source path: %w", err)
			}

			destDir := cfg.Paths.OutputDir
			if strings.TrimSpace(outputDir) != "" {
				destDir, err = config.ExpandPath(outputDir)
				if err != nil {
					return fmt.Errorf("resolve output directory: %w", err)
				}
			}
			if err := fileutil.EnsureDir(destDir); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			videoSource := ""
			if strings.TrimSpace(sidecar) != "" {
				videoSource, err = config.ExpandPath(sidecar)
				if err != nil {
					return fmt.Errorf("resolve sidecar path: %w", err)
				}
			}

			if skipTag {
				cfg.Tagging.Skip = true
			}

			base := filepath.Base(source)
			stem := strings.TrimSuffix(base, filepath.Ext(base))
			converter := convert.New(cfg, nil, nil, ctx.newLogger())
			result, err := converter.Convert(cmd.Context(), convert.Request{
				SourcePath:      source,
				VideoSourcePath: videoSource,
				StillDest:       fileutil.UniquePath(filepath.Join(destDir, stem+".heic")),
				VideoDest:       fileutil.UniquePath(filepath.Join(destDir, stem+".mov")),
				StillOnly:       stillOnly,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Still:      %s\n", result.StillPath)
			if result.VideoPath != "" {
				fmt.Fprintf(out, "Clip:       %s\n", result.VideoPath)
			}
			fmt.Fprintf(out, "Profile:    %s\n", profileLabel(result.Profile))
			fmt.Fprintf(out, "Content ID: %s\n", result.Pair.ContentID)
			for _, warning := range result.Warnings {
				fmt.Fprintf(out, "Warning:    %s\n", warning)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Destination directory (defaults to paths.output_dir)")
	cmd.Flags().StringVar(&sidecar, "sidecar", "", "Sidecar video shot alongside the still")
	cmd.Flags().BoolVar(&stillOnly, "still-only", false, "Convert sources without a motion clip")
	cmd.Flags().BoolVar(&skipTag, "skip-tag", false, "Emit the clip untagged and report a warning")
	return cmd
}
