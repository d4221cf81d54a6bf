package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"motionstill/internal/bmff"
	"motionstill/internal/config"
	"motionstill/internal/heic"
	"motionstill/internal/rebuild"
	"motionstill/internal/vendors"
)

func newInspectCommand(ctx *commandContext) *cobra.Command {
	var showItems bool
	var showBoxes bool

	cmd := &cobra.Command{
		Use:         "inspect <heic-file>",
		Short:       "Inspect a HEIC container's brands, items, and motion data",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}

			root, err := bmff.Parse(data)
			if err != nil {
				return fmt.Errorf("parse container: %w", err)
			}
			model, err := heic.Build(root, data)
			if err != nil {
				return fmt.Errorf("build item model: %w", err)
			}

			out := cmd.OutOrStdout()

			pairs := [][2]string{
				{"File", path},
				{"Size", fmt.Sprintf("%d bytes", len(data))},
			}
			if major, brands, ok := decodeFtyp(root); ok {
				pairs = append(pairs,
					[2]string{"Major brand", major},
					[2]string{"Compatible brands", strings.Join(brands, " ")})
			}

			if profile, err := vendors.Classify(model, root); err != nil {
				pairs = append(pairs, [2]string{"Vendor profile", fmt.Sprintf("ambiguous (%v)", err)})
			} else {
				pairs = append(pairs, [2]string{"Vendor profile", profileLabel(profile)})
			}

			if primary, err := model.PrimaryItem(); err == nil {
				desc := fmt.Sprintf("item %d (%s)", primary.ID(), primary.Info.ItemType)
				if w, h, ok := model.SpatialExtents(primary.ID()); ok {
					desc += fmt.Sprintf(" %dx%d", w, h)
				}
				pairs = append(pairs, [2]string{"Primary item", desc})
				if grid, err := model.Grid(primary.ID()); err == nil {
					pairs = append(pairs, [2]string{"Grid", fmt.Sprintf("%dx%d tiles of %dx%d",
						grid.Rows, grid.Columns, grid.TileWidth, grid.TileHeight)})
				}
			}

			if videoRange, ok := vendors.LocateEmbeddedVideo(root); ok {
				pairs = append(pairs, [2]string{"Embedded video", fmt.Sprintf("%d bytes at offset %d",
					videoRange.Length, videoRange.Offset)})
			} else {
				pairs = append(pairs, [2]string{"Embedded video", "none"})
			}

			if pair, ok := rebuild.ReadVendorMetadata(root); ok {
				pairs = append(pairs,
					[2]string{"Content ID", pair.ContentID},
					[2]string{"Photo ID", pair.PhotoID})
			}

			if tiff, ok := model.Exif(); ok {
				if summary, err := heic.SummarizeExif(tiff); err == nil {
					camera := strings.TrimSpace(summary.Make + " " + summary.Model)
					if camera != "" {
						pairs = append(pairs, [2]string{"Camera", camera})
					}
					if !summary.Taken.IsZero() {
						pairs = append(pairs, [2]string{"Taken", summary.Taken.Format("2006-01-02 15:04:05")})
					}
				}
			}

			fmt.Fprintln(out, renderKeyValues(pairs))

			if showItems {
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Type", "Name", "Payload"},
					buildItemRows(model),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
				))
			}
			if showBoxes {
				printBoxTree(out, root, 0)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showItems, "items", false, "List every item in the container")
	cmd.Flags().BoolVar(&showBoxes, "boxes", false, "Dump the raw box tree")
	return cmd
}

// printBoxTree writes an indented box dump with offsets and sizes.
func printBoxTree(out io.Writer, box *bmff.Box, depth int) {
	if depth > 0 {
		indent := strings.Repeat("  ", depth-1)
		fmt.Fprintf(out, "%s%s  [%d, %d) %d bytes\n",
			indent, box.Type, box.Start, box.End, box.End-box.Start)
	}
	for _, child := range box.Children {
		printBoxTree(out, child, depth+1)
	}
}

func buildItemRows(model *heic.ItemModel) [][]string {
	items := model.Items()
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		size := "-"
		if payload, err := model.ItemPayload(item.ID()); err == nil {
			size = strconv.Itoa(len(payload))
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(item.ID()), 10),
			item.Info.ItemType,
			item.Info.Name,
			size,
		})
	}
	return rows
}

// decodeFtyp extracts the major brand and compatible brand list.
func decodeFtyp(root *bmff.Box) (string, []string, bool) {
	ftyp := root.Child(bmff.TypeFtyp)
	if ftyp == nil || len(ftyp.Payload) < 8 {
		return "", nil, false
	}
	major := strings.TrimSpace(string(ftyp.Payload[:4]))
	var brands []string
	for off := 8; off+4 <= len(ftyp.Payload); off += 4 {
		brands = append(brands, strings.TrimSpace(string(ftyp.Payload[off:off+4])))
	}
	return major, brands, true
}

func profileLabel(profile vendors.Profile) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(string(profile), "-", " "))
}
