package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"motionstill/internal/bmff"
	"motionstill/internal/config"
	"motionstill/internal/fileutil"
	"motionstill/internal/heic"
	"motionstill/internal/identity"
	"motionstill/internal/logging"
	"motionstill/internal/rebuild"
	"motionstill/internal/services"
	"motionstill/internal/services/exiftool"
	"motionstill/internal/services/heifcodec"
	"motionstill/internal/vendors"
)

// ErrNoEmbeddedVideo reports a source that carries no motion clip, neither
// embedded nor as a sidecar file.
var ErrNoEmbeddedVideo = errors.New("no embedded motion video")

// clipIdentifierTag is the QuickTime metadata key pairing a clip with its
// still. Photo libraries match it against the still's content identifier.
const clipIdentifierTag = "QuickTime:ContentIdentifier"

// Request describes one conversion.
type Request struct {
	// SourcePath is the motion photo still to convert.
	SourcePath string
	// VideoSourcePath optionally names a sidecar clip shot alongside the
	// still. It is used when the container has no embedded video.
	VideoSourcePath string
	// StillDest and VideoDest are the output locations. VideoDest may be
	// empty when StillOnly is set.
	StillDest string
	VideoDest string
	// StillOnly converts sources without any motion clip instead of
	// rejecting them; no video output is produced for such sources.
	StillOnly bool
	// DeferTagging leaves the extracted clip untagged so the caller can
	// run the tagging step separately.
	DeferTagging bool
}

// Result reports what a conversion produced.
type Result struct {
	StillPath string
	VideoPath string
	Profile   vendors.Profile
	Pair      identity.Pair
	// Warnings carry non-fatal conditions, such as a clip emitted untagged.
	Warnings []string
}

// Converter rewrites vendor motion photos into target-convention pairs.
type Converter struct {
	cfg    *config.Config
	exif   exiftool.Client
	codec  heifcodec.Client
	logger *slog.Logger
}

// New assembles a converter from configuration. Passing nil clients builds
// CLI-backed defaults from the configured binaries.
func New(cfg *config.Config, exifClient exiftool.Client, codecClient heifcodec.Client, logger *slog.Logger) *Converter {
	if exifClient == nil {
		exifClient = exiftool.NewCLI(exiftool.WithBinary(cfg.Tools.ExiftoolBinary))
	}
	if codecClient == nil {
		opts := []heifcodec.Option{heifcodec.WithBinary(cfg.Tools.CodecBinary)}
		if len(cfg.Tools.CodecArgs) > 0 {
			opts = append(opts, heifcodec.WithArgs(cfg.Tools.CodecArgs))
		}
		codecClient = heifcodec.NewCLI(opts...)
	}
	return &Converter{
		cfg:    cfg,
		exif:   exifClient,
		codec:  codecClient,
		logger: logging.NewComponentLogger(logger, "convert"),
	}
}

// Convert rewrites one source into a still+clip pair at the requested
// destinations. The source file is never modified; outputs are replaced
// atomically so a failure cannot leave a torn file behind.
func (c *Converter) Convert(ctx context.Context, req Request) (*Result, error) {
	log := logging.WithContext(ctx, c.logger)

	data, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "convert", "read source", req.SourcePath, err)
	}

	root, err := bmff.Parse(data)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "parse container", req.SourcePath, err)
	}
	model, err := heic.Build(root, data)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "build item model", req.SourcePath, err)
	}

	profile, err := vendors.Classify(model, root)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "classify vendor", req.SourcePath, err)
	}
	log.Info("source classified",
		logging.String("source", req.SourcePath),
		logging.String("profile", string(profile)))

	source, ok := vendors.SourceFor("samsung")
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "convert", "resolve source vendor", "samsung resolver not registered", nil)
	}
	normalized, err := source.Normalize(model)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "normalize item tables", req.SourcePath, err)
	}

	videoRange, hasEmbedded := vendors.LocateEmbeddedVideo(root)
	hasSidecar := strings.TrimSpace(req.VideoSourcePath) != ""
	if !hasEmbedded && !hasSidecar && !req.StillOnly {
		return nil, services.Wrap(services.ErrValidation, "convert", "locate motion clip",
			req.SourcePath, ErrNoEmbeddedVideo)
	}

	target, ok := vendors.TargetFor(c.cfg.Convert.Target)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "convert", "resolve target vendor",
			fmt.Sprintf("no adapter for target %q", c.cfg.Convert.Target), nil)
	}

	pair := identity.NewPair()
	changes, err := target.Adapt(normalized, pair)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "adapt to target", req.SourcePath, err)
	}

	if err := c.flattenGrid(ctx, normalized, changes, data, req.SourcePath); err != nil {
		return nil, err
	}

	if hasEmbedded {
		changes.DropTopLevel(bmff.TypeMpvd)
	}

	if err := fileutil.EnsureDir(filepath.Dir(req.StillDest)); err != nil {
		return nil, services.Wrap(services.ErrTransient, "convert", "prepare output directory", req.StillDest, err)
	}
	opts := rebuild.Options{AllowLargeOffsets: c.cfg.Convert.AllowLargeOffsets}
	if err := rebuild.Write(normalized, changes, req.StillDest, opts); err != nil {
		if errors.Is(err, rebuild.ErrOffsetOverflow) {
			return nil, services.Wrap(services.ErrValidation, "convert", "write still",
				"output exceeds 32-bit offsets; enable convert.allow_large_offsets", err)
		}
		return nil, services.Wrap(services.ErrTransient, "convert", "write still", req.StillDest, err)
	}

	result := &Result{
		StillPath: req.StillDest,
		Profile:   profile,
		Pair:      pair,
	}

	switch {
	case hasEmbedded:
		clip := data[videoRange.Offset : videoRange.Offset+videoRange.Length]
		if err := fileutil.WriteFileAtomic(req.VideoDest, clip, 0o644); err != nil {
			return nil, services.Wrap(services.ErrTransient, "convert", "write clip", req.VideoDest, err)
		}
		result.VideoPath = req.VideoDest
	case hasSidecar:
		if err := fileutil.CopyFileVerified(req.VideoSourcePath, req.VideoDest); err != nil {
			return nil, services.Wrap(services.ErrTransient, "convert", "copy sidecar clip", req.VideoDest, err)
		}
		result.VideoPath = req.VideoDest
	}

	if result.VideoPath != "" && !req.DeferTagging {
		if c.cfg.Tagging.Skip {
			result.Warnings = append(result.Warnings, "clip left untagged (tagging.skip is set)")
		} else if err := c.TagClip(ctx, result.VideoPath, pair.ContentID); err != nil {
			return nil, err
		}
	}

	log.Info("conversion complete",
		logging.String("still", result.StillPath),
		logging.String("clip", result.VideoPath),
		logging.String("content_id", pair.ContentID))
	return result, nil
}

// flattenGrid grafts a flattened primary image onto the change-set when the
// normalized model's primary item is a derived grid. Flat sources pass
// through untouched.
func (c *Converter) flattenGrid(ctx context.Context, m *heic.ItemModel, changes *rebuild.ChangeSet, data []byte, sourcePath string) error {
	primary, err := m.PrimaryItem()
	if err != nil {
		return services.Wrap(services.ErrValidation, "convert", "resolve primary item", sourcePath, err)
	}
	if primary.Info.ItemType != "grid" {
		return nil
	}
	grid, err := m.Grid(primary.ID())
	if err != nil {
		return services.Wrap(services.ErrValidation, "convert", "parse grid descriptor", sourcePath, err)
	}

	hint := ""
	if strings.EqualFold(filepath.Ext(sourcePath), ".heif") {
		hint = "heif"
	}
	flat, err := c.codec.ReencodeFlat(ctx, data, hint)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "flatten grid", sourcePath, err)
	}

	flatRoot, err := bmff.Parse(flat)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "parse codec output", sourcePath, err)
	}
	flatModel, err := heic.Build(flatRoot, flat)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "model codec output", sourcePath, err)
	}
	flatPrimary, err := flatModel.PrimaryItem()
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "resolve flattened primary", sourcePath, err)
	}
	payload, err := flatModel.ItemPayload(flatPrimary.ID())
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "read flattened payload", sourcePath, err)
	}

	specs, err := flattenedProperties(m, flatModel, primary, flatPrimary)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "collect flattened properties", sourcePath, err)
	}

	changes.ReplacePayload(primary.ID(), payload).
		SetItemType(primary.ID(), flatPrimary.Info.ItemType).
		SetReferences("dimg", primary.ID(), nil).
		RemoveItems(grid.Tiles...).
		SetProperties(primary.ID(), specs)
	return nil
}

// flattenedProperties builds the primary item's new association list: the
// codec's decoder config and spatial extents, plus color and orientation
// properties carried over from the source.
func flattenedProperties(src, flat *heic.ItemModel, srcPrimary, flatPrimary *heic.Item) ([]rebuild.PropertySpec, error) {
	flatBoxes, err := flat.PropertyBoxes(flatPrimary.ID())
	if err != nil {
		return nil, err
	}

	var specs []rebuild.PropertySpec
	i := 0
	for _, a := range flatPrimary.Associations {
		if a.Index == 0 {
			continue
		}
		box := flatBoxes[i]
		i++
		switch box.Type.String() {
		case "hvcC", "av1C", "ispe", "pixi":
			specs = append(specs, rebuild.PropertySpec{Box: box, Essential: a.Essential})
		}
	}

	srcBoxes, err := src.PropertyBoxes(srcPrimary.ID())
	if err != nil {
		return nil, err
	}
	j := 0
	for _, a := range srcPrimary.Associations {
		if a.Index == 0 {
			continue
		}
		box := srcBoxes[j]
		j++
		switch box.Type.String() {
		case "colr", "irot", "imir":
			specs = append(specs, rebuild.PropertySpec{Box: box, Essential: a.Essential})
		}
	}
	return specs, nil
}

// TagClip stamps the content identifier onto an extracted clip so photo
// libraries pair it with the converted still.
func (c *Converter) TagClip(ctx context.Context, path, contentID string) error {
	if err := c.exif.Tag(ctx, path, clipIdentifierTag, contentID); err != nil {
		return services.Wrap(services.ErrExternalTool, "convert", "tag clip", path, err)
	}
	return nil
}
