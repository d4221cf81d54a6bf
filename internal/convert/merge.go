package convert

import (
	"context"
	"os"
	"path/filepath"

	"motionstill/internal/bmff"
	"motionstill/internal/fileutil"
	"motionstill/internal/heic"
	"motionstill/internal/identity"
	"motionstill/internal/logging"
	"motionstill/internal/rebuild"
	"motionstill/internal/services"
	"motionstill/internal/vendors"
)

// MergeRequest describes one reverse conversion: a still and its clip
// folded back into a single motion photo container.
type MergeRequest struct {
	// StillPath is the converted still; VideoPath its companion clip.
	StillPath string
	VideoPath string
	// Dest is the output location for the merged container.
	Dest string
}

// MergeResult reports what a merge produced.
type MergeResult struct {
	OutputPath string
	// Warnings carry non-fatal conditions, such as a clip that does not
	// look like a QuickTime container.
	Warnings []string
}

// Merge embeds a clip into a still as a Samsung-style motion photo: the
// brand list is trimmed to Samsung's minimal set and the clip lands in a
// vendor marker box at the end of the stream. The inputs are never
// modified; the destination is replaced atomically.
func (c *Converter) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	log := logging.WithContext(ctx, c.logger)

	data, err := os.ReadFile(req.StillPath)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "convert", "read still", req.StillPath, err)
	}
	root, err := bmff.Parse(data)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "parse container", req.StillPath, err)
	}
	model, err := heic.Build(root, data)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "build item model", req.StillPath, err)
	}

	video, err := os.ReadFile(req.VideoPath)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "convert", "read clip", req.VideoPath, err)
	}

	result := &MergeResult{OutputPath: req.Dest}
	if !looksLikeQuickTime(video) {
		result.Warnings = append(result.Warnings,
			"clip does not look like a QuickTime/MP4 container; devices may not recognize it")
	}

	target, ok := vendors.TargetFor("samsung")
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "convert", "resolve target vendor",
			"samsung adapter not registered", nil)
	}
	changes, err := target.Adapt(model, identity.Pair{})
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "convert", "adapt to target", req.StillPath, err)
	}
	vendors.EmbedVideo(changes, root, video)

	if err := fileutil.EnsureDir(filepath.Dir(req.Dest)); err != nil {
		return nil, services.Wrap(services.ErrTransient, "convert", "prepare output directory", req.Dest, err)
	}
	opts := rebuild.Options{AllowLargeOffsets: c.cfg.Convert.AllowLargeOffsets}
	if err := rebuild.Write(model, changes, req.Dest, opts); err != nil {
		return nil, services.Wrap(services.ErrTransient, "convert", "write motion photo", req.Dest, err)
	}

	log.Info("merge complete",
		logging.String("still", req.StillPath),
		logging.String("clip", req.VideoPath),
		logging.String("output", req.Dest))
	return result, nil
}

// looksLikeQuickTime checks the leading box type the way players sniff
// container files.
func looksLikeQuickTime(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	t := string(b[4:8])
	return t == "ftyp" || t == "moov"
}
