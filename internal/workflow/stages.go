package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"motionstill/internal/config"
	"motionstill/internal/convert"
	"motionstill/internal/fileutil"
	"motionstill/internal/logging"
	"motionstill/internal/queue"
	"motionstill/internal/services"
	"motionstill/internal/stage"
)

// ConvertStage rewrites the source motion photo into a still+clip pair under
// a per-item staging directory, then moves the outputs into the output
// directory.
type ConvertStage struct {
	cfg       *config.Config
	converter *convert.Converter
	logger    *slog.Logger
}

// NewConvertStage builds the conversion stage.
func NewConvertStage(cfg *config.Config, converter *convert.Converter, logger *slog.Logger) *ConvertStage {
	return &ConvertStage{
		cfg:       cfg,
		converter: converter,
		logger:    logging.NewComponentLogger(logger, "convert"),
	}
}

func (s *ConvertStage) Prepare(ctx context.Context, item *queue.Item) error {
	if _, err := os.Stat(item.SourcePath); err != nil {
		return services.Wrap(services.ErrNotFound, "convert", "stat source", item.SourcePath, err)
	}
	item.SetProgress("convert", "conversion started")
	return nil
}

func (s *ConvertStage) Execute(ctx context.Context, item *queue.Item) error {
	stagingDir := filepath.Join(s.cfg.Paths.StagingDir, fmt.Sprintf("item-%d", item.ID))
	if err := fileutil.EnsureDir(stagingDir); err != nil {
		return services.Wrap(services.ErrTransient, "convert", "prepare staging", stagingDir, err)
	}
	defer os.RemoveAll(stagingDir)

	stem := sourceStem(item.SourcePath)
	result, err := s.converter.Convert(ctx, convert.Request{
		SourcePath:      item.SourcePath,
		VideoSourcePath: item.VideoSourcePath,
		StillDest:       filepath.Join(stagingDir, stem+".heic"),
		VideoDest:       filepath.Join(stagingDir, stem+".mov"),
		DeferTagging:    true,
	})
	if err != nil {
		return err
	}

	if err := fileutil.EnsureDir(s.cfg.Paths.OutputDir); err != nil {
		return services.Wrap(services.ErrTransient, "convert", "prepare output directory", s.cfg.Paths.OutputDir, err)
	}
	finalStill := fileutil.UniquePath(filepath.Join(s.cfg.Paths.OutputDir, stem+".heic"))
	if err := fileutil.MoveFileVerified(result.StillPath, finalStill); err != nil {
		return services.Wrap(services.ErrTransient, "convert", "publish still", finalStill, err)
	}
	item.StillPath = finalStill

	if result.VideoPath != "" {
		finalClip := fileutil.UniquePath(filepath.Join(s.cfg.Paths.OutputDir, stem+".mov"))
		if err := fileutil.MoveFileVerified(result.VideoPath, finalClip); err != nil {
			return services.Wrap(services.ErrTransient, "convert", "publish clip", finalClip, err)
		}
		item.VideoPath = finalClip
	}

	item.VendorProfile = string(result.Profile)
	item.ContentID = result.Pair.ContentID
	item.PhotoID = result.Pair.PhotoID
	item.SetProgress("convert", "outputs written")
	return nil
}

func (s *ConvertStage) HealthCheck(ctx context.Context) stage.Health {
	if _, err := exec.LookPath(s.cfg.Tools.CodecBinary); err != nil {
		return stage.Unhealthy("convert", fmt.Sprintf("codec binary %q not found", s.cfg.Tools.CodecBinary))
	}
	return stage.Healthy("convert")
}

// TagStage stamps the extracted clip with the content identifier that ties
// it back to the still.
type TagStage struct {
	cfg       *config.Config
	converter *convert.Converter
	logger    *slog.Logger
}

// NewTagStage builds the tagging stage.
func NewTagStage(cfg *config.Config, converter *convert.Converter, logger *slog.Logger) *TagStage {
	return &TagStage{
		cfg:       cfg,
		converter: converter,
		logger:    logging.NewComponentLogger(logger, "tagging"),
	}
}

func (s *TagStage) Prepare(ctx context.Context, item *queue.Item) error {
	item.SetProgress("tagging", "clip tagging started")
	return nil
}

func (s *TagStage) Execute(ctx context.Context, item *queue.Item) error {
	if item.VideoPath == "" {
		return nil
	}
	if strings.TrimSpace(item.ContentID) == "" {
		return services.Wrap(services.ErrValidation, "tagging", "resolve content id",
			"item carries no content identifier", nil)
	}
	if err := s.converter.TagClip(ctx, item.VideoPath, item.ContentID); err != nil {
		return err
	}
	item.SetProgress("tagging", "clip tagged")
	return nil
}

func (s *TagStage) HealthCheck(ctx context.Context) stage.Health {
	if _, err := exec.LookPath(s.cfg.Tools.ExiftoolBinary); err != nil {
		return stage.Unhealthy("tagging", fmt.Sprintf("exiftool binary %q not found", s.cfg.Tools.ExiftoolBinary))
	}
	return stage.Healthy("tagging")
}

func sourceStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var (
	_ stage.Handler = (*ConvertStage)(nil)
	_ stage.Handler = (*TagStage)(nil)
)
