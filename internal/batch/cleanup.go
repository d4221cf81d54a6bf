package batch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"motionstill/internal/config"
	"motionstill/internal/fileutil"
	"motionstill/internal/logging"
	"motionstill/internal/queue"
	"motionstill/internal/services/exiftool"
	"motionstill/internal/staging"
)

// stagingMaxAge is how long abandoned staging entries survive before a
// cleanup sweep removes them.
const stagingMaxAge = 24 * time.Hour

// CleanupResult summarizes a cleanup pass.
type CleanupResult struct {
	Archived         int
	MissingOutputs   int
	TrailersArchived int
	StagingRemoved   int
	Failed           int
}

// Cleaner archives sources of completed conversions, retires redundant
// motion-video containers, and prunes staging.
type Cleaner struct {
	cfg    *config.Config
	store  *queue.Store
	exif   exiftool.Client
	logger *slog.Logger
}

// NewCleaner builds a cleaner. A nil exiftool client falls back to the
// configured binary.
func NewCleaner(cfg *config.Config, store *queue.Store, exif exiftool.Client, logger *slog.Logger) *Cleaner {
	if exif == nil {
		exif = exiftool.NewCLI(exiftool.WithBinary(cfg.Tools.ExiftoolBinary))
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cleaner{
		cfg:    cfg,
		store:  store,
		exif:   exif,
		logger: logging.NewComponentLogger(logger, "batch"),
	}
}

// Run verifies outputs of completed items, archives their sources unless
// keep_source is set, and sweeps stale staging entries.
func (c *Cleaner) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	items, err := c.store.ItemsByStatus(ctx, queue.StatusCompleted)
	if err != nil {
		return result, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !outputsPresent(item) {
			result.MissingOutputs++
			c.logger.Warn("completed item missing outputs",
				logging.Int64("item_id", item.ID),
				logging.String("still", item.StillPath),
				logging.String("video", item.VideoPath))
			continue
		}
		if c.cfg.Convert.KeepSource {
			continue
		}
		archived, err := c.archiveSources(item)
		if err != nil {
			result.Failed++
			c.logger.Warn("archive failed", logging.Int64("item_id", item.ID), logging.Error(err))
			continue
		}
		if archived {
			result.Archived++
		}
	}

	if err := c.retireTrailerVideos(ctx, &result); err != nil {
		result.Failed++
		c.logger.Warn("trailer sweep failed", logging.Error(err))
	}

	sweep := staging.CleanStale(ctx, c.cfg.Paths.StagingDir, stagingMaxAge, c.logger)
	result.StagingRemoved = len(sweep.Removed)
	result.Failed += len(sweep.Errors)

	logging.CleanupOldLogs(c.logger, c.cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: c.cfg.Paths.LogDir, Pattern: "*.log"})

	c.logger.Info("cleanup complete",
		logging.Int("archived", result.Archived),
		logging.Int("missing_outputs", result.MissingOutputs),
		logging.Int("trailers_archived", result.TrailersArchived),
		logging.Int("staging_removed", result.StagingRemoved),
		logging.Int("failed", result.Failed))
	return result, nil
}

// archiveSources moves the item's source still plus any sidecar into the
// archive directory. Sources already moved by an earlier pass are ignored.
func (c *Cleaner) archiveSources(item *queue.Item) (bool, error) {
	if err := fileutil.EnsureDir(c.cfg.Paths.ArchiveDir); err != nil {
		return false, err
	}
	moved := false
	for _, src := range []string{item.SourcePath, item.VideoSourcePath} {
		if src == "" {
			continue
		}
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dest := fileutil.UniquePath(filepath.Join(c.cfg.Paths.ArchiveDir, filepath.Base(src)))
		if err := fileutil.MoveFileVerified(src, dest); err != nil {
			return moved, err
		}
		moved = true
	}
	return moved, nil
}

// retireTrailerVideos archives MP4 motion containers whose clip was already
// extracted. A container is redundant once a same-stem .mov exists beside it
// or in the output directory.
func (c *Cleaner) retireTrailerVideos(ctx context.Context, result *CleanupResult) error {
	root := c.cfg.Paths.LibraryDir
	if _, err := os.Stat(root); err != nil {
		return nil
	}
	excluded := managedDirs(c.cfg)

	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			if _, skip := excluded[path]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return nil
		}
		if !c.extractedClipExists(path) {
			return nil
		}
		trailer, err := c.exif.EmbeddedVideoType(ctx, path)
		if err != nil || trailer != "MotionPhoto_Data" {
			if err != nil {
				c.logger.Warn("trailer probe failed", logging.String("path", path), logging.Error(err))
			}
			return nil
		}
		dest := fileutil.UniquePath(filepath.Join(c.cfg.Paths.ArchiveDir, filepath.Base(path)))
		if err := fileutil.EnsureDir(c.cfg.Paths.ArchiveDir); err != nil {
			return err
		}
		if err := fileutil.MoveFileVerified(path, dest); err != nil {
			result.Failed++
			c.logger.Warn("trailer archive failed", logging.String("path", path), logging.Error(err))
			return nil
		}
		result.TrailersArchived++
		c.logger.Info("redundant motion container archived", logging.String("path", path))
		return nil
	})
}

// extractedClipExists reports whether a .mov extracted from this container
// already exists next to it or under the output directory.
func (c *Cleaner) extractedClipExists(path string) bool {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	for _, candidate := range []string{
		filepath.Join(filepath.Dir(path), stem+".mov"),
		filepath.Join(c.cfg.Paths.OutputDir, stem+".mov"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return true
		}
	}
	return false
}

func outputsPresent(item *queue.Item) bool {
	if item.StillPath == "" {
		return false
	}
	if _, err := os.Stat(item.StillPath); err != nil {
		return false
	}
	if item.VideoPath != "" {
		if _, err := os.Stat(item.VideoPath); err != nil {
			return false
		}
	}
	return true
}
