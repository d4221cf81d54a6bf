package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"motionstill/internal/config"
	"motionstill/internal/fileutil"
	"motionstill/internal/logging"
	"motionstill/internal/queue"
	"motionstill/internal/services"
	"motionstill/internal/services/exiftool"
)

// Scanner walks the library root and enqueues motion photos for conversion.
type Scanner struct {
	cfg    *config.Config
	store  *queue.Store
	exif   exiftool.Client
	logger *slog.Logger
}

// ScanResult summarizes a library scan.
type ScanResult struct {
	Scanned     int
	Enqueued    int
	Duplicates  int
	Skipped     int
	Quarantined int
	Orphans     int
	Failed      int
}

// NewScanner builds a scanner. A nil exiftool client falls back to the
// configured binary.
func NewScanner(cfg *config.Config, store *queue.Store, exif exiftool.Client, logger *slog.Logger) *Scanner {
	if exif == nil {
		exif = exiftool.NewCLI(exiftool.WithBinary(cfg.Tools.ExiftoolBinary))
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scanner{
		cfg:    cfg,
		store:  store,
		exif:   exif,
		logger: logging.NewComponentLogger(logger, "batch"),
	}
}

// Scan walks the library directory, classifies each still image, and
// enqueues motion photos. Stills carrying an unsupported trailer layout are
// moved to the review directory; plain stills are left in place.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult

	root := s.cfg.Paths.LibraryDir
	if _, err := os.Stat(root); err != nil {
		return result, services.Wrap(services.ErrConfiguration, "batch", "scan", "library directory unavailable", err)
	}

	stills, videos, err := s.collect(ctx, root)
	if err != nil {
		return result, err
	}

	stillKeys := make(map[string]struct{}, len(stills))
	for _, still := range stills {
		stillKeys[sidecarKey(still)] = struct{}{}
	}

	for _, still := range stills {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++
		if err := s.process(ctx, still, videos, &result); err != nil {
			result.Failed++
			s.logger.Warn("scan entry failed", logging.String("path", still), logging.Error(err))
		}
	}

	// Videos with no still counterpart cannot be paired; route them to
	// review so the operator decides their fate.
	for key, video := range videos {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, paired := stillKeys[key]; paired {
			continue
		}
		if err := s.quarantine(video); err != nil {
			result.Failed++
			s.logger.Warn("orphan move failed", logging.String("path", video), logging.Error(err))
			continue
		}
		result.Orphans++
		s.logger.Info("orphan clip moved to review", logging.String("path", video))
	}

	s.logger.Info("library scan complete",
		logging.Int("scanned", result.Scanned),
		logging.Int("enqueued", result.Enqueued),
		logging.Int("duplicates", result.Duplicates),
		logging.Int("skipped", result.Skipped),
		logging.Int("quarantined", result.Quarantined),
		logging.Int("orphans", result.Orphans),
		logging.Int("failed", result.Failed))
	return result, nil
}

// collect gathers still paths plus a sidecar index keyed by directory and
// lowercased stem. The output, review, archive, and staging trees are
// excluded so converted files are never re-ingested.
func (s *Scanner) collect(ctx context.Context, root string) ([]string, map[string]string, error) {
	excluded := managedDirs(s.cfg)

	var stills []string
	videos := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
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
		switch {
		case s.cfg.IsStillPath(path):
			stills = append(stills, path)
		case s.cfg.IsVideoPath(path):
			videos[sidecarKey(path)] = path
		}
		return nil
	})
	if err != nil {
		return nil, nil, services.Wrap(services.ErrTransient, "batch", "scan", "library walk failed", err)
	}
	return stills, videos, nil
}

// managedDirs lists the directories the pipeline itself writes to, so scans
// never re-ingest converted or quarantined files.
func managedDirs(cfg *config.Config) map[string]struct{} {
	excluded := make(map[string]struct{})
	for _, dir := range []string{
		cfg.Paths.OutputDir,
		cfg.Paths.ReviewDir,
		cfg.Paths.ArchiveDir,
		cfg.Paths.StagingDir,
	} {
		if dir == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			excluded[abs] = struct{}{}
		}
		excluded[dir] = struct{}{}
	}
	return excluded
}

func (s *Scanner) process(ctx context.Context, still string, videos map[string]string, result *ScanResult) error {
	sidecar := videos[sidecarKey(still)]

	embedded, err := hasTopLevelMpvd(still)
	if err != nil {
		return fmt.Errorf("probe container: %w", err)
	}

	if !embedded && sidecar == "" {
		trailer, err := s.exif.EmbeddedVideoType(ctx, still)
		if err != nil {
			return fmt.Errorf("probe trailer: %w", err)
		}
		if trailer == "" {
			result.Skipped++
			return nil
		}
		// The clip lives in a trailer layout the rewriter cannot carry
		// over, so the file goes to review instead of the queue.
		if err := s.quarantine(still); err != nil {
			return err
		}
		result.Quarantined++
		s.logger.Info("moved to review", logging.String("path", still), logging.String("trailer", trailer))
		return nil
	}

	if s.outputExists(still) {
		result.Skipped++
		s.logger.Debug("output already present", logging.String("path", still))
		return nil
	}

	fingerprint, err := queue.Fingerprint(still)
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	_, created, err := s.store.NewItem(ctx, still, sidecar, fingerprint)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if created {
		result.Enqueued++
		s.logger.Info("enqueued", logging.String("path", still), logging.Bool("sidecar", sidecar != ""))
	} else {
		result.Duplicates++
	}
	return nil
}

// outputExists reports whether a converted still for this source is already
// in the output directory under the default published name.
func (s *Scanner) outputExists(still string) bool {
	base := filepath.Base(still)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	_, err := os.Stat(filepath.Join(s.cfg.Paths.OutputDir, stem+".heic"))
	return err == nil
}

func (s *Scanner) quarantine(path string) error {
	if err := fileutil.EnsureDir(s.cfg.Paths.ReviewDir); err != nil {
		return err
	}
	dest := fileutil.UniquePath(filepath.Join(s.cfg.Paths.ReviewDir, filepath.Base(path)))
	return fileutil.MoveFileVerified(path, dest)
}

// sidecarKey pairs a still with its video by directory and lowercased stem.
func sidecarKey(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(path), strings.ToLower(stem))
}

// hasTopLevelMpvd scans top-level box headers for an embedded-video box
// without reading payloads.
func hasTopLevelMpvd(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	end := info.Size()

	var hdr [16]byte
	var offset int64
	for offset+8 <= end {
		if _, err := f.ReadAt(hdr[:8], offset); err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		size := int64(binary.BigEndian.Uint32(hdr[:4]))
		typ := string(hdr[4:8])
		headerLen := int64(8)
		switch size {
		case 0:
			// box runs to end of file
			return typ == "mpvd", nil
		case 1:
			if offset+16 > end {
				return false, nil
			}
			if _, err := f.ReadAt(hdr[8:16], offset+8); err != nil {
				return false, err
			}
			size = int64(binary.BigEndian.Uint64(hdr[8:]))
			headerLen = 16
		}
		if size < headerLen {
			return false, fmt.Errorf("box %q at offset %d has size %d", typ, offset, size)
		}
		if typ == "mpvd" {
			return true, nil
		}
		offset += size
	}
	return false, nil
}
