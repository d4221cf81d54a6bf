// Package staging manages the scratch space used by in-progress rewrites.
package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"motionstill/internal/logging"
)

// CleanStaleResult contains the outcome of a stale staging cleanup.
type CleanStaleResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a staging path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes staging entries older than maxAge. Entries are the
// temporary files and per-item scratch directories left behind when a
// rewrite dies mid-flight. Context cancellation stops the sweep early.
func CleanStale(ctx context.Context, stagingDir string, maxAge time.Duration, logger *slog.Logger) CleanStaleResult {
	result := CleanStaleResult{}

	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return result
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: stagingDir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}

		entryPath := filepath.Join(stagingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: entryPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(entryPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: entryPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove stale staging entry",
					logging.String("path", entryPath),
					logging.Error(err),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, entryPath)
		if logger != nil {
			logger.Info("removed stale staging entry",
				logging.String("path", entryPath),
				logging.Duration("age", time.Since(info.ModTime())),
			)
		}
	}

	return result
}
