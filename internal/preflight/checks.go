package preflight

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"motionstill/internal/config"
	"motionstill/internal/deps"
	"motionstill/internal/queue"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the external binaries the pipeline shells out
// to. Both the batch runner and the CLI status command use this to avoid
// duplicating the requirements list.
func CheckSystemDeps(ctx context.Context, cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "ExifTool",
			Command:     cfg.Tools.ExiftoolBinary,
			Description: "Required for clip tagging and trailer probing",
		},
		{
			Name:        "HEIF codec",
			Command:     cfg.Tools.CodecBinary,
			Description: "Required for flattening grid-tiled stills",
		},
	}
	return deps.CheckBinaries(requirements)
}

// CheckQueueDatabase verifies the queue database schema and integrity.
func CheckQueueDatabase(ctx context.Context, store *queue.Store) Result {
	const name = "Queue database"
	if store == nil {
		return Result{Name: name, Detail: "store unavailable"}
	}
	health, err := store.CheckHealth(ctx)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	switch {
	case !health.DatabaseExists:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", health.DBPath)}
	case !health.TableExists:
		return Result{Name: name, Detail: "queue table missing"}
	case len(health.MissingColumns) > 0:
		return Result{Name: name, Detail: fmt.Sprintf("missing columns: %v", health.MissingColumns)}
	case !health.IntegrityCheck:
		return Result{Name: name, Detail: "integrity check failed"}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d items)", health.DBPath, health.TotalItems)}
}
