package config

const (
	defaultLibraryDir = "~/Pictures/MotionPhotos"
	defaultOutputDir  = "~/Pictures/MotionPhotos/converted"
	defaultReviewDir  = "~/Pictures/MotionPhotos/review"
	defaultArchiveDir = "~/Pictures/MotionPhotos/archive"
	defaultStagingDir = "~/.local/share/motionstill/staging"
	defaultLogDir     = "~/.local/share/motionstill/logs"

	defaultExiftoolBinary = "exiftool"
	defaultCodecBinary    = "magick"

	defaultTarget = "apple"

	defaultWorkers           = 2
	defaultQueuePollInterval = 5
	defaultHeartbeatInterval = 15
	defaultHeartbeatTimeout  = 120

	defaultLogFormat     = "console"
	defaultLogLevel      = "info"
	defaultRetentionDays = 14
)

// Default returns a Config populated with the repository defaults. Paths are
// unexpanded; Load normalizes them.
func Default() Config {
	return Config{
		Paths: Paths{
			LibraryDir: defaultLibraryDir,
			OutputDir:  defaultOutputDir,
			ReviewDir:  defaultReviewDir,
			ArchiveDir: defaultArchiveDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Tools: Tools{
			ExiftoolBinary: defaultExiftoolBinary,
			CodecBinary:    defaultCodecBinary,
		},
		Convert: Convert{
			Target:          defaultTarget,
			StillExtensions: []string{".heic", ".heif"},
			VideoExtensions: []string{".mp4", ".mov"},
		},
		Workflow: Workflow{
			Workers:           defaultWorkers,
			QueuePollInterval: defaultQueuePollInterval,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultRetentionDays,
		},
	}
}
