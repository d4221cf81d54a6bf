package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.Paths.normalize(); err != nil {
		return err
	}
	c.Tools.normalize()
	c.Convert.normalize()
	c.Workflow.normalize()
	c.Logging.normalize()
	return nil
}

func (p *Paths) normalize() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"library_dir", &p.LibraryDir},
		{"output_dir", &p.OutputDir},
		{"review_dir", &p.ReviewDir},
		{"archive_dir", &p.ArchiveDir},
		{"staging_dir", &p.StagingDir},
		{"log_dir", &p.LogDir},
		{"queue_db", &p.QueueDB},
	}
	for _, field := range fields {
		trimmed := strings.TrimSpace(*field.value)
		if trimmed == "" {
			*field.value = ""
			continue
		}
		expanded, err := expandPath(trimmed)
		if err != nil {
			return fmt.Errorf("expand %s: %w", field.name, err)
		}
		*field.value = expanded
	}
	return nil
}

func (t *Tools) normalize() {
	t.ExiftoolBinary = strings.TrimSpace(t.ExiftoolBinary)
	t.CodecBinary = strings.TrimSpace(t.CodecBinary)
	if t.ExiftoolBinary == "" {
		t.ExiftoolBinary = defaultExiftoolBinary
	}
	if t.CodecBinary == "" {
		t.CodecBinary = defaultCodecBinary
	}
	args := make([]string, 0, len(t.CodecArgs))
	for _, arg := range t.CodecArgs {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			args = append(args, trimmed)
		}
	}
	t.CodecArgs = args
}

func (cv *Convert) normalize() {
	cv.Target = strings.ToLower(strings.TrimSpace(cv.Target))
	if cv.Target == "" {
		cv.Target = defaultTarget
	}
	cv.StillExtensions = normalizeExtensions(cv.StillExtensions, []string{".heic", ".heif"})
	cv.VideoExtensions = normalizeExtensions(cv.VideoExtensions, []string{".mp4", ".mov"})
}

func normalizeExtensions(exts, fallback []string) []string {
	seen := make(map[string]struct{}, len(exts))
	normalized := make([]string, 0, len(exts))
	for _, ext := range exts {
		cleaned := strings.ToLower(strings.TrimSpace(ext))
		if cleaned == "" {
			continue
		}
		if !strings.HasPrefix(cleaned, ".") {
			cleaned = "." + cleaned
		}
		if _, ok := seen[cleaned]; ok {
			continue
		}
		seen[cleaned] = struct{}{}
		normalized = append(normalized, cleaned)
	}
	if len(normalized) == 0 {
		return append([]string(nil), fallback...)
	}
	return normalized
}

func (w *Workflow) normalize() {
	if w.Workers <= 0 {
		w.Workers = defaultWorkers
	}
	if w.QueuePollInterval <= 0 {
		w.QueuePollInterval = defaultQueuePollInterval
	}
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = defaultHeartbeatInterval
	}
	if w.HeartbeatTimeout <= 0 {
		w.HeartbeatTimeout = defaultHeartbeatTimeout
	}
}

func (l *Logging) normalize() {
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	if l.Format == "" {
		l.Format = defaultLogFormat
	}
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if l.RetentionDays <= 0 {
		l.RetentionDays = defaultRetentionDays
	}
}
