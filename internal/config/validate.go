package config

import (
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateTools(); err != nil {
		return err
	}
	if err := c.validateConvert(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	required := []struct {
		name  string
		value string
	}{
		{"paths.library_dir", c.Paths.LibraryDir},
		{"paths.output_dir", c.Paths.OutputDir},
		{"paths.review_dir", c.Paths.ReviewDir},
		{"paths.archive_dir", c.Paths.ArchiveDir},
		{"paths.staging_dir", c.Paths.StagingDir},
		{"paths.log_dir", c.Paths.LogDir},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s must be set", field.name)
		}
	}
	return nil
}

func (c *Config) validateTools() error {
	if c.Tools.ExiftoolBinary == "" {
		return fmt.Errorf("tools.exiftool_binary must be set")
	}
	if c.Tools.CodecBinary == "" {
		return fmt.Errorf("tools.codec_binary must be set")
	}
	return nil
}

func (c *Config) validateConvert() error {
	switch c.Convert.Target {
	case "apple":
		return nil
	default:
		return fmt.Errorf("convert.target %q is not supported (expected \"apple\")", c.Convert.Target)
	}
}

func (c *Config) validateWorkflow() error {
	return ensurePositive(map[string]int{
		"workflow.workers":             c.Workflow.Workers,
		"workflow.queue_poll_interval": c.Workflow.QueuePollInterval,
		"workflow.heartbeat_interval":  c.Workflow.HeartbeatInterval,
		"workflow.heartbeat_timeout":   c.Workflow.HeartbeatTimeout,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (expected \"console\" or \"json\")", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	if c.Logging.RetentionDays <= 0 {
		return fmt.Errorf("logging.retention_days must be positive")
	}
	return nil
}

func ensurePositive(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
