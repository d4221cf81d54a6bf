package exiftool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var commandContext = exec.CommandContext

// Client defines the exiftool operations used by tagging and batch cleanup.
type Client interface {
	Version(ctx context.Context) (string, error)
	Tag(ctx context.Context, path, tag, value string) error
	EmbeddedVideoType(ctx context.Context, path string) (string, error)
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if strings.TrimSpace(binary) != "" {
			c.binary = binary
		}
	}
}

// CLI wraps the exiftool command-line tool.
type CLI struct {
	binary string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "exiftool"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Version reports the installed exiftool version.
func (c *CLI) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "version", "-ver")
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(out)
	if version == "" {
		return "", errors.New("exiftool reported no version")
	}
	return version, nil
}

// Tag writes a single metadata tag on the file in place.
func (c *CLI) Tag(ctx context.Context, path, tag, value string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("target path required")
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("tag name required")
	}
	_, err := c.run(ctx, "tag", fmt.Sprintf("-%s=%s", tag, value), "-overwrite_original", path)
	return err
}

// EmbeddedVideoType reads the motion-photo trailer marker, empty when absent.
func (c *CLI) EmbeddedVideoType(ctx context.Context, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("target path required")
	}
	out, err := c.run(ctx, "probe", "-s3", "-EmbeddedVideoType", path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *CLI) run(ctx context.Context, op string, args ...string) (string, error) {
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return "", fmt.Errorf("exiftool %s: %s: %w", op, detail, err)
		}
		return "", fmt.Errorf("exiftool %s: %w", op, err)
	}
	return stdout.String(), nil
}

var _ Client = (*CLI)(nil)
