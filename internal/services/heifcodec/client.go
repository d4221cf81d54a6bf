package heifcodec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var commandContext = exec.CommandContext

// Client defines the decode behaviour used to flatten tiled images.
type Client interface {
	ReencodeFlat(ctx context.Context, src []byte, hint string) ([]byte, error)
	Version(ctx context.Context) (string, error)
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default codec binary.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if strings.TrimSpace(binary) != "" {
			c.binary = binary
		}
	}
}

// WithArgs replaces the default conversion arguments. The first argument is
// treated as the input spec and rewritten when a format hint is supplied.
func WithArgs(args []string) Option {
	return func(c *CLI) {
		if len(args) > 0 {
			c.args = append([]string(nil), args...)
		}
	}
}

// CLI wraps an ImageMagick-style converter reading stdin and writing stdout.
type CLI struct {
	binary string
	args   []string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "magick", args: []string{"heic:-", "heic:-"}}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// ReencodeFlat pipes the source container through the converter and returns
// the flattened single-image result. hint names the source format when it is
// not plain heic (for example "heif").
func (c *CLI) ReencodeFlat(ctx context.Context, src []byte, hint string) ([]byte, error) {
	if len(src) == 0 {
		return nil, errors.New("source bytes required")
	}
	args := append([]string(nil), c.args...)
	if hint = strings.TrimSpace(hint); hint != "" {
		args[0] = hint + ":-"
	}

	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(src)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			return nil, fmt.Errorf("codec convert: %s: %w", detail, err)
		}
		return nil, fmt.Errorf("codec convert: %w", err)
	}

	out := stdout.Bytes()
	if len(out) == 0 {
		return nil, errors.New("codec produced no output")
	}
	return out, nil
}

// Version reports the converter's version banner (first line).
func (c *CLI) Version(ctx context.Context) (string, error) {
	cmd := commandContext(ctx, c.binary, "-version") //nolint:gosec
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("codec version: %w", err)
	}
	banner := stdout.String()
	if idx := strings.IndexByte(banner, '\n'); idx >= 0 {
		banner = banner[:idx]
	}
	banner = strings.TrimSpace(banner)
	if banner == "" {
		return "", errors.New("codec reported no version")
	}
	return banner, nil
}

var _ Client = (*CLI)(nil)
