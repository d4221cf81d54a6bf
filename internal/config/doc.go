// Package config loads, normalizes, and validates motionstill configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the MOTIONSTILL_CONFIG environment
// fallback. The Config type centralizes every knob the CLI and batch runner
// need, so library/output directories and tool binaries are discovered in one
// pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
