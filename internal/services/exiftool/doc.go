// Package exiftool mediates access to the exiftool CLI used for clip tagging
// and motion-photo probing.
//
// It normalizes command invocation, surfaces stderr detail on failure, and
// exposes a testable interface so the tagging stage and batch cleanup can swap
// in fakes without executing the real tool.
package exiftool
