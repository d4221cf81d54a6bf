// Package convert rewrites vendor motion photos into still+clip pairs that
// follow a target vendor's conventions.
//
// A conversion parses the source container, classifies and normalizes its
// vendor quirks, adapts brands and metadata toward the target, flattens
// derived grid images through the configured codec, and extracts the motion
// clip. Outputs are written atomically and the clip is tagged with the
// content identifier that pairs it to the still.
package convert
