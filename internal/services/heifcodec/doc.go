// Package heifcodec shells out to an ImageMagick-compatible converter so the
// conversion stage can flatten tiled HEIC grids into single-image payloads.
//
// The container bytes travel over stdin/stdout; nothing touches disk. Tests
// swap the command constructor to avoid depending on an installed codec.
package heifcodec
