package heic

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// ExifSummary carries the camera fields surfaced by inspection output.
type ExifSummary struct {
	Make   string
	Model  string
	Taken  time.Time
	Width  int
	Height int
}

// SummarizeExif decodes the TIFF stream returned by ItemModel.Exif and
// extracts the display fields. Individual missing tags are tolerated; only
// an undecodable stream is an error.
func SummarizeExif(data []byte) (ExifSummary, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return ExifSummary{}, fmt.Errorf("decode exif: %w", err)
	}
	var s ExifSummary
	if tag, err := x.Get(exif.Make); err == nil {
		s.Make, _ = tag.StringVal()
	}
	if tag, err := x.Get(exif.Model); err == nil {
		s.Model, _ = tag.StringVal()
	}
	if taken, err := x.DateTime(); err == nil {
		s.Taken = taken
	}
	if tag, err := x.Get(exif.PixelXDimension); err == nil {
		s.Width, _ = tag.Int(0)
	}
	if tag, err := x.Get(exif.PixelYDimension); err == nil {
		s.Height, _ = tag.Int(0)
	}
	return s, nil
}
