// Package identity generates and validates the identifier pair that links a
// converted still image with its extracted video clip. Apple software pairs
// the two files by an uppercase UUID content identifier; the photo
// identifier distinguishes re-conversions of the same source.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Pair is the shared identifier set stamped into both conversion outputs.
type Pair struct {
	ContentID string
	PhotoID   string
}

// NewPair generates a fresh pair in the uppercase canonical form viewers
// expect.
func NewPair() Pair {
	return Pair{
		ContentID: strings.ToUpper(uuid.NewString()),
		PhotoID:   strings.ToUpper(uuid.NewString()),
	}
}

// Parse validates externally supplied identifiers and normalizes them to
// the canonical uppercase form.
func Parse(contentID, photoID string) (Pair, error) {
	c, err := uuid.Parse(contentID)
	if err != nil {
		return Pair{}, fmt.Errorf("content identifier %q: %w", contentID, err)
	}
	p, err := uuid.Parse(photoID)
	if err != nil {
		return Pair{}, fmt.Errorf("photo identifier %q: %w", photoID, err)
	}
	return Pair{
		ContentID: strings.ToUpper(c.String()),
		PhotoID:   strings.ToUpper(p.String()),
	}, nil
}

// Empty reports whether the pair carries no identifiers.
func (p Pair) Empty() bool { return p.ContentID == "" && p.PhotoID == "" }
