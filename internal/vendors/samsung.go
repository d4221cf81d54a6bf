package vendors

import (
	"fmt"

	"motionstill/internal/bmff"
	"motionstill/internal/heic"
	"motionstill/internal/identity"
	"motionstill/internal/rebuild"
)

// Range is an absolute byte span within the source stream.
type Range struct {
	Offset int64
	Length int64
}

// Samsung resolves the quirks of Samsung motion photos: shifted item
// numbering and the top-level mpvd box carrying the embedded video.
type Samsung struct{}

// Detect reports whether the container carries Samsung conventions. The
// vendor marker box counts as a signal even when the item tables are
// otherwise standard, since newer firmware writes flat stills with an
// embedded video.
func (Samsung) Detect(m *heic.ItemModel, root *bmff.Box) (bool, error) {
	profile, err := Classify(m, root)
	if err != nil {
		return false, err
	}
	if profile != Standard {
		return true, nil
	}
	_, hasVideo := LocateEmbeddedVideo(root)
	return hasVideo, nil
}

// Normalize rewrites shifted item numbering back to the real IDs in one
// pass over every table. Models without the quirk come back unchanged.
func (Samsung) Normalize(m *heic.ItemModel) (*heic.ItemModel, error) {
	shifted, err := classifyShifted(m)
	if err != nil {
		return nil, err
	}
	if !shifted {
		return m, nil
	}
	return normalizeShiftedIDs(m)
}

func normalizeShiftedIDs(m *heic.ItemModel) (*heic.ItemModel, error) {
	mapping := make(map[uint32]uint32, len(m.Info.Entries))
	for _, e := range m.Info.Entries {
		mapping[e.ID] = e.ID >> 16
	}
	next, err := m.RemapIDs(mapping)
	if err != nil {
		return nil, err
	}
	if err := next.CheckIntegrity(); err != nil {
		return nil, fmt.Errorf("normalized tables do not cohere: %w", err)
	}
	return next, nil
}

// samsungBrands is the minimal brand list Samsung's writer declares on
// motion photo stills.
var samsungBrands = []string{"mif1", "heic"}

// SamsungTarget adapts a still toward Samsung's conventions: the heic
// major brand and the minimal compatible-brand list. The identifier pair
// is ignored since Samsung pairs still and clip by embedding, not by
// shared metadata.
type SamsungTarget struct{}

// Adapt returns the change-set that applies Samsung conventions.
func (SamsungTarget) Adapt(m *heic.ItemModel, _ identity.Pair) (*rebuild.ChangeSet, error) {
	return rebuild.NewChangeSet().
		SetMajorBrand("heic").
		SetBrands(samsungBrands...), nil
}

// EmbedVideo grafts a clip into the change-set as the vendor marker box at
// the end of the stream, replacing any clip already embedded.
func EmbedVideo(changes *rebuild.ChangeSet, root *bmff.Box, video []byte) {
	if root.Child(bmff.TypeMpvd) != nil {
		changes.DropTopLevel(bmff.TypeMpvd)
	}
	changes.AppendTopLevel(bmff.NewLeaf(bmff.TypeMpvd, video))
}

// LocateEmbeddedVideo returns the byte range of the embedded video payload
// carried by the vendor marker box, or false when the container has none.
func LocateEmbeddedVideo(root *bmff.Box) (Range, bool) {
	mpvd := root.Child(bmff.TypeMpvd)
	if mpvd == nil {
		return Range{}, false
	}
	return Range{Offset: mpvd.PayloadOffset(), Length: int64(len(mpvd.Payload))}, true
}
