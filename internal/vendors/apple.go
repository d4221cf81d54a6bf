package vendors

import (
	"motionstill/internal/heic"
	"motionstill/internal/identity"
	"motionstill/internal/rebuild"
)

// appleBrands is the compatible-brand set Apple's own writer declares on
// motion photo stills. Missing brands are appended; present ones keep
// their position.
var appleBrands = []string{"mif1", "MiHB", "MiHE", "MiPr", "miaf", "heic", "tmap"}

// Apple adapts a normalized still toward Apple's conventions: the heic
// major brand, the motion photo brand set, and the vendor metadata box
// carrying the identifier pair. Re-invoking with the same identifiers
// yields an identical change-set, so re-adapting is byte-stable.
type Apple struct{}

// Adapt returns the change-set that applies Apple conventions to the model.
// The primary item's existing associations are restated verbatim, so color
// and orientation properties (colr, irot, imir) are reused by index instead
// of duplicated when the conversion grafts new codec properties alongside.
func (Apple) Adapt(m *heic.ItemModel, pair identity.Pair) (*rebuild.ChangeSet, error) {
	primary, err := m.PrimaryItem()
	if err != nil {
		return nil, err
	}
	changes := rebuild.NewChangeSet().
		SetMajorBrand("heic").
		ExtendBrands(appleBrands...).
		SetVendorMetadata(pair)

	boxes, err := m.PropertyBoxes(primary.ID())
	if err != nil {
		return nil, err
	}
	if len(boxes) > 0 {
		specs := make([]rebuild.PropertySpec, 0, len(boxes))
		i := 0
		for _, a := range primary.Associations {
			if a.Index == 0 {
				continue
			}
			specs = append(specs, rebuild.PropertySpec{Box: boxes[i], Essential: a.Essential})
			i++
		}
		changes.SetProperties(primary.ID(), specs)
	}
	return changes, nil
}
