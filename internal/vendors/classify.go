// Package vendors identifies the vendor conventions a container follows and
// resolves vendor quirks into a normalized model that the rest of the
// pipeline can treat uniformly. Detection is a pure function of the parsed
// container; conflicting signals fail rather than being resolved by guess.
package vendors

import (
	"errors"
	"fmt"

	"motionstill/internal/bmff"
	"motionstill/internal/heic"
)

// Profile names the container convention a source file follows.
type Profile string

const (
	// Standard is a spec-conforming still with no vendor quirks.
	Standard Profile = "standard"
	// SamsungGrid marks a still whose primary item is a derived grid of
	// coded tiles, as Samsung camera firmware writes.
	SamsungGrid Profile = "samsung-grid"
	// SamsungShiftedIDs marks Samsung's split numbering: iinf, ipma, and
	// iref carry the real item ID in the high 16 bits while pitm and iloc
	// keep the unshifted value.
	SamsungShiftedIDs Profile = "samsung-shifted-ids"
)

// ErrAmbiguous reports container signals that contradict each other, where
// classifying either way could silently corrupt the rewrite.
var ErrAmbiguous = errors.New("conflicting vendor signals")

// Classify determines the vendor profile of a parsed container. Shifted
// numbering takes precedence over the grid shape: the caller normalizes IDs
// first and classifies again to learn whether a grid remains underneath.
func Classify(m *heic.ItemModel, root *bmff.Box) (Profile, error) {
	shifted, err := classifyShifted(m)
	if err != nil {
		return "", err
	}
	if shifted {
		// The shifted reading must cohere once normalized; a grid whose
		// descriptor disagrees with its tile references on top of shifted
		// numbering leaves no trustworthy interpretation.
		norm, err := normalizeShiftedIDs(m)
		if err != nil {
			return "", fmt.Errorf("%w: shifted numbering does not normalize: %v", ErrAmbiguous, err)
		}
		if it, perr := norm.PrimaryItem(); perr == nil && it.Info.ItemType == "grid" {
			if _, gerr := norm.Grid(it.ID()); gerr != nil {
				return "", fmt.Errorf("%w: grid tile references disagree with the descriptor under shifted numbering", ErrAmbiguous)
			}
		}
		return SamsungShiftedIDs, nil
	}

	grid, err := classifyGrid(m)
	if err != nil {
		return "", err
	}
	if grid {
		return SamsungGrid, nil
	}
	return Standard, nil
}

// classifyShifted reports whether every info entry follows Samsung's
// high-half numbering while pitm and iloc keep the real IDs.
func classifyShifted(m *heic.ItemModel) (bool, error) {
	if len(m.Info.Entries) == 0 {
		return false, nil
	}
	real := make(map[uint32]bool, len(m.Info.Entries))
	for _, e := range m.Info.Entries {
		if e.ID&0xffff != 0 || e.ID>>16 == 0 {
			return false, nil
		}
		real[e.ID>>16] = true
	}

	// Samsung keeps the unshifted IDs in the location table. A location
	// table that uses the shifted values too reads equally well as plain
	// large numbering, and the two interpretations rewrite differently.
	locShifted, locReal := 0, 0
	for _, e := range m.Location.Entries {
		switch {
		case real[e.ID]:
			locReal++
		case e.ID&0xffff == 0 && real[e.ID>>16]:
			locShifted++
		}
	}
	if locShifted > 0 && locReal > 0 {
		return false, fmt.Errorf("%w: location table mixes shifted and unshifted item IDs", ErrAmbiguous)
	}
	if locShifted > 0 {
		return false, fmt.Errorf("%w: info and location tables both use high-half item numbering", ErrAmbiguous)
	}
	if m.HasPrimary && !real[m.PrimaryID] {
		if m.PrimaryID&0xffff == 0 && real[m.PrimaryID>>16] {
			return false, fmt.Errorf("%w: primary item uses high-half numbering while the location table does not", ErrAmbiguous)
		}
		return false, fmt.Errorf("%w: primary item %d resolves under neither numbering", ErrAmbiguous, m.PrimaryID)
	}
	return true, nil
}

// classifyGrid reports whether the primary item is a derived grid whose
// tile references match its descriptor.
func classifyGrid(m *heic.ItemModel) (bool, error) {
	it, err := m.PrimaryItem()
	if err != nil {
		return false, nil
	}
	if it.Info.ItemType != "grid" {
		return false, nil
	}
	if _, err := m.Grid(it.ID()); err != nil {
		return false, err
	}
	return true, nil
}
