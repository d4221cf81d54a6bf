// Package rebuild applies an explicit change-set to an item model and
// serializes a new, offset-consistent container. Metadata-only edits keep
// the source payload layout, shifting positions by the distance the edits
// moved the payload region; payload replacements regenerate the layout.
// Unchanged item payloads are copied byte-for-byte, and the destination
// file is only ever replaced atomically.
package rebuild

import (
	"sort"

	"motionstill/internal/bmff"
	"motionstill/internal/identity"
)

// PropertySpec names one property box an item should be associated with.
// Boxes already present in the property container are reused by index;
// new ones are appended exactly once.
type PropertySpec struct {
	Box       *bmff.Box
	Essential bool
}

type refOp struct {
	refType string
	from    uint32
	to      []uint32
}

// ChangeSet is the pending mutation applied at write time. The zero value
// writes the container back unchanged.
type ChangeSet struct {
	payloads   map[uint32][]byte
	itemTypes  map[uint32]string
	properties map[uint32][]PropertySpec
	refs       []refOp
	removed    []uint32
	primary    *uint32
	majorBrand    string
	brands        []string
	replaceBrands bool
	vendorMeta    *identity.Pair
	dropTop       []bmff.BoxType
	appendTop     []*bmff.Box
}

// NewChangeSet returns an empty change-set.
func NewChangeSet() *ChangeSet { return &ChangeSet{} }

// ReplacePayload substitutes an item's payload with new bytes of any
// length. The layout pass assigns the region and rewrites the extents.
func (c *ChangeSet) ReplacePayload(itemID uint32, payload []byte) *ChangeSet {
	if c.payloads == nil {
		c.payloads = make(map[uint32][]byte)
	}
	c.payloads[itemID] = payload
	return c
}

// SetItemType replaces an item's 4-character type code.
func (c *ChangeSet) SetItemType(itemID uint32, itemType string) *ChangeSet {
	if c.itemTypes == nil {
		c.itemTypes = make(map[uint32]string)
	}
	c.itemTypes[itemID] = itemType
	return c
}

// SetProperties replaces an item's property associations with the given
// specs, in order.
func (c *ChangeSet) SetProperties(itemID uint32, specs []PropertySpec) *ChangeSet {
	if c.properties == nil {
		c.properties = make(map[uint32][]PropertySpec)
	}
	c.properties[itemID] = specs
	return c
}

// SetReferences replaces one (type, from) reference; empty targets delete it.
func (c *ChangeSet) SetReferences(refType string, from uint32, to []uint32) *ChangeSet {
	c.refs = append(c.refs, refOp{refType: refType, from: from, to: append([]uint32(nil), to...)})
	return c
}

// RemoveItems drops items and every reference or association touching them.
func (c *ChangeSet) RemoveItems(ids ...uint32) *ChangeSet {
	c.removed = append(c.removed, ids...)
	return c
}

// SetPrimaryItem repoints the pitm box.
func (c *ChangeSet) SetPrimaryItem(id uint32) *ChangeSet {
	c.primary = &id
	return c
}

// SetMajorBrand replaces the ftyp major brand.
func (c *ChangeSet) SetMajorBrand(brand string) *ChangeSet {
	c.majorBrand = brand
	return c
}

// ExtendBrands appends the compatible brands not already declared,
// preserving the existing list. Re-applying is a no-op.
func (c *ChangeSet) ExtendBrands(brands ...string) *ChangeSet {
	c.brands = append(c.brands, brands...)
	return c
}

// SetBrands replaces the compatible-brand list outright, discarding
// whatever the source declared.
func (c *ChangeSet) SetBrands(brands ...string) *ChangeSet {
	c.brands = append([]string(nil), brands...)
	c.replaceBrands = true
	return c
}

// SetVendorMetadata upserts the vendor metadata box carrying the
// identifier pair.
func (c *ChangeSet) SetVendorMetadata(pair identity.Pair) *ChangeSet {
	p := pair
	c.vendorMeta = &p
	return c
}

// DropTopLevel removes top-level boxes of the given types from the output,
// as when the embedded video box has been extracted.
func (c *ChangeSet) DropTopLevel(types ...bmff.BoxType) *ChangeSet {
	c.dropTop = append(c.dropTop, types...)
	return c
}

// AppendTopLevel adds boxes at the end of the output stream, after every
// retained source box, as when embedding a motion clip.
func (c *ChangeSet) AppendTopLevel(boxes ...*bmff.Box) *ChangeSet {
	c.appendTop = append(c.appendTop, boxes...)
	return c
}

// Empty reports whether the change-set carries no mutations.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.payloads) == 0 && len(c.itemTypes) == 0 &&
		len(c.properties) == 0 && len(c.refs) == 0 && len(c.removed) == 0 &&
		c.primary == nil && c.majorBrand == "" && len(c.brands) == 0 &&
		!c.replaceBrands && c.vendorMeta == nil && len(c.dropTop) == 0 &&
		len(c.appendTop) == 0)
}

// propertyItems returns the items with property ops in stable order, so
// appended property boxes land deterministically.
func (c *ChangeSet) propertyItems() []uint32 {
	ids := make([]uint32, 0, len(c.properties))
	for id := range c.properties {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *ChangeSet) droppedTop(typ bmff.BoxType) bool {
	for _, t := range c.dropTop {
		if t == typ {
			return true
		}
	}
	return false
}
