// Package heic builds an item-level view of a parsed HEIF container: item
// info, byte locations, references, and property associations, plus the
// derived-image and Exif helpers the conversion pipeline needs.
//
// Models are read-only once built. Operations that change the item graph
// return a new model; serialization back to boxes preserves each table's
// source encoding (versions, flags, field widths) so an unedited table
// re-encodes byte-identically.
package heic

import (
	"errors"
	"fmt"

	"motionstill/internal/bmff"
)

var (
	// ErrMissingBox reports a required structural box absent from meta.
	ErrMissingBox = errors.New("required box missing")
	// ErrMissingPrimaryItem reports an absent or unresolvable pitm box.
	ErrMissingPrimaryItem = errors.New("primary item missing")
	// ErrInvalidReference reports a reference or association that points to
	// a nonexistent item.
	ErrInvalidReference = errors.New("reference to unknown item")
	// ErrInvalidPropertyIndex reports a property association index with no
	// corresponding entry in the property container.
	ErrInvalidPropertyIndex = errors.New("property index out of range")
)

// Construction methods of item location entries.
const (
	ConstructFile uint8 = 0
	ConstructIdat uint8 = 1
	ConstructItem uint8 = 2
)

// InfoEntry is one infe record: the identity and type of an item.
type InfoEntry struct {
	ID              uint32
	ProtectionIndex uint16
	ItemType        string
	Name            string
	Extra           []byte // trailing fields of mime/uri entries, kept opaque

	version uint8
	flags   uint32
}

// ItemInfo is the decoded iinf table.
type ItemInfo struct {
	Entries []*InfoEntry

	version uint8
	flags   uint32
}

// Extent is one contiguous byte range of an item's payload. Offset is
// relative to the entry's base offset under the entry's construction method.
type Extent struct {
	Index  uint64
	Offset uint64
	Length uint64
}

// LocationEntry is one iloc record: where an item's bytes live.
type LocationEntry struct {
	ID                 uint32
	ConstructionMethod uint8
	DataReferenceIndex uint16
	BaseOffset         uint64
	Extents            []Extent
}

// ItemLocation is the decoded iloc table. The size fields are the declared
// nibble widths and are preserved through re-encoding.
type ItemLocation struct {
	Entries []*LocationEntry

	Version        uint8
	Flags          uint32
	OffsetSize     uint8
	LengthSize     uint8
	BaseOffsetSize uint8
	IndexSize      uint8
}

// Reference is one typed child of iref: from one item to an ordered list.
type Reference struct {
	Type string
	From uint32
	To   []uint32
}

// ItemReferences is the decoded iref table.
type ItemReferences struct {
	Refs []*Reference

	version uint8
	flags   uint32
}

// PropertyAssociation is one (property, essential) pair of an ipma entry.
// Index is 1-based into the ipco children; 0 means no property.
type PropertyAssociation struct {
	Essential bool
	Index     uint16
}

// AssociationEntry lists the property associations of one item.
type AssociationEntry struct {
	ID           uint32
	Associations []PropertyAssociation
}

// ItemProperties is the decoded ipma table.
type ItemProperties struct {
	Entries []*AssociationEntry

	version uint8
	flags   uint32
}

func parseItemInfo(box *bmff.Box) (*ItemInfo, error) {
	c := bmff.NewCursor(box.Prefix)
	version := c.U8()
	flags := uint32(c.U8())<<16 | uint32(c.U8())<<8 | uint32(c.U8())
	var declared uint32
	if version == 0 {
		declared = uint32(c.U16())
	} else {
		declared = c.U32()
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("iinf: %w", err)
	}
	info := &ItemInfo{version: version, flags: flags}
	for _, child := range box.ChildrenOf(bmff.TypeInfe) {
		entry, err := parseInfoEntry(child.Payload)
		if err != nil {
			return nil, err
		}
		info.Entries = append(info.Entries, entry)
	}
	if int(declared) != len(info.Entries) {
		return nil, fmt.Errorf("%w: iinf declares %d entries but holds %d",
			bmff.ErrFormat, declared, len(info.Entries))
	}
	return info, nil
}

func parseInfoEntry(payload []byte) (*InfoEntry, error) {
	c := bmff.NewCursor(payload)
	e := &InfoEntry{version: c.U8()}
	e.flags = uint32(c.U8())<<16 | uint32(c.U8())<<8 | uint32(c.U8())
	switch e.version {
	case 2:
		e.ID = uint32(c.U16())
	case 3:
		e.ID = c.U32()
	default:
		return nil, fmt.Errorf("%w: infe version %d not supported by the image profile",
			bmff.ErrFormat, e.version)
	}
	e.ProtectionIndex = c.U16()
	e.ItemType = string(c.Bytes(4))
	e.Name = c.CString()
	if n := c.Remaining(); n > 0 {
		e.Extra = c.Bytes(n)
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("infe: %w", err)
	}
	return e, nil
}

func parseItemLocation(payload []byte) (*ItemLocation, error) {
	c := bmff.NewCursor(payload)
	loc := &ItemLocation{Version: c.U8()}
	loc.Flags = uint32(c.U8())<<16 | uint32(c.U8())<<8 | uint32(c.U8())

	b := c.U8()
	loc.OffsetSize, loc.LengthSize = b>>4, b&0xf
	b = c.U8()
	loc.BaseOffsetSize, loc.IndexSize = b>>4, b&0xf
	if loc.Version < 1 {
		loc.IndexSize = 0
	}

	var count uint32
	if loc.Version < 2 {
		count = uint32(c.U16())
	} else {
		count = c.U32()
	}
	for i := uint32(0); i < count; i++ {
		entry := &LocationEntry{}
		if loc.Version < 2 {
			entry.ID = uint32(c.U16())
		} else {
			entry.ID = c.U32()
		}
		if loc.Version == 1 || loc.Version == 2 {
			entry.ConstructionMethod = uint8(c.U16() & 0xf)
		}
		entry.DataReferenceIndex = c.U16()
		entry.BaseOffset = c.UintN(int(loc.BaseOffsetSize))
		extents := int(c.U16())
		for j := 0; j < extents; j++ {
			var ext Extent
			if loc.Version >= 1 && loc.IndexSize > 0 {
				ext.Index = c.UintN(int(loc.IndexSize))
			}
			ext.Offset = c.UintN(int(loc.OffsetSize))
			ext.Length = c.UintN(int(loc.LengthSize))
			entry.Extents = append(entry.Extents, ext)
		}
		loc.Entries = append(loc.Entries, entry)
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("iloc: %w", err)
	}
	return loc, nil
}

func parseItemReferences(box *bmff.Box) (*ItemReferences, error) {
	c := bmff.NewCursor(box.Prefix)
	refs := &ItemReferences{version: c.U8()}
	refs.flags = uint32(c.U8())<<16 | uint32(c.U8())<<8 | uint32(c.U8())
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("iref: %w", err)
	}
	wide := refs.version > 0
	for _, child := range box.Children {
		rc := bmff.NewCursor(child.Payload)
		ref := &Reference{Type: child.Type.String()}
		if wide {
			ref.From = rc.U32()
		} else {
			ref.From = uint32(rc.U16())
		}
		count := int(rc.U16())
		for i := 0; i < count; i++ {
			if wide {
				ref.To = append(ref.To, rc.U32())
			} else {
				ref.To = append(ref.To, uint32(rc.U16()))
			}
		}
		if err := rc.Err(); err != nil {
			return nil, fmt.Errorf("iref %s: %w", ref.Type, err)
		}
		refs.Refs = append(refs.Refs, ref)
	}
	return refs, nil
}

func parseItemProperties(payload []byte) (*ItemProperties, error) {
	c := bmff.NewCursor(payload)
	props := &ItemProperties{version: c.U8()}
	props.flags = uint32(c.U8())<<16 | uint32(c.U8())<<8 | uint32(c.U8())
	count := c.U32()
	for i := uint32(0); i < count; i++ {
		entry := &AssociationEntry{}
		if props.version < 1 {
			entry.ID = uint32(c.U16())
		} else {
			entry.ID = c.U32()
		}
		assocs := int(c.U8())
		for j := 0; j < assocs; j++ {
			var a PropertyAssociation
			if props.flags&1 != 0 {
				v := c.U16()
				a.Essential = v&0x8000 != 0
				a.Index = v & 0x7fff
			} else {
				v := c.U8()
				a.Essential = v&0x80 != 0
				a.Index = uint16(v & 0x7f)
			}
			entry.Associations = append(entry.Associations, a)
		}
		props.Entries = append(props.Entries, entry)
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("ipma: %w", err)
	}
	return props, nil
}

// parsePrimaryItem returns the pitm item ID and box version.
func parsePrimaryItem(payload []byte) (uint32, uint8, error) {
	c := bmff.NewCursor(payload)
	version := c.U8()
	c.Skip(3)
	var id uint32
	if version == 0 {
		id = uint32(c.U16())
	} else {
		id = c.U32()
	}
	if err := c.Err(); err != nil {
		return 0, 0, fmt.Errorf("pitm: %w", err)
	}
	return id, version, nil
}
