package heic

import (
	"encoding/binary"
	"fmt"

	"motionstill/internal/bmff"
)

// Encoders regenerate the structural meta boxes from (possibly edited)
// tables. Each encoder preserves the source box's version, flags, and field
// widths, so a table that was not edited re-encodes byte-identically.

func appendVersionFlags(dst []byte, version uint8, flags uint32) []byte {
	return append(dst, version, byte(flags>>16), byte(flags>>8), byte(flags))
}

// appendUintN writes v big-endian at the given byte width, failing when the
// value does not fit. Width 0 accepts only zero values.
func appendUintN(dst []byte, v uint64, width uint8) ([]byte, error) {
	switch width {
	case 0:
		if v != 0 {
			return nil, fmt.Errorf("value %d cannot be stored in a zero-width field", v)
		}
		return dst, nil
	case 4:
		if v > 0xffffffff {
			return nil, fmt.Errorf("value %d does not fit a 4-byte field", v)
		}
		return binary.BigEndian.AppendUint32(dst, uint32(v)), nil
	case 8:
		return binary.BigEndian.AppendUint64(dst, v), nil
	default:
		return nil, fmt.Errorf("unsupported field width %d", width)
	}
}

// Encode regenerates the iinf box.
func (t *ItemInfo) Encode() (*bmff.Box, error) {
	prefix := appendVersionFlags(nil, t.version, t.flags)
	if t.version == 0 {
		if len(t.Entries) > 0xffff {
			return nil, fmt.Errorf("iinf version 0 cannot hold %d entries", len(t.Entries))
		}
		prefix = binary.BigEndian.AppendUint16(prefix, uint16(len(t.Entries)))
	} else {
		prefix = binary.BigEndian.AppendUint32(prefix, uint32(len(t.Entries)))
	}
	children := make([]*bmff.Box, 0, len(t.Entries))
	for _, e := range t.Entries {
		child, err := e.encode()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return bmff.NewContainer(bmff.TypeIinf, prefix, children...), nil
}

func (e *InfoEntry) encode() (*bmff.Box, error) {
	if len(e.ItemType) != 4 {
		return nil, fmt.Errorf("item %d has item type %q, want 4 characters", e.ID, e.ItemType)
	}
	payload := appendVersionFlags(nil, e.version, e.flags)
	switch e.version {
	case 2:
		if e.ID > 0xffff {
			return nil, fmt.Errorf("item ID %d does not fit infe version 2", e.ID)
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(e.ID))
	case 3:
		payload = binary.BigEndian.AppendUint32(payload, e.ID)
	default:
		return nil, fmt.Errorf("infe version %d not supported", e.version)
	}
	payload = binary.BigEndian.AppendUint16(payload, e.ProtectionIndex)
	payload = append(payload, e.ItemType...)
	payload = append(payload, e.Name...)
	payload = append(payload, 0)
	payload = append(payload, e.Extra...)
	return bmff.NewLeaf(bmff.TypeInfe, payload), nil
}

// Encode regenerates the iloc box. Values must fit the declared widths;
// the rebuild engine widens them first when a layout demands it.
func (t *ItemLocation) Encode() (*bmff.Box, error) {
	payload := appendVersionFlags(nil, t.Version, t.Flags)
	payload = append(payload, t.OffsetSize<<4|t.LengthSize)
	indexSize := t.IndexSize
	if t.Version < 1 {
		indexSize = 0
	}
	payload = append(payload, t.BaseOffsetSize<<4|indexSize)

	if t.Version < 2 {
		if len(t.Entries) > 0xffff {
			return nil, fmt.Errorf("iloc version %d cannot hold %d entries", t.Version, len(t.Entries))
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(t.Entries)))
	} else {
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(t.Entries)))
	}

	var err error
	for _, e := range t.Entries {
		if t.Version < 2 {
			if e.ID > 0xffff {
				return nil, fmt.Errorf("item ID %d does not fit iloc version %d", e.ID, t.Version)
			}
			payload = binary.BigEndian.AppendUint16(payload, uint16(e.ID))
		} else {
			payload = binary.BigEndian.AppendUint32(payload, e.ID)
		}
		if t.Version == 1 || t.Version == 2 {
			payload = binary.BigEndian.AppendUint16(payload, uint16(e.ConstructionMethod))
		} else if e.ConstructionMethod != ConstructFile {
			return nil, fmt.Errorf("item %d needs construction method %d, which iloc version 0 cannot express",
				e.ID, e.ConstructionMethod)
		}
		payload = binary.BigEndian.AppendUint16(payload, e.DataReferenceIndex)
		if payload, err = appendUintN(payload, e.BaseOffset, t.BaseOffsetSize); err != nil {
			return nil, fmt.Errorf("item %d base offset: %w", e.ID, err)
		}
		if len(e.Extents) > 0xffff {
			return nil, fmt.Errorf("item %d has %d extents", e.ID, len(e.Extents))
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(e.Extents)))
		for _, ext := range e.Extents {
			if t.Version >= 1 && indexSize > 0 {
				if payload, err = appendUintN(payload, ext.Index, indexSize); err != nil {
					return nil, fmt.Errorf("item %d extent index: %w", e.ID, err)
				}
			}
			if payload, err = appendUintN(payload, ext.Offset, t.OffsetSize); err != nil {
				return nil, fmt.Errorf("item %d extent offset: %w", e.ID, err)
			}
			if payload, err = appendUintN(payload, ext.Length, t.LengthSize); err != nil {
				return nil, fmt.Errorf("item %d extent length: %w", e.ID, err)
			}
		}
	}
	return bmff.NewLeaf(bmff.TypeIloc, payload), nil
}

// Encode regenerates the iref box with one typed child per reference.
func (t *ItemReferences) Encode() (*bmff.Box, error) {
	prefix := appendVersionFlags(nil, t.version, t.flags)
	wide := t.version > 0
	children := make([]*bmff.Box, 0, len(t.Refs))
	for _, r := range t.Refs {
		if len(r.Type) != 4 {
			return nil, fmt.Errorf("reference type %q must be 4 characters", r.Type)
		}
		var payload []byte
		if wide {
			payload = binary.BigEndian.AppendUint32(payload, r.From)
		} else {
			if r.From > 0xffff {
				return nil, fmt.Errorf("item ID %d does not fit iref version 0", r.From)
			}
			payload = binary.BigEndian.AppendUint16(payload, uint16(r.From))
		}
		if len(r.To) > 0xffff {
			return nil, fmt.Errorf("reference from item %d lists %d targets", r.From, len(r.To))
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(r.To)))
		for _, to := range r.To {
			if wide {
				payload = binary.BigEndian.AppendUint32(payload, to)
			} else {
				if to > 0xffff {
					return nil, fmt.Errorf("item ID %d does not fit iref version 0", to)
				}
				payload = binary.BigEndian.AppendUint16(payload, uint16(to))
			}
		}
		children = append(children, bmff.NewLeaf(bmff.TypeOf(r.Type), payload))
	}
	return bmff.NewContainer(bmff.TypeIref, prefix, children...), nil
}

// Encode regenerates the ipma box.
func (t *ItemProperties) Encode() (*bmff.Box, error) {
	payload := appendVersionFlags(nil, t.version, t.flags)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(t.Entries)))
	for _, e := range t.Entries {
		if t.version < 1 {
			if e.ID > 0xffff {
				return nil, fmt.Errorf("item ID %d does not fit ipma version 0", e.ID)
			}
			payload = binary.BigEndian.AppendUint16(payload, uint16(e.ID))
		} else {
			payload = binary.BigEndian.AppendUint32(payload, e.ID)
		}
		if len(e.Associations) > 0xff {
			return nil, fmt.Errorf("item %d has %d property associations", e.ID, len(e.Associations))
		}
		payload = append(payload, uint8(len(e.Associations)))
		for _, a := range e.Associations {
			if t.flags&1 != 0 {
				v := a.Index & 0x7fff
				if a.Essential {
					v |= 0x8000
				}
				payload = binary.BigEndian.AppendUint16(payload, v)
			} else {
				if a.Index > 0x7f {
					return nil, fmt.Errorf("property index %d needs wide ipma associations", a.Index)
				}
				v := uint8(a.Index)
				if a.Essential {
					v |= 0x80
				}
				payload = append(payload, v)
			}
		}
	}
	return bmff.NewLeaf(bmff.TypeIpma, payload), nil
}

// EncodePrimaryItem regenerates the pitm box at the model's source version.
func (m *ItemModel) EncodePrimaryItem() (*bmff.Box, error) {
	payload := appendVersionFlags(nil, m.primaryVersion, 0)
	if m.primaryVersion == 0 {
		if m.PrimaryID > 0xffff {
			return nil, fmt.Errorf("primary item ID %d does not fit pitm version 0", m.PrimaryID)
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(m.PrimaryID))
	} else {
		payload = binary.BigEndian.AppendUint32(payload, m.PrimaryID)
	}
	return bmff.NewLeaf(bmff.TypePitm, payload), nil
}
