package rebuild

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"motionstill/internal/bmff"
	"motionstill/internal/fileutil"
	"motionstill/internal/heic"
)

// ErrOffsetOverflow reports a layout whose byte positions or lengths exceed
// 32-bit location fields while the 64-bit fallback is disallowed.
var ErrOffsetOverflow = errors.New("location fields exceed 32-bit range")

// Options control layout fallbacks at write time.
type Options struct {
	// AllowLargeOffsets permits widening location fields to 8 bytes and a
	// 64-bit mdat header when the output outgrows 32-bit addressing.
	AllowLargeOffsets bool
}

// layoutItem binds an output location entry to the payload bytes that land
// in the regenerated mdat.
type layoutItem struct {
	entry   *heic.LocationEntry
	payload []byte
}

// Render applies the change-set to the model and serializes the rewritten
// container. While no payload changes, the source layout is kept: mdat
// passes through raw and every location entry keeps its encoding, with
// positions delta-shifted by however far the metadata edits moved the
// payload region. Payload replacements regenerate mdat and recompute the
// location table from the actual output layout.
func Render(m *heic.ItemModel, changes *ChangeSet, opts Options) ([]byte, error) {
	next, overrides, err := applyChanges(m, changes)
	if err != nil {
		return nil, err
	}

	if len(overrides) == 0 {
		return renderPreserved(next, changes, opts)
	}

	loc, items, err := planLayout(next, overrides)
	if err != nil {
		return nil, err
	}

	var mdatBody int64
	var maxLen uint64
	for _, it := range items {
		mdatBody += int64(len(it.payload))
		if n := uint64(len(it.payload)); n > maxLen {
			maxLen = n
		}
	}
	mdatPayload := make([]byte, 0, mdatBody)
	for _, it := range items {
		mdatPayload = append(mdatPayload, it.payload...)
	}
	mdatBox := bmff.NewLeaf(bmff.TypeMdat, mdatPayload)

	if len(items) > 0 {
		if loc.LengthSize, err = chooseWidth(loc.LengthSize, maxLen, opts.AllowLargeOffsets); err != nil {
			return nil, err
		}
		// The meta box length depends on the location field widths but not
		// on the offset values, so the layout settles as soon as the offset
		// width stops moving: encode provisionally, measure where mdat
		// lands, widen if the topmost position no longer fits.
		settled := false
		for pass := 0; pass < 4 && !settled; pass++ {
			_, mdatStart, err := assemble(next, changes, loc, mdatBox)
			if err != nil {
				return nil, err
			}
			end := uint64(mdatStart) + uint64(mdatBody)
			w, err := chooseWidth(loc.OffsetSize, end, opts.AllowLargeOffsets)
			if err != nil {
				return nil, err
			}
			if w != loc.OffsetSize {
				loc.OffsetSize = w
				continue
			}
			off := uint64(mdatStart)
			for _, it := range items {
				it.entry.Extents[0].Offset = off
				off += it.entry.Extents[0].Length
			}
			settled = true
		}
		if !settled {
			return nil, fmt.Errorf("location field widths did not settle")
		}
	}

	root, _, err := assemble(next, changes, loc, mdatBox)
	if err != nil {
		return nil, err
	}
	return bmff.Marshal(root)
}

// renderPreserved serializes the model around the untouched payload region.
// An unchanged model re-renders byte-identically; edits that only grow or
// shrink the metadata shift every file-addressed location by the same delta,
// the way the payload bytes themselves moved.
func renderPreserved(m *heic.ItemModel, c *ChangeSet, opts Options) ([]byte, error) {
	loc := cloneLocation(m.Location)
	oldStart, hadMdat := mdatPayloadStart(m.Root)

	for pass := 0; pass < 4; pass++ {
		root, newStart, hasMdat, err := assemblePreserved(m, c, loc)
		if err != nil {
			return nil, err
		}
		if !hadMdat || !hasMdat || newStart == oldStart {
			return bmff.Marshal(root)
		}
		delta := newStart - oldStart
		widened, err := widenForShift(loc, delta, opts.AllowLargeOffsets)
		if err != nil {
			return nil, err
		}
		if widened {
			// Wider fields grow the meta box, which moves mdat again.
			continue
		}
		if err := shiftLocations(loc, delta); err != nil {
			return nil, err
		}
		root, _, _, err = assemblePreserved(m, c, loc)
		if err != nil {
			return nil, err
		}
		return bmff.Marshal(root)
	}
	return nil, fmt.Errorf("location field widths did not settle")
}

// mdatPayloadStart locates the payload of the first top-level mdat, the
// region file-constructed locations address.
func mdatPayloadStart(root *bmff.Box) (int64, bool) {
	for _, b := range root.Children {
		if b.Type == bmff.TypeMdat {
			return b.PayloadOffset(), true
		}
	}
	return 0, false
}

func cloneLocation(src *heic.ItemLocation) *heic.ItemLocation {
	out := &heic.ItemLocation{
		Version:        src.Version,
		Flags:          src.Flags,
		OffsetSize:     src.OffsetSize,
		LengthSize:     src.LengthSize,
		BaseOffsetSize: src.BaseOffsetSize,
		IndexSize:      src.IndexSize,
	}
	for _, e := range src.Entries {
		out.Entries = append(out.Entries, copyEntry(e))
	}
	return out
}

// shiftsBase reports whether the entry absorbs a position shift in its base
// offset. Entries without a base offset field, and entries whose base would
// underflow a negative shift, move their extent offsets instead.
func shiftsBase(loc *heic.ItemLocation, e *heic.LocationEntry, delta int64) bool {
	if loc.BaseOffsetSize == 0 {
		return false
	}
	return delta >= 0 || e.BaseOffset >= uint64(-delta)
}

func shifted(v uint64, delta int64) (uint64, error) {
	n := int64(v) + delta
	if n < 0 {
		return 0, fmt.Errorf("shift by %d moves position %d before the file start", delta, v)
	}
	return uint64(n), nil
}

// widenForShift widens location field widths that can no longer hold their
// shifted positions, reporting whether anything changed.
func widenForShift(loc *heic.ItemLocation, delta int64, allowLarge bool) (bool, error) {
	widened := false
	for _, e := range loc.Entries {
		if e.ConstructionMethod != heic.ConstructFile || e.DataReferenceIndex != 0 {
			continue
		}
		if shiftsBase(loc, e, delta) {
			v, err := shifted(e.BaseOffset, delta)
			if err != nil {
				return false, err
			}
			w, err := chooseWidth(loc.BaseOffsetSize, v, allowLarge)
			if err != nil {
				return false, err
			}
			if w != loc.BaseOffsetSize {
				loc.BaseOffsetSize = w
				widened = true
			}
			continue
		}
		for _, ext := range e.Extents {
			v, err := shifted(ext.Offset, delta)
			if err != nil {
				return false, err
			}
			w, err := chooseWidth(loc.OffsetSize, v, allowLarge)
			if err != nil {
				return false, err
			}
			if w != loc.OffsetSize {
				loc.OffsetSize = w
				widened = true
			}
		}
	}
	return widened, nil
}

func shiftLocations(loc *heic.ItemLocation, delta int64) error {
	for _, e := range loc.Entries {
		if e.ConstructionMethod != heic.ConstructFile || e.DataReferenceIndex != 0 {
			continue
		}
		if shiftsBase(loc, e, delta) {
			v, err := shifted(e.BaseOffset, delta)
			if err != nil {
				return err
			}
			e.BaseOffset = v
			continue
		}
		for i := range e.Extents {
			v, err := shifted(e.Extents[i].Offset, delta)
			if err != nil {
				return err
			}
			e.Extents[i].Offset = v
		}
	}
	return nil
}

// assemblePreserved builds the output tree with mdat boxes passed through
// untouched and reports where the first retained mdat's payload lands.
func assemblePreserved(m *heic.ItemModel, c *ChangeSet, loc *heic.ItemLocation) (*bmff.Box, int64, bool, error) {
	var ilocBox *bmff.Box
	if len(loc.Entries) > 0 || m.Meta.Child(bmff.TypeIloc) != nil {
		var err error
		if ilocBox, err = loc.Encode(); err != nil {
			return nil, 0, false, err
		}
	}
	metaBox, err := rebuildMeta(m, c, ilocBox)
	if err != nil {
		return nil, 0, false, err
	}

	var top []*bmff.Box
	sawFtyp := false
	for _, b := range m.Root.Children {
		if c != nil && c.droppedTop(b.Type) {
			continue
		}
		switch b.Type {
		case bmff.TypeFtyp:
			fb, err := rebuildFtyp(b, c)
			if err != nil {
				return nil, 0, false, err
			}
			top = append(top, fb)
			sawFtyp = true
		case bmff.TypeMeta:
			top = append(top, metaBox)
		default:
			top = append(top, b)
		}
	}
	if !sawFtyp && c != nil && (c.majorBrand != "" || len(c.brands) > 0) {
		fb, err := rebuildFtyp(nil, c)
		if err != nil {
			return nil, 0, false, err
		}
		top = append([]*bmff.Box{fb}, top...)
	}
	if c != nil {
		top = append(top, c.appendTop...)
	}

	var at int64
	for _, b := range top {
		if b.Type == bmff.TypeMdat {
			return bmff.NewRoot(top...), at + b.HeaderLen(), true, nil
		}
		at += b.EncodedLen()
	}
	return bmff.NewRoot(top...), 0, false, nil
}

// Write renders the rewritten container and atomically replaces dest with
// it. A failure at any point leaves an existing destination untouched.
func Write(m *heic.ItemModel, changes *ChangeSet, dest string, opts Options) error {
	data, err := Render(m, changes, opts)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(dest, data, 0o644)
}

// applyChanges runs the model-level mutations of the change-set and returns
// the derived model plus the payload overrides for the layout pass.
func applyChanges(m *heic.ItemModel, c *ChangeSet) (*heic.ItemModel, map[uint32][]byte, error) {
	if c == nil || c.Empty() {
		return m, nil, nil
	}
	next := m
	var err error

	if len(c.removed) > 0 {
		for _, id := range c.removed {
			if _, clash := c.payloads[id]; clash {
				return nil, nil, fmt.Errorf("item %d is both removed and given a new payload", id)
			}
		}
		if next, err = next.RemoveItems(c.removed...); err != nil {
			return nil, nil, err
		}
	}

	typeIDs := make([]uint32, 0, len(c.itemTypes))
	for id := range c.itemTypes {
		typeIDs = append(typeIDs, id)
	}
	sort.Slice(typeIDs, func(i, j int) bool { return typeIDs[i] < typeIDs[j] })
	for _, id := range typeIDs {
		if next, err = next.SetItemType(id, c.itemTypes[id]); err != nil {
			return nil, nil, err
		}
	}

	for _, op := range c.refs {
		if next, err = next.SetReferences(op.refType, op.from, op.to); err != nil {
			return nil, nil, err
		}
	}

	for _, id := range c.propertyItems() {
		specs := c.properties[id]
		assocs := make([]heic.PropertyAssociation, 0, len(specs))
		for _, s := range specs {
			if s.Box == nil {
				return nil, nil, fmt.Errorf("property spec for item %d carries no box", id)
			}
			idx := propertyIndex(next.PropContainer, s.Box)
			if idx == 0 {
				var added []uint16
				if next, added, err = next.ExtendProperties(s.Box); err != nil {
					return nil, nil, err
				}
				idx = added[0]
			}
			assocs = append(assocs, heic.PropertyAssociation{Essential: s.Essential, Index: idx})
		}
		if next, err = next.SetItemProperties(id, assocs); err != nil {
			return nil, nil, err
		}
	}

	if c.primary != nil {
		if next, err = next.SetPrimaryItem(*c.primary); err != nil {
			return nil, nil, err
		}
	}

	var overrides map[uint32][]byte
	if len(c.payloads) > 0 {
		overrides = make(map[uint32][]byte, len(c.payloads))
		for id, payload := range c.payloads {
			if _, ok := next.Lookup(id); !ok {
				return nil, nil, fmt.Errorf("%w: payload for item %d", heic.ErrInvalidReference, id)
			}
			overrides[id] = payload
		}
	}
	return next, overrides, nil
}

// propertyIndex returns the 1-based ipco index of a byte-identical property
// box, or 0 when the container holds no equivalent.
func propertyIndex(ipco *bmff.Box, want *bmff.Box) uint16 {
	if ipco == nil {
		return 0
	}
	for i, c := range ipco.Children {
		if c.Type == want.Type && !c.Container() && bytes.Equal(c.Payload, want.Payload) {
			return uint16(i + 1)
		}
	}
	return 0
}

// planLayout derives the output location table. File-constructed payloads
// are consolidated into single contiguous extents laid out in the new mdat;
// idat-constructed, item-constructed, and externally referenced entries pass
// through unchanged.
func planLayout(m *heic.ItemModel, overrides map[uint32][]byte) (*heic.ItemLocation, []layoutItem, error) {
	src := m.Location
	out := &heic.ItemLocation{
		Version:        src.Version,
		Flags:          src.Flags,
		OffsetSize:     src.OffsetSize,
		LengthSize:     src.LengthSize,
		BaseOffsetSize: src.BaseOffsetSize,
		IndexSize:      src.IndexSize,
	}

	var items []layoutItem
	placed := make(map[uint32]bool, len(overrides))
	for _, e := range src.Entries {
		payload, replaced := overrides[e.ID]
		if replaced {
			placed[e.ID] = true
		}
		switch {
		case e.ConstructionMethod == heic.ConstructItem:
			if replaced {
				return nil, nil, fmt.Errorf("item %d uses item-offset construction, which this profile does not rewrite", e.ID)
			}
			out.Entries = append(out.Entries, copyEntry(e))
		case e.DataReferenceIndex != 0:
			if replaced {
				return nil, nil, fmt.Errorf("item %d stores its payload through an external data reference", e.ID)
			}
			out.Entries = append(out.Entries, copyEntry(e))
		case e.ConstructionMethod == heic.ConstructIdat && !replaced:
			out.Entries = append(out.Entries, copyEntry(e))
		default:
			if !replaced {
				var err error
				if payload, err = m.ItemPayload(e.ID); err != nil {
					return nil, nil, err
				}
			}
			ne := &heic.LocationEntry{
				ID:                 e.ID,
				ConstructionMethod: heic.ConstructFile,
				DataReferenceIndex: e.DataReferenceIndex,
				Extents:            []heic.Extent{{Length: uint64(len(payload))}},
			}
			out.Entries = append(out.Entries, ne)
			items = append(items, layoutItem{entry: ne, payload: payload})
		}
	}

	// Replaced payloads for items that had no location entry yet.
	extra := make([]uint32, 0)
	for id := range overrides {
		if !placed[id] {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, id := range extra {
		ne := &heic.LocationEntry{
			ID:                 id,
			ConstructionMethod: heic.ConstructFile,
			Extents:            []heic.Extent{{Length: uint64(len(overrides[id]))}},
		}
		out.Entries = append(out.Entries, ne)
		items = append(items, layoutItem{entry: ne, payload: overrides[id]})
	}

	if len(items) > 0 {
		if out.OffsetSize == 0 {
			out.OffsetSize = 4
		}
		if out.LengthSize == 0 {
			out.LengthSize = 4
		}
	}
	return out, items, nil
}

func copyEntry(e *heic.LocationEntry) *heic.LocationEntry {
	ec := *e
	ec.Extents = append([]heic.Extent(nil), e.Extents...)
	return &ec
}

// chooseWidth returns the location field width able to hold v, never
// narrowing the current width. Widening past 4 bytes requires the caller to
// allow 64-bit layouts.
func chooseWidth(current uint8, v uint64, allowLarge bool) (uint8, error) {
	w := current
	if w == 0 {
		w = 4
	}
	if w == 4 && v > math.MaxUint32 {
		if !allowLarge {
			return 0, fmt.Errorf("%w: %d needs an 8-byte location field", ErrOffsetOverflow, v)
		}
		w = 8
	}
	return w, nil
}

// assemble builds the output tree around the given location table and
// returns it together with the stream offset where the mdat payload lands.
func assemble(m *heic.ItemModel, c *ChangeSet, loc *heic.ItemLocation, mdatBox *bmff.Box) (*bmff.Box, int64, error) {
	var ilocBox *bmff.Box
	if len(loc.Entries) > 0 || m.Meta.Child(bmff.TypeIloc) != nil {
		var err error
		if ilocBox, err = loc.Encode(); err != nil {
			return nil, 0, err
		}
	}
	metaBox, err := rebuildMeta(m, c, ilocBox)
	if err != nil {
		return nil, 0, err
	}

	var top []*bmff.Box
	mdatAt := -1
	sawFtyp := false
	for _, b := range m.Root.Children {
		if c != nil && c.droppedTop(b.Type) {
			continue
		}
		switch b.Type {
		case bmff.TypeFtyp:
			fb, err := rebuildFtyp(b, c)
			if err != nil {
				return nil, 0, err
			}
			top = append(top, fb)
			sawFtyp = true
		case bmff.TypeMeta:
			top = append(top, metaBox)
		case bmff.TypeMdat:
			if mdatAt >= 0 {
				continue // payloads consolidate into the first mdat
			}
			mdatAt = len(top)
			top = append(top, mdatBox)
		default:
			top = append(top, b)
		}
	}
	if !sawFtyp && c != nil && (c.majorBrand != "" || len(c.brands) > 0) {
		fb, err := rebuildFtyp(nil, c)
		if err != nil {
			return nil, 0, err
		}
		top = append([]*bmff.Box{fb}, top...)
		if mdatAt >= 0 {
			mdatAt++
		}
	}
	if mdatAt < 0 && len(mdatBox.Payload) > 0 {
		// The source had no mdat; place the regenerated one after meta.
		at := len(top)
		for i, b := range top {
			if b == metaBox {
				at = i + 1
				break
			}
		}
		top = append(top[:at], append([]*bmff.Box{mdatBox}, top[at:]...)...)
		mdatAt = at
	}
	if c != nil {
		top = append(top, c.appendTop...)
	}

	var mdatStart int64
	if mdatAt >= 0 {
		for _, b := range top[:mdatAt] {
			mdatStart += b.EncodedLen()
		}
		mdatStart += mdatBox.EncodedLen() - int64(len(mdatBox.Payload))
	}
	return bmff.NewRoot(top...), mdatStart, nil
}

// rebuildMeta regenerates meta's children in source order, swapping the
// structural tables for their re-encoded forms and upserting the vendor
// metadata box. Tables a change introduced that the source never carried
// are appended at the end.
func rebuildMeta(m *heic.ItemModel, c *ChangeSet, ilocBox *bmff.Box) (*bmff.Box, error) {
	iinfBox, err := m.Info.Encode()
	if err != nil {
		return nil, err
	}

	var pitmBox *bmff.Box
	if m.HasPrimary {
		if pitmBox, err = m.EncodePrimaryItem(); err != nil {
			return nil, err
		}
	}

	var irefBox *bmff.Box
	if len(m.References.Refs) > 0 {
		if irefBox, err = m.References.Encode(); err != nil {
			return nil, err
		}
	}

	var iprpBox *bmff.Box
	if m.PropContainer != nil || len(m.Properties.Entries) > 0 {
		ipco := m.PropContainer
		if ipco == nil {
			ipco = bmff.NewContainer(bmff.TypeIpco, nil)
		}
		iprpChildren := []*bmff.Box{ipco}
		if len(m.Properties.Entries) > 0 {
			ipmaBox, err := m.Properties.Encode()
			if err != nil {
				return nil, err
			}
			iprpChildren = append(iprpChildren, ipmaBox)
		}
		iprpBox = bmff.NewContainer(bmff.TypeIprp, nil, iprpChildren...)
	}

	var vendorBox *bmff.Box
	if c != nil && c.vendorMeta != nil {
		vendorBox = vendorMetaBox(*c.vendorMeta)
	}

	var children []*bmff.Box
	seen := make(map[bmff.BoxType]bool, len(m.Meta.Children))
	vendorPlaced := false
	for _, child := range m.Meta.Children {
		seen[child.Type] = true
		switch {
		case isVendorMetaBox(child):
			if vendorBox != nil {
				children = append(children, vendorBox)
				vendorPlaced = true
			} else {
				children = append(children, child)
			}
		case child.Type == bmff.TypePitm:
			if pitmBox != nil {
				children = append(children, pitmBox)
			}
		case child.Type == bmff.TypeIinf:
			children = append(children, iinfBox)
		case child.Type == bmff.TypeIloc:
			if ilocBox != nil {
				children = append(children, ilocBox)
			}
		case child.Type == bmff.TypeIref:
			if irefBox != nil {
				children = append(children, irefBox)
			}
		case child.Type == bmff.TypeIprp:
			if iprpBox != nil {
				children = append(children, iprpBox)
			}
		default:
			children = append(children, child)
		}
	}
	if pitmBox != nil && !seen[bmff.TypePitm] {
		children = append(children, pitmBox)
	}
	if ilocBox != nil && !seen[bmff.TypeIloc] {
		children = append(children, ilocBox)
	}
	if irefBox != nil && !seen[bmff.TypeIref] {
		children = append(children, irefBox)
	}
	if iprpBox != nil && !seen[bmff.TypeIprp] {
		children = append(children, iprpBox)
	}
	if vendorBox != nil && !vendorPlaced {
		children = append(children, vendorBox)
	}
	return bmff.NewContainer(bmff.TypeMeta, m.Meta.Prefix, children...), nil
}

// rebuildFtyp re-emits ftyp with the major brand override applied and the
// compatible brands either extended in place or replaced outright. A nil
// src synthesizes a minimal heic ftyp.
func rebuildFtyp(src *bmff.Box, c *ChangeSet) (*bmff.Box, error) {
	if src != nil && (c == nil || (c.majorBrand == "" && len(c.brands) == 0 && !c.replaceBrands)) {
		return src, nil
	}
	major, minor := "heic", uint32(0)
	var brands []string
	if src != nil {
		cur := bmff.NewCursor(src.Payload)
		major = string(cur.Bytes(4))
		minor = cur.U32()
		for cur.Err() == nil && cur.Remaining() >= 4 {
			brands = append(brands, string(cur.Bytes(4)))
		}
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("ftyp: %w", err)
		}
	}
	if c != nil && c.majorBrand != "" {
		major = c.majorBrand
	}
	if len(major) != 4 {
		return nil, fmt.Errorf("major brand %q must be 4 characters", major)
	}
	if c != nil {
		if c.replaceBrands {
			brands = nil
		}
		for _, b := range c.brands {
			if len(b) != 4 {
				return nil, fmt.Errorf("compatible brand %q must be 4 characters", b)
			}
			if !slices.Contains(brands, b) {
				brands = append(brands, b)
			}
		}
	}
	payload := make([]byte, 0, 8+4*len(brands))
	payload = append(payload, major...)
	payload = binary.BigEndian.AppendUint32(payload, minor)
	for _, b := range brands {
		payload = append(payload, b...)
	}
	return bmff.NewLeaf(bmff.TypeFtyp, payload), nil
}
