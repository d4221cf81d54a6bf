package heic

import (
	"fmt"
	"sort"

	"motionstill/internal/bmff"
)

// Item is the assembled view of one item: its info entry, byte location
// (nil when the item carries no payload), and property associations.
type Item struct {
	Info         *InfoEntry
	Location     *LocationEntry
	Associations []PropertyAssociation
}

// ID returns the item's identifier.
func (it *Item) ID() uint32 { return it.Info.ID }

// ItemModel is the read-only item-level view of one parsed container.
// Derive edited models through SetItemProperties or RemapIDs; serialize
// through the rebuild engine.
type ItemModel struct {
	Root *bmff.Box
	Meta *bmff.Box

	HandlerType string
	Info        *ItemInfo
	Location    *ItemLocation
	References  *ItemReferences
	Properties  *ItemProperties

	// PropContainer is the ipco box; nil when the source has no properties.
	PropContainer *bmff.Box

	PrimaryID  uint32
	HasPrimary bool

	primaryVersion uint8
	idat           []byte
	data           []byte

	byID  map[uint32]*InfoEntry
	locBy map[uint32]*LocationEntry
}

// Build derives the item model from a parsed tree. data must be the exact
// byte stream root was parsed from; item extents resolve against it.
// meta and iinf are required; location, reference, and property boxes are
// tolerated as empty.
func Build(root *bmff.Box, data []byte) (*ItemModel, error) {
	meta := root.Child(bmff.TypeMeta)
	if meta == nil {
		return nil, fmt.Errorf("%w: meta", ErrMissingBox)
	}
	iinf := meta.Child(bmff.TypeIinf)
	if iinf == nil {
		return nil, fmt.Errorf("%w: iinf", ErrMissingBox)
	}

	m := &ItemModel{Root: root, Meta: meta, data: data}

	var err error
	if m.Info, err = parseItemInfo(iinf); err != nil {
		return nil, err
	}

	if hdlr := meta.Child(bmff.TypeHdlr); hdlr != nil && len(hdlr.Payload) >= 12 {
		m.HandlerType = string(hdlr.Payload[8:12])
	}

	if iloc := meta.Child(bmff.TypeIloc); iloc != nil {
		if m.Location, err = parseItemLocation(iloc.Payload); err != nil {
			return nil, err
		}
	} else {
		m.Location = &ItemLocation{OffsetSize: 4, LengthSize: 4}
	}

	if pitm := meta.Child(bmff.TypePitm); pitm != nil {
		m.PrimaryID, m.primaryVersion, err = parsePrimaryItem(pitm.Payload)
		if err != nil {
			return nil, err
		}
		m.HasPrimary = true
	}

	if iref := meta.Child(bmff.TypeIref); iref != nil {
		if m.References, err = parseItemReferences(iref); err != nil {
			return nil, err
		}
	} else {
		m.References = &ItemReferences{}
	}

	if iprp := meta.Child(bmff.TypeIprp); iprp != nil {
		m.PropContainer = iprp.Child(bmff.TypeIpco)
		if ipma := iprp.Child(bmff.TypeIpma); ipma != nil {
			if m.Properties, err = parseItemProperties(ipma.Payload); err != nil {
				return nil, err
			}
		}
	}
	if m.Properties == nil {
		m.Properties = &ItemProperties{version: 1}
	}

	if idat := meta.Child(bmff.TypeIdat); idat != nil {
		m.idat = idat.Payload
	}

	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// index rebuilds the lookup maps and rejects duplicate item IDs.
func (m *ItemModel) index() error {
	m.byID = make(map[uint32]*InfoEntry, len(m.Info.Entries))
	for _, e := range m.Info.Entries {
		if _, dup := m.byID[e.ID]; dup {
			return fmt.Errorf("%w: duplicate item ID %d in iinf", bmff.ErrFormat, e.ID)
		}
		m.byID[e.ID] = e
	}
	m.locBy = make(map[uint32]*LocationEntry, len(m.Location.Entries))
	for _, e := range m.Location.Entries {
		m.locBy[e.ID] = e
	}
	return nil
}

// Lookup assembles the item view for one ID.
func (m *ItemModel) Lookup(id uint32) (*Item, bool) {
	info, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	it := &Item{Info: info, Location: m.locBy[id]}
	for _, e := range m.Properties.Entries {
		if e.ID == id {
			it.Associations = e.Associations
			break
		}
	}
	return it, true
}

// Items returns every item in iinf order.
func (m *ItemModel) Items() []*Item {
	out := make([]*Item, 0, len(m.Info.Entries))
	for _, e := range m.Info.Entries {
		if it, ok := m.Lookup(e.ID); ok {
			out = append(out, it)
		}
	}
	return out
}

// ResolveReferences maps each referencing item to its ordered referenced
// items, for one reference type. Absent iref yields an empty map.
func (m *ItemModel) ResolveReferences(refType string) map[uint32][]uint32 {
	out := make(map[uint32][]uint32)
	for _, r := range m.References.Refs {
		if r.Type == refType {
			out[r.From] = append(out[r.From], r.To...)
		}
	}
	return out
}

// PrimaryItem resolves the pitm box to its item.
func (m *ItemModel) PrimaryItem() (*Item, error) {
	if !m.HasPrimary {
		return nil, ErrMissingPrimaryItem
	}
	it, ok := m.Lookup(m.PrimaryID)
	if !ok {
		return nil, fmt.Errorf("%w: pitm names item %d which has no info entry",
			ErrMissingPrimaryItem, m.PrimaryID)
	}
	return it, nil
}

// SetItemProperties returns a derived model with the item's property
// associations replaced. The receiver is unchanged.
func (m *ItemModel) SetItemProperties(id uint32, assocs []PropertyAssociation) (*ItemModel, error) {
	if _, ok := m.byID[id]; !ok {
		return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, id)
	}
	for _, a := range assocs {
		if err := m.checkPropertyIndex(a.Index); err != nil {
			return nil, err
		}
	}
	next := m.clone()
	replaced := false
	for _, e := range next.Properties.Entries {
		if e.ID == id {
			e.Associations = append([]PropertyAssociation(nil), assocs...)
			replaced = true
			break
		}
	}
	if !replaced {
		next.Properties.Entries = append(next.Properties.Entries, &AssociationEntry{
			ID:           id,
			Associations: append([]PropertyAssociation(nil), assocs...),
		})
	}
	return next, nil
}

func (m *ItemModel) checkPropertyIndex(idx uint16) error {
	if idx == 0 {
		return nil
	}
	if m.PropContainer == nil || int(idx) > len(m.PropContainer.Children) {
		return fmt.Errorf("%w: index %d", ErrInvalidPropertyIndex, idx)
	}
	return nil
}

// ExtendProperties returns a derived model whose property container carries
// the given boxes appended after the existing ones, plus the 1-based ipco
// indexes they landed on. Existing associations keep their indexes.
func (m *ItemModel) ExtendProperties(boxes ...*bmff.Box) (*ItemModel, []uint16, error) {
	if m.PropContainer == nil {
		return nil, nil, fmt.Errorf("%w: iprp/ipco", ErrMissingBox)
	}
	base := len(m.PropContainer.Children)
	if base+len(boxes) > 0x7fff {
		return nil, nil, fmt.Errorf("%w: property container holds %d boxes, cannot add %d more",
			ErrInvalidPropertyIndex, base, len(boxes))
	}
	next := m.clone()
	children := append([]*bmff.Box(nil), m.PropContainer.Children...)
	children = append(children, boxes...)
	next.PropContainer = bmff.NewContainer(bmff.TypeIpco, nil, children...)
	if base+len(boxes) > 0x7f {
		// Indexes past 127 need the wide association encoding.
		next.Properties.flags |= 1
	}
	indexes := make([]uint16, len(boxes))
	for i := range boxes {
		indexes[i] = uint16(base + i + 1)
	}
	return next, indexes, nil
}

// PropertyBoxes resolves an item's associations to the ipco boxes, in
// association order. Zero indexes are skipped.
func (m *ItemModel) PropertyBoxes(id uint32) ([]*bmff.Box, error) {
	it, ok := m.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, id)
	}
	var out []*bmff.Box
	for _, a := range it.Associations {
		if a.Index == 0 {
			continue
		}
		if err := m.checkPropertyIndex(a.Index); err != nil {
			return nil, err
		}
		out = append(out, m.PropContainer.Children[a.Index-1])
	}
	return out, nil
}

// ItemPayload concatenates the item's extents into its payload bytes. The
// returned slice may alias the parsed stream and must not be mutated.
func (m *ItemModel) ItemPayload(id uint32) ([]byte, error) {
	loc, ok := m.locBy[id]
	if !ok {
		return nil, fmt.Errorf("item %d has no location entry", id)
	}
	var source []byte
	switch loc.ConstructionMethod {
	case ConstructFile:
		source = m.data
	case ConstructIdat:
		source = m.idat
		if source == nil {
			return nil, fmt.Errorf("%w: item %d uses idat construction but meta has no idat",
				bmff.ErrFormat, id)
		}
	default:
		return nil, fmt.Errorf("item %d uses item-offset construction, which this profile does not resolve", id)
	}
	if len(loc.Extents) == 1 {
		return sliceExtent(source, loc.BaseOffset, loc.Extents[0], id)
	}
	var out []byte
	for _, ext := range loc.Extents {
		part, err := sliceExtent(source, loc.BaseOffset, ext, id)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

func sliceExtent(source []byte, base uint64, ext Extent, id uint32) ([]byte, error) {
	start := base + ext.Offset
	end := start + ext.Length
	if end < start || end > uint64(len(source)) {
		return nil, fmt.Errorf("%w: extent of item %d spans [%d, %d) beyond %d available bytes",
			bmff.ErrFormat, id, start, end, len(source))
	}
	return source[start:end], nil
}

// RemapIDs returns a derived model with every table rewritten through the
// mapping in one pass. IDs absent from the mapping keep their value. Two
// old IDs must not collapse onto one new ID.
func (m *ItemModel) RemapIDs(mapping map[uint32]uint32) (*ItemModel, error) {
	remap := func(id uint32) uint32 {
		if to, ok := mapping[id]; ok {
			return to
		}
		return id
	}
	seen := make(map[uint32]uint32, len(m.Info.Entries))
	for _, e := range m.Info.Entries {
		to := remap(e.ID)
		if from, dup := seen[to]; dup {
			return nil, fmt.Errorf("%w: items %d and %d both map to %d",
				ErrInvalidReference, from, e.ID, to)
		}
		seen[to] = e.ID
	}

	next := m.clone()
	for _, e := range next.Info.Entries {
		e.ID = remap(e.ID)
	}
	for _, e := range next.Location.Entries {
		e.ID = remap(e.ID)
	}
	for _, r := range next.References.Refs {
		r.From = remap(r.From)
		for i := range r.To {
			r.To[i] = remap(r.To[i])
		}
	}
	for _, e := range next.Properties.Entries {
		e.ID = remap(e.ID)
	}
	if next.HasPrimary {
		next.PrimaryID = remap(next.PrimaryID)
	}
	if err := next.index(); err != nil {
		return nil, err
	}
	return next, nil
}

// CheckIntegrity verifies the item graph: locations, references, and
// associations resolve to known items, property indexes resolve in ipco,
// a declared primary item exists, and file extents of distinct items do
// not overlap unless item-offset construction nests them.
func (m *ItemModel) CheckIntegrity() error {
	for _, e := range m.Location.Entries {
		if _, ok := m.byID[e.ID]; !ok {
			return fmt.Errorf("%w: iloc entry for item %d", ErrInvalidReference, e.ID)
		}
	}
	for _, r := range m.References.Refs {
		if _, ok := m.byID[r.From]; !ok {
			return fmt.Errorf("%w: %s reference from item %d", ErrInvalidReference, r.Type, r.From)
		}
		for _, to := range r.To {
			if _, ok := m.byID[to]; !ok {
				return fmt.Errorf("%w: %s reference from item %d to item %d",
					ErrInvalidReference, r.Type, r.From, to)
			}
		}
	}
	for _, e := range m.Properties.Entries {
		if _, ok := m.byID[e.ID]; !ok {
			return fmt.Errorf("%w: ipma entry for item %d", ErrInvalidReference, e.ID)
		}
		for _, a := range e.Associations {
			if err := m.checkPropertyIndex(a.Index); err != nil {
				return fmt.Errorf("item %d: %w", e.ID, err)
			}
		}
	}
	if m.HasPrimary {
		if _, ok := m.byID[m.PrimaryID]; !ok {
			return fmt.Errorf("%w: pitm names item %d", ErrMissingPrimaryItem, m.PrimaryID)
		}
	}
	return m.checkExtentOverlap()
}

func (m *ItemModel) checkExtentOverlap() error {
	type span struct {
		start, end uint64
		id         uint32
	}
	var spans []span
	nested := make(map[uint32]bool)
	for _, e := range m.Location.Entries {
		if e.ConstructionMethod == ConstructItem {
			nested[e.ID] = true
			continue
		}
		if e.ConstructionMethod != ConstructFile {
			continue
		}
		for _, ext := range e.Extents {
			if ext.Length == 0 {
				continue
			}
			spans = append(spans, span{e.BaseOffset + ext.Offset, e.BaseOffset + ext.Offset + ext.Length, e.ID})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.start < prev.end && cur.id != prev.id && !nested[cur.id] && !nested[prev.id] {
			return fmt.Errorf("%w: extents of items %d and %d overlap",
				bmff.ErrFormat, prev.id, cur.id)
		}
	}
	return nil
}

// SetItemType returns a derived model with the item's 4-character type
// replaced, as when a derived grid image becomes a flat coded image.
func (m *ItemModel) SetItemType(id uint32, itemType string) (*ItemModel, error) {
	if len(itemType) != 4 {
		return nil, fmt.Errorf("item type %q must be 4 characters", itemType)
	}
	if _, ok := m.byID[id]; !ok {
		return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, id)
	}
	next := m.clone()
	next.byID[id].ItemType = itemType
	return next, nil
}

// SetPrimaryItem returns a derived model whose pitm names the given item.
func (m *ItemModel) SetPrimaryItem(id uint32) (*ItemModel, error) {
	if _, ok := m.byID[id]; !ok {
		return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, id)
	}
	next := m.clone()
	next.PrimaryID = id
	next.HasPrimary = true
	return next, nil
}

// SetReferences returns a derived model with the (refType, from) reference
// replaced by the given targets. Empty targets delete the reference.
func (m *ItemModel) SetReferences(refType string, from uint32, to []uint32) (*ItemModel, error) {
	if len(refType) != 4 {
		return nil, fmt.Errorf("reference type %q must be 4 characters", refType)
	}
	if _, ok := m.byID[from]; !ok {
		return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, from)
	}
	for _, t := range to {
		if _, ok := m.byID[t]; !ok {
			return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, t)
		}
	}
	next := m.clone()
	kept := next.References.Refs[:0]
	for _, r := range next.References.Refs {
		if !(r.Type == refType && r.From == from) {
			kept = append(kept, r)
		}
	}
	next.References.Refs = kept
	if len(to) > 0 {
		next.References.Refs = append(next.References.Refs, &Reference{
			Type: refType,
			From: from,
			To:   append([]uint32(nil), to...),
		})
	}
	return next, nil
}

// RemoveItems returns a derived model with the given items dropped from the
// info, location, and association tables, along with every reference that
// mentions them. The primary item cannot be removed.
func (m *ItemModel) RemoveItems(ids ...uint32) (*ItemModel, error) {
	drop := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		if _, ok := m.byID[id]; !ok {
			return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, id)
		}
		if m.HasPrimary && id == m.PrimaryID {
			return nil, fmt.Errorf("cannot remove primary item %d", id)
		}
		drop[id] = true
	}

	next := m.clone()
	info := next.Info.Entries[:0]
	for _, e := range next.Info.Entries {
		if !drop[e.ID] {
			info = append(info, e)
		}
	}
	next.Info.Entries = info

	loc := next.Location.Entries[:0]
	for _, e := range next.Location.Entries {
		if !drop[e.ID] {
			loc = append(loc, e)
		}
	}
	next.Location.Entries = loc

	refs := next.References.Refs[:0]
	for _, r := range next.References.Refs {
		if drop[r.From] {
			continue
		}
		to := r.To[:0]
		for _, t := range r.To {
			if !drop[t] {
				to = append(to, t)
			}
		}
		r.To = to
		if len(r.To) > 0 {
			refs = append(refs, r)
		}
	}
	next.References.Refs = refs

	props := next.Properties.Entries[:0]
	for _, e := range next.Properties.Entries {
		if !drop[e.ID] {
			props = append(props, e)
		}
	}
	next.Properties.Entries = props

	if err := next.index(); err != nil {
		return nil, err
	}
	return next, nil
}

// Exif returns the raw TIFF stream of the container's Exif item, skipping
// the offset prefix, or false when no Exif item exists.
func (m *ItemModel) Exif() ([]byte, bool) {
	for _, e := range m.Info.Entries {
		if e.ItemType != "Exif" {
			continue
		}
		payload, err := m.ItemPayload(e.ID)
		if err != nil || len(payload) < 4 {
			return nil, false
		}
		skip := 4 + int(uint32(payload[0])<<24|uint32(payload[1])<<16|uint32(payload[2])<<8|uint32(payload[3]))
		if skip > len(payload) {
			return nil, false
		}
		return payload[skip:], true
	}
	return nil, false
}

func (m *ItemModel) clone() *ItemModel {
	next := &ItemModel{
		Root:           m.Root,
		Meta:           m.Meta,
		HandlerType:    m.HandlerType,
		PropContainer:  m.PropContainer,
		PrimaryID:      m.PrimaryID,
		HasPrimary:     m.HasPrimary,
		primaryVersion: m.primaryVersion,
		idat:           m.idat,
		data:           m.data,
	}
	next.Info = &ItemInfo{version: m.Info.version, flags: m.Info.flags}
	for _, e := range m.Info.Entries {
		ec := *e
		ec.Extra = append([]byte(nil), e.Extra...)
		next.Info.Entries = append(next.Info.Entries, &ec)
	}
	next.Location = &ItemLocation{
		Version:        m.Location.Version,
		Flags:          m.Location.Flags,
		OffsetSize:     m.Location.OffsetSize,
		LengthSize:     m.Location.LengthSize,
		BaseOffsetSize: m.Location.BaseOffsetSize,
		IndexSize:      m.Location.IndexSize,
	}
	for _, e := range m.Location.Entries {
		ec := *e
		ec.Extents = append([]Extent(nil), e.Extents...)
		next.Location.Entries = append(next.Location.Entries, &ec)
	}
	next.References = &ItemReferences{version: m.References.version, flags: m.References.flags}
	for _, r := range m.References.Refs {
		rc := *r
		rc.To = append([]uint32(nil), r.To...)
		next.References.Refs = append(next.References.Refs, &rc)
	}
	next.Properties = &ItemProperties{version: m.Properties.version, flags: m.Properties.flags}
	for _, e := range m.Properties.Entries {
		ec := *e
		ec.Associations = append([]PropertyAssociation(nil), e.Associations...)
		next.Properties.Entries = append(next.Properties.Entries, &ec)
	}
	// Unchanged IDs cannot collide, so reindexing cannot fail here.
	_ = next.index()
	return next
}
