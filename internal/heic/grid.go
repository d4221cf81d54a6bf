package heic

import (
	"fmt"

	"motionstill/internal/bmff"
)

// GridDescriptor describes a derived grid image: its tile arrangement, the
// declared output dimensions, and the ordered tile item IDs reachable via
// "dimg" references.
type GridDescriptor struct {
	Rows         int
	Columns      int
	TileWidth    uint32
	TileHeight   uint32
	OutputWidth  uint32
	OutputHeight uint32
	Tiles        []uint32
}

// Grid parses a grid item's payload and cross-checks the tile count against
// its "dimg" references. Tile dimensions come from the first tile's spatial
// extents when present, otherwise from dividing the output evenly.
func (m *ItemModel) Grid(id uint32) (*GridDescriptor, error) {
	it, ok := m.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: item %d", ErrInvalidReference, id)
	}
	if it.Info.ItemType != "grid" {
		return nil, fmt.Errorf("item %d is %q, not a grid", id, it.Info.ItemType)
	}
	payload, err := m.ItemPayload(id)
	if err != nil {
		return nil, err
	}

	c := bmff.NewCursor(payload)
	c.U8() // version
	flags := c.U8()
	g := &GridDescriptor{
		Rows:    int(c.U8()) + 1,
		Columns: int(c.U8()) + 1,
	}
	if flags&1 != 0 {
		g.OutputWidth = c.U32()
		g.OutputHeight = c.U32()
	} else {
		g.OutputWidth = uint32(c.U16())
		g.OutputHeight = uint32(c.U16())
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("grid item %d: %w", id, err)
	}

	g.Tiles = m.ResolveReferences("dimg")[id]
	if len(g.Tiles) != g.Rows*g.Columns {
		return nil, fmt.Errorf("%w: grid item %d has %d tiles but declares %dx%d",
			ErrInvalidReference, id, len(g.Tiles), g.Rows, g.Columns)
	}
	if w, h, ok := m.SpatialExtents(g.Tiles[0]); ok {
		g.TileWidth, g.TileHeight = w, h
	} else {
		g.TileWidth = g.OutputWidth / uint32(g.Columns)
		g.TileHeight = g.OutputHeight / uint32(g.Rows)
	}
	return g, nil
}

// SpatialExtents returns the width and height declared by an item's ispe
// property, or false when the item has none.
func (m *ItemModel) SpatialExtents(id uint32) (width, height uint32, ok bool) {
	boxes, err := m.PropertyBoxes(id)
	if err != nil {
		return 0, 0, false
	}
	ispe := bmff.TypeOf("ispe")
	for _, b := range boxes {
		if b.Type == ispe && len(b.Payload) >= 12 {
			c := bmff.NewCursor(b.Payload[4:])
			return c.U32(), c.U32(), c.Err() == nil
		}
	}
	return 0, 0, false
}
