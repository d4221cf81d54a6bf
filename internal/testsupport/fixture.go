package testsupport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"motionstill/internal/bmff"
)

// Fixture describes a synthetic HEIC container for tests. The zero value
// plus FlatStill/SamsungGrid helpers cover the common shapes.
type Fixture struct {
	// Rows/Columns > 0 makes the primary item a derived grid with that
	// many hvc1 tiles; otherwise the primary is a single flat hvc1 item.
	Rows    int
	Columns int

	// ShiftIDs applies the Samsung quirk: iinf, ipma, and iref key items
	// by ID<<16 while pitm and iloc keep the real IDs.
	ShiftIDs bool

	// Video, when set, appends a top-level mpvd box with this payload.
	Video []byte

	// Exif, when set, adds an Exif item carrying this TIFF stream.
	Exif []byte

	// Name is the primary item's infe name.
	Name string

	// BaseOffsets addresses each item through a per-entry iloc base offset
	// with zero-width extent offsets instead of absolute extent offsets.
	BaseOffsets bool

	// MdatSlack prepends this many unaddressed filler bytes to the mdat
	// payload, before the first item's bytes.
	MdatSlack int

	// Wide64 declares 8-byte iloc offset and length fields.
	Wide64 bool
}

// FlatStill builds a minimal standard still: one hvc1 primary item.
func FlatStill(t *testing.T) []byte {
	t.Helper()
	return BuildHEIC(t, Fixture{})
}

// SamsungGrid builds a motion-photo-shaped container: a 2x2 grid primary
// item, four tiles, and an embedded video region.
func SamsungGrid(t *testing.T) []byte {
	t.Helper()
	return BuildHEIC(t, Fixture{Rows: 2, Columns: 2, Video: []byte("ftypqt  fake movie payload")})
}

// TruncateMeta corrupts a container by inflating the meta box's declared
// size beyond the end of the stream.
func TruncateMeta(t *testing.T, data []byte) []byte {
	t.Helper()
	out := append([]byte(nil), data...)
	ftypSize := binary.BigEndian.Uint32(out[:4])
	metaOff := int(ftypSize)
	if string(out[metaOff+4:metaOff+8]) != "meta" {
		t.Fatalf("fixture layout changed: no meta at offset %d", metaOff)
	}
	metaSize := binary.BigEndian.Uint32(out[metaOff:])
	binary.BigEndian.PutUint32(out[metaOff:], metaSize+100)
	return out
}

const (
	fixturePrimaryID uint32 = 1
	fixtureExifID    uint32 = 99
)

type itemSpec struct {
	id      uint32
	typ     string
	payload []byte
}

// BuildHEIC assembles the fixture into container bytes. Items are laid out
// contiguously in a single mdat in declaration order, matching how camera
// firmware writes these files.
func BuildHEIC(t *testing.T, fx Fixture) []byte {
	t.Helper()

	grid := fx.Rows > 0 && fx.Columns > 0
	shift := func(id uint32) uint32 {
		if fx.ShiftIDs {
			return id << 16
		}
		return id
	}

	// Item payloads in mdat order: primary first, then tiles, then Exif.
	var items []itemSpec
	if grid {
		items = append(items, itemSpec{fixturePrimaryID, "grid", gridPayload(fx.Rows, fx.Columns, 64, 64)})
		for i := 0; i < fx.Rows*fx.Columns; i++ {
			items = append(items, itemSpec{fixturePrimaryID + 1 + uint32(i), "hvc1", fakeTile(i)})
		}
	} else {
		items = append(items, itemSpec{fixturePrimaryID, "hvc1", fakeTile(0)})
	}
	if fx.Exif != nil {
		payload := make([]byte, 4+len(fx.Exif))
		copy(payload[4:], fx.Exif)
		items = append(items, itemSpec{fixtureExifID, "Exif", payload})
	}

	ftypBox := bmff.NewLeaf(bmff.TypeFtyp, []byte("heic\x00\x00\x00\x00mif1heic"))

	buildMeta := func(mdatPayloadStart uint64) *bmff.Box {
		var infes []*bmff.Box
		for _, it := range items {
			name := ""
			if it.id == fixturePrimaryID {
				name = fx.Name
			}
			infes = append(infes, infeBox(shift(it.id), it.typ, name, fx.ShiftIDs))
		}
		var iinfPrefix []byte
		if fx.ShiftIDs {
			iinfPrefix = binary.BigEndian.AppendUint32([]byte{1, 0, 0, 0}, uint32(len(infes)))
		} else {
			iinfPrefix = binary.BigEndian.AppendUint16([]byte{0, 0, 0, 0}, uint16(len(infes)))
		}

		children := []*bmff.Box{
			hdlrBox(),
			pitmBox(fixturePrimaryID),
			bmff.NewContainer(bmff.TypeIinf, iinfPrefix, infes...),
		}

		if grid {
			tileIDs := make([]uint32, 0, fx.Rows*fx.Columns)
			for i := 0; i < fx.Rows*fx.Columns; i++ {
				tileIDs = append(tileIDs, shift(fixturePrimaryID+1+uint32(i)))
			}
			children = append(children, irefBox(shift(fixturePrimaryID), tileIDs, fx.ShiftIDs))
		}

		children = append(children, iprpBox(fx, shift, grid))
		children = append(children, ilocBox(items, mdatPayloadStart, fx))
		return bmff.NewContainer(bmff.TypeMeta, []byte{0, 0, 0, 0}, children...)
	}

	// The iloc field widths are fixed, so meta's size is stable across the
	// two passes: first with placeholder offsets, then with real ones.
	meta := buildMeta(0)
	mdatPayloadStart := uint64(ftypBox.EncodedLen()) + uint64(meta.EncodedLen()) + 8
	meta = buildMeta(mdatPayloadStart + uint64(fx.MdatSlack))

	var mdat []byte
	if fx.MdatSlack > 0 {
		mdat = bytes.Repeat([]byte{0xee}, fx.MdatSlack)
	}
	for _, it := range items {
		mdat = append(mdat, it.payload...)
	}

	top := []*bmff.Box{
		ftypBox,
		meta,
		bmff.NewLeaf(bmff.TypeMdat, mdat),
	}
	if fx.Video != nil {
		top = append(top, bmff.NewLeaf(bmff.TypeMpvd, fx.Video))
	}

	out, err := bmff.Marshal(bmff.NewRoot(top...))
	if err != nil {
		t.Fatalf("build fixture: %v", err)
	}
	return out
}

func gridPayload(rows, cols int, width, height uint16) []byte {
	out := []byte{0, 0, byte(rows - 1), byte(cols - 1)}
	out = binary.BigEndian.AppendUint16(out, width)
	return binary.BigEndian.AppendUint16(out, height)
}

func fakeTile(i int) []byte {
	payload := make([]byte, 32)
	for j := range payload {
		payload[j] = byte(i*31 + j)
	}
	return payload
}

func hdlrBox() *bmff.Box {
	payload := make([]byte, 0, 25)
	payload = append(payload, 0, 0, 0, 0) // version/flags
	payload = append(payload, 0, 0, 0, 0) // pre_defined
	payload = append(payload, "pict"...)
	payload = append(payload, make([]byte, 12)...)
	payload = append(payload, 0) // empty name
	return bmff.NewLeaf(bmff.TypeHdlr, payload)
}

func pitmBox(id uint32) *bmff.Box {
	payload := []byte{0, 0, 0, 0}
	payload = binary.BigEndian.AppendUint16(payload, uint16(id))
	return bmff.NewLeaf(bmff.TypePitm, payload)
}

func infeBox(id uint32, typ, name string, wide bool) *bmff.Box {
	var payload []byte
	if wide {
		payload = append(payload, 3, 0, 0, 0)
		payload = binary.BigEndian.AppendUint32(payload, id)
	} else {
		payload = append(payload, 2, 0, 0, 0)
		payload = binary.BigEndian.AppendUint16(payload, uint16(id))
	}
	payload = binary.BigEndian.AppendUint16(payload, 0)
	payload = append(payload, typ...)
	payload = append(payload, name...)
	payload = append(payload, 0)
	return bmff.NewLeaf(bmff.TypeInfe, payload)
}

func irefBox(from uint32, to []uint32, wide bool) *bmff.Box {
	var payload []byte
	if wide {
		payload = binary.BigEndian.AppendUint32(payload, from)
	} else {
		payload = binary.BigEndian.AppendUint16(payload, uint16(from))
	}
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(to)))
	for _, t := range to {
		if wide {
			payload = binary.BigEndian.AppendUint32(payload, t)
		} else {
			payload = binary.BigEndian.AppendUint16(payload, uint16(t))
		}
	}
	version := byte(0)
	if wide {
		version = 1
	}
	return bmff.NewContainer(bmff.TypeIref, []byte{version, 0, 0, 0},
		bmff.NewLeaf(bmff.TypeOf("dimg"), payload))
}

func iprpBox(fx Fixture, shift func(uint32) uint32, grid bool) *bmff.Box {
	hvcC := bmff.NewLeaf(bmff.TypeOf("hvcC"), []byte{1, 0x22, 0x20, 0, 0, 0, 0x90})
	ispe := ispeBox(64, 64)
	ipco := bmff.NewContainer(bmff.TypeIpco, nil, hvcC, ispe)

	// Associations: every coded item gets hvcC (essential) and ispe.
	count := uint32(1)
	if grid {
		count = uint32(1 + fx.Rows*fx.Columns)
	}
	version := byte(0)
	if fx.ShiftIDs {
		version = 1
	}
	payload := []byte{version, 0, 0, 0}
	payload = binary.BigEndian.AppendUint32(payload, count)
	for i := uint32(0); i < count; i++ {
		id := shift(fixturePrimaryID + i)
		if fx.ShiftIDs {
			payload = binary.BigEndian.AppendUint32(payload, id)
		} else {
			payload = binary.BigEndian.AppendUint16(payload, uint16(id))
		}
		payload = append(payload, 2)         // association count
		payload = append(payload, 0x80|1, 2) // essential hvcC, plain ispe
	}
	ipma := bmff.NewLeaf(bmff.TypeIpma, payload)
	return bmff.NewContainer(bmff.TypeIprp, nil, ipco, ipma)
}

func ispeBox(w, h uint32) *bmff.Box {
	payload := []byte{0, 0, 0, 0}
	payload = binary.BigEndian.AppendUint32(payload, w)
	payload = binary.BigEndian.AppendUint32(payload, h)
	return bmff.NewLeaf(bmff.TypeOf("ispe"), payload)
}

func ilocBox(items []itemSpec, mdatPayloadStart uint64, fx Fixture) *bmff.Box {
	offSize, lenSize, baseSize := 4, 4, 0
	if fx.Wide64 {
		offSize, lenSize = 8, 8
	}
	if fx.BaseOffsets {
		baseSize, offSize = lenSize, 0
	}
	putN := func(dst []byte, v uint64, n int) []byte {
		switch n {
		case 4:
			return binary.BigEndian.AppendUint32(dst, uint32(v))
		case 8:
			return binary.BigEndian.AppendUint64(dst, v)
		default:
			return dst
		}
	}

	payload := []byte{1, 0, 0, 0} // version 1
	payload = append(payload, byte(offSize<<4|lenSize), byte(baseSize<<4))
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(items)))
	offset := mdatPayloadStart
	for _, it := range items {
		payload = binary.BigEndian.AppendUint16(payload, uint16(it.id))
		payload = binary.BigEndian.AppendUint16(payload, 0) // construction method
		payload = binary.BigEndian.AppendUint16(payload, 0) // data reference index
		payload = putN(payload, offset, baseSize)
		payload = binary.BigEndian.AppendUint16(payload, 1) // extent count
		payload = putN(payload, offset, offSize)
		payload = putN(payload, uint64(len(it.payload)), lenSize)
		offset += uint64(len(it.payload))
	}
	return bmff.NewLeaf(bmff.TypeIloc, payload)
}
