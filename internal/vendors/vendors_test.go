package vendors_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"motionstill/internal/bmff"
	"motionstill/internal/heic"
	"motionstill/internal/identity"
	"motionstill/internal/rebuild"
	"motionstill/internal/testsupport"
	"motionstill/internal/vendors"
)

func mustModel(t *testing.T, data []byte) (*heic.ItemModel, *bmff.Box) {
	t.Helper()
	root, err := bmff.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, err := heic.Build(root, data)
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	return m, root
}

func TestClassifyStandard(t *testing.T) {
	m, root := mustModel(t, testsupport.FlatStill(t))
	profile, err := vendors.Classify(m, root)
	if err != nil {
		t.Fatal(err)
	}
	if profile != vendors.Standard {
		t.Fatalf("profile = %q, want standard", profile)
	}
}

func TestClassifyGrid(t *testing.T) {
	m, root := mustModel(t, testsupport.SamsungGrid(t))
	profile, err := vendors.Classify(m, root)
	if err != nil {
		t.Fatal(err)
	}
	if profile != vendors.SamsungGrid {
		t.Fatalf("profile = %q, want samsung-grid", profile)
	}
}

func TestClassifyShiftedTakesPrecedenceOverGrid(t *testing.T) {
	data := testsupport.BuildHEIC(t, testsupport.Fixture{Rows: 2, Columns: 2, ShiftIDs: true})
	m, root := mustModel(t, data)
	profile, err := vendors.Classify(m, root)
	if err != nil {
		t.Fatal(err)
	}
	if profile != vendors.SamsungShiftedIDs {
		t.Fatalf("profile = %q, want samsung-shifted-ids", profile)
	}
}

// shiftedEverywhereHEIC builds a container whose info, location, and primary
// tables all use the same high-half item numbering. That reads equally well
// as plain large IDs, so classification must refuse to pick.
func shiftedEverywhereHEIC(t *testing.T) []byte {
	t.Helper()
	id := uint32(7) << 16

	infe := []byte{3, 0, 0, 0}
	infe = binary.BigEndian.AppendUint32(infe, id)
	infe = binary.BigEndian.AppendUint16(infe, 0)
	infe = append(infe, "hvc1"...)
	infe = append(infe, 0)

	iinfPrefix := binary.BigEndian.AppendUint32([]byte{1, 0, 0, 0}, 1)

	pitm := []byte{1, 0, 0, 0}
	pitm = binary.BigEndian.AppendUint32(pitm, id)

	iloc := []byte{2, 0, 0, 0, 0x44, 0x00}
	iloc = binary.BigEndian.AppendUint32(iloc, 1)  // item count
	iloc = binary.BigEndian.AppendUint32(iloc, id) // shifted here too
	iloc = binary.BigEndian.AppendUint16(iloc, 0)  // construction method
	iloc = binary.BigEndian.AppendUint16(iloc, 0)  // data reference index
	iloc = binary.BigEndian.AppendUint16(iloc, 1)  // extent count
	iloc = binary.BigEndian.AppendUint32(iloc, 0)
	iloc = binary.BigEndian.AppendUint32(iloc, 0)

	meta := bmff.NewContainer(bmff.TypeMeta, []byte{0, 0, 0, 0},
		bmff.NewLeaf(bmff.TypePitm, pitm),
		bmff.NewContainer(bmff.TypeIinf, iinfPrefix, bmff.NewLeaf(bmff.TypeInfe, infe)),
		bmff.NewLeaf(bmff.TypeIloc, iloc),
	)
	out, err := bmff.Marshal(bmff.NewRoot(
		bmff.NewLeaf(bmff.TypeFtyp, []byte("heic\x00\x00\x00\x00mif1")),
		meta,
	))
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestClassifyAmbiguousWhenLocationShiftedToo(t *testing.T) {
	m, root := mustModel(t, shiftedEverywhereHEIC(t))
	_, err := vendors.Classify(m, root)
	if !errors.Is(err, vendors.ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestClassifyAmbiguousGridMismatchUnderShiftedIDs(t *testing.T) {
	data := testsupport.BuildHEIC(t, testsupport.Fixture{Rows: 2, Columns: 2, ShiftIDs: true})
	m, _ := mustModel(t, data)

	// Corrupt the grid descriptor's row count so it no longer matches the
	// four tile references. The location table keys the unshifted ID.
	var gridOff uint64
	for _, e := range m.Location.Entries {
		if e.ID == 1 {
			gridOff = e.Extents[0].Offset
		}
	}
	if gridOff == 0 {
		t.Fatal("grid payload offset not found")
	}
	patched := append([]byte(nil), data...)
	patched[gridOff+2] = 2 // rows-1

	m2, root2 := mustModel(t, patched)
	_, err := vendors.Classify(m2, root2)
	if !errors.Is(err, vendors.ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
}

func TestNormalizeShiftedRestoresIntegrity(t *testing.T) {
	data := testsupport.BuildHEIC(t, testsupport.Fixture{
		Rows: 2, Columns: 2,
		ShiftIDs: true,
		Video:    []byte("embedded movie bytes"),
	})
	m, root := mustModel(t, data)

	norm, err := vendors.Samsung{}.Normalize(m)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := norm.CheckIntegrity(); err != nil {
		t.Fatalf("integrity after normalize: %v", err)
	}

	profile, err := vendors.Classify(norm, root)
	if err != nil {
		t.Fatal(err)
	}
	if profile != vendors.SamsungGrid {
		t.Fatalf("reclassified profile = %q, want samsung-grid", profile)
	}

	g, err := norm.Grid(1)
	if err != nil {
		t.Fatalf("grid after normalize: %v", err)
	}
	if g.Rows != 2 || g.Columns != 2 || len(g.Tiles) != 4 {
		t.Fatalf("grid descriptor %+v", g)
	}
	for want, tile := range g.Tiles {
		if tile != uint32(want)+2 {
			t.Fatalf("tile IDs not unshifted: %v", g.Tiles)
		}
	}
}

func TestNormalizeStandardIsIdentity(t *testing.T) {
	m, _ := mustModel(t, testsupport.FlatStill(t))
	norm, err := vendors.Samsung{}.Normalize(m)
	if err != nil {
		t.Fatal(err)
	}
	if norm != m {
		t.Fatal("standard model was rewritten")
	}
}

func TestLocateEmbeddedVideo(t *testing.T) {
	video := []byte("ftypqt  fake movie payload")
	data := testsupport.BuildHEIC(t, testsupport.Fixture{Rows: 2, Columns: 2, Video: video})
	_, root := mustModel(t, data)

	r, ok := vendors.LocateEmbeddedVideo(root)
	if !ok {
		t.Fatal("embedded video not located")
	}
	got := data[r.Offset : r.Offset+r.Length]
	if !bytes.Equal(got, video) {
		t.Fatalf("video range holds %q", got)
	}

	_, root = mustModel(t, testsupport.FlatStill(t))
	if _, ok := vendors.LocateEmbeddedVideo(root); ok {
		t.Fatal("located video in a plain still")
	}
}

func TestSamsungDetect(t *testing.T) {
	m, root := mustModel(t, testsupport.FlatStill(t))
	ok, err := (vendors.Samsung{}).Detect(m, root)
	if err != nil || ok {
		t.Fatalf("plain still: detect = %v, %v", ok, err)
	}

	// A flat still with an embedded video is a motion photo even though
	// its item tables are standard.
	data := testsupport.BuildHEIC(t, testsupport.Fixture{Video: []byte("movie")})
	m, root = mustModel(t, data)
	ok, err = (vendors.Samsung{}).Detect(m, root)
	if err != nil || !ok {
		t.Fatalf("flat motion photo: detect = %v, %v", ok, err)
	}

	m, root = mustModel(t, testsupport.SamsungGrid(t))
	ok, err = (vendors.Samsung{}).Detect(m, root)
	if err != nil || !ok {
		t.Fatalf("grid motion photo: detect = %v, %v", ok, err)
	}
}

func TestAppleAdaptIsIdempotent(t *testing.T) {
	pair := identity.Pair{
		ContentID: "5E0FBE9D-2C6A-4A1B-9F63-7D8E4C3B2A10",
		PhotoID:   "91B9A2D4-0C3E-45F8-8B1D-6A5F4E3D2C1B",
	}
	m, _ := mustModel(t, testsupport.FlatStill(t))
	cs, err := vendors.Apple{}.Adapt(m, pair)
	if err != nil {
		t.Fatal(err)
	}
	first, err := rebuild.Render(m, cs, rebuild.Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	root, err := bmff.Parse(first)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := rebuild.ReadVendorMetadata(root)
	if !ok || got != pair {
		t.Fatalf("vendor metadata after adapt: %+v ok=%v", got, ok)
	}
	ftyp := root.Child(bmff.TypeFtyp)
	if want := "heic\x00\x00\x00\x00mif1heicMiHBMiHEMiPrmiaftmap"; string(ftyp.Payload) != want {
		t.Fatalf("ftyp payload %q", ftyp.Payload)
	}

	m2, _ := mustModel(t, first)
	cs2, err := vendors.Apple{}.Adapt(m2, pair)
	if err != nil {
		t.Fatal(err)
	}
	second, err := rebuild.Render(m2, cs2, rebuild.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("re-adapting changed bytes")
	}
}

func TestSamsungAdaptTrimsBrands(t *testing.T) {
	data := testsupport.FlatStill(t)
	m, root := mustModel(t, data)
	adapted, err := rebuild.Render(m, rebuild.NewChangeSet().ExtendBrands("MiHB", "MiHE", "MiPr", "miaf", "tmap"), rebuild.Options{})
	if err != nil {
		t.Fatalf("render apple-branded still: %v", err)
	}
	m, root = mustModel(t, adapted)

	cs, err := vendors.SamsungTarget{}.Adapt(m, identity.Pair{})
	if err != nil {
		t.Fatal(err)
	}
	clip := []byte("embedded movie bytes")
	vendors.EmbedVideo(cs, root, clip)
	out, err := rebuild.Render(m, cs, rebuild.Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	root2, err := bmff.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	ftyp := root2.Child(bmff.TypeFtyp)
	if want := "heic\x00\x00\x00\x00mif1heic"; string(ftyp.Payload) != want {
		t.Fatalf("ftyp payload %q, want %q", ftyp.Payload, want)
	}
	last := root2.Children[len(root2.Children)-1]
	if last.Type != bmff.TypeMpvd || !bytes.Equal(last.Payload, clip) {
		t.Fatalf("stream does not end with the embedded clip: %s", last.Type)
	}

	m2, err := heic.Build(root2, out)
	if err != nil {
		t.Fatalf("build output model: %v", err)
	}
	if err := m2.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
}

func TestEmbedVideoReplacesExistingClip(t *testing.T) {
	m, root := mustModel(t, testsupport.SamsungGrid(t))
	cs := rebuild.NewChangeSet()
	clip := []byte("newer movie bytes")
	vendors.EmbedVideo(cs, root, clip)
	out, err := rebuild.Render(m, cs, rebuild.Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	root2, err := bmff.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, b := range root2.Children {
		if b.Type == bmff.TypeMpvd {
			count++
			if !bytes.Equal(b.Payload, clip) {
				t.Fatalf("embedded clip holds %q", b.Payload)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected 1 embedded clip, got %d", count)
	}
}

func TestRegistryLookup(t *testing.T) {
	if _, ok := vendors.SourceFor("samsung"); !ok {
		t.Fatal("samsung source not registered")
	}
	if _, ok := vendors.TargetFor("apple"); !ok {
		t.Fatal("apple target not registered")
	}
	if _, ok := vendors.TargetFor("samsung"); !ok {
		t.Fatal("samsung target not registered")
	}
	if _, ok := vendors.SourceFor("nikon"); ok {
		t.Fatal("unexpected source")
	}
}
