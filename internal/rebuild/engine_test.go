package rebuild

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"motionstill/internal/bmff"
	"motionstill/internal/heic"
	"motionstill/internal/identity"
	"motionstill/internal/testsupport"
)

func mustModel(t *testing.T, data []byte) *heic.ItemModel {
	t.Helper()
	root, err := bmff.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, err := heic.Build(root, data)
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	return m
}

func ispeProp(w, h uint32) *bmff.Box {
	p := []byte{0, 0, 0, 0}
	p = binary.BigEndian.AppendUint32(p, w)
	p = binary.BigEndian.AppendUint32(p, h)
	return bmff.NewLeaf(bmff.TypeOf("ispe"), p)
}

func TestRenderUnchangedIsByteIdentical(t *testing.T) {
	cases := map[string][]byte{
		"flat": testsupport.FlatStill(t),
		"grid": testsupport.SamsungGrid(t),
	}
	for name, data := range cases {
		m := mustModel(t, data)
		out, err := Render(m, nil, Options{})
		if err != nil {
			t.Fatalf("%s: render: %v", name, err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("%s: unchanged render differs from source (%d vs %d bytes)",
				name, len(out), len(data))
		}
		out, err = Render(m, NewChangeSet(), Options{})
		if err != nil {
			t.Fatalf("%s: render empty change-set: %v", name, err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("%s: empty change-set render differs from source", name)
		}
	}
}

func TestRenderKeepsSourceLayoutForms(t *testing.T) {
	cases := map[string]testsupport.Fixture{
		"base-offsets": {BaseOffsets: true},
		"mdat-slack":   {MdatSlack: 17},
		"wide-fields":  {Wide64: true},
		"grid-base-offsets-wide": {
			Rows: 2, Columns: 2,
			BaseOffsets: true,
			Wide64:      true,
			Video:       []byte("ftypqt  fake movie payload"),
		},
	}
	for name, fx := range cases {
		data := testsupport.BuildHEIC(t, fx)
		m := mustModel(t, data)
		out, err := Render(m, nil, Options{})
		if err != nil {
			t.Fatalf("%s: render: %v", name, err)
		}
		if !bytes.Equal(out, data) {
			i := 0
			for i < len(out) && i < len(data) && out[i] == data[i] {
				i++
			}
			t.Fatalf("%s: unchanged render differs from source at byte %d", name, i)
		}
		out, err = Render(m, NewChangeSet(), Options{})
		if err != nil {
			t.Fatalf("%s: render empty change-set: %v", name, err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("%s: empty change-set render differs from source", name)
		}
	}
}

func TestRenderShiftsBaseOffsetsWithMetadataGrowth(t *testing.T) {
	data := testsupport.BuildHEIC(t, testsupport.Fixture{BaseOffsets: true, MdatSlack: 17})
	m := mustModel(t, data)
	want, err := m.ItemPayload(1)
	if err != nil {
		t.Fatal(err)
	}
	srcMdat := m.Root.Child(bmff.TypeMdat)

	pair := identity.Pair{
		ContentID: "5A7E2D90-13BF-4C61-8E2A-4D7F0B3C9A18",
		PhotoID:   "1C64F2AB-8D05-49E3-B7F1-2A9C5E0D4B36",
	}
	out, err := Render(m, NewChangeSet().SetVendorMetadata(pair), Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	m2 := mustModel(t, out)
	if err := m2.CheckIntegrity(); err != nil {
		t.Fatalf("integrity after shift: %v", err)
	}
	got, err := m2.ItemPayload(1)
	if err != nil {
		t.Fatalf("payload after shift: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("payload corrupted by the metadata shift")
	}
	// The payload region itself is untouched, slack bytes included.
	outMdat := m2.Root.Child(bmff.TypeMdat)
	if !bytes.Equal(outMdat.Payload, srcMdat.Payload) {
		t.Fatal("mdat bytes changed during a metadata-only rewrite")
	}
	e := m2.Location.Entries[0]
	if e.BaseOffset <= m.Location.Entries[0].BaseOffset {
		t.Fatalf("base offset %d did not move forward with the metadata", e.BaseOffset)
	}
}

func TestRenderReplacePayloadKeepsWideFields(t *testing.T) {
	data := testsupport.BuildHEIC(t, testsupport.Fixture{Wide64: true})
	m := mustModel(t, data)

	replacement := bytes.Repeat([]byte("wide coded image "), 8)
	out, err := Render(m, NewChangeSet().ReplacePayload(1, replacement), Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	m2 := mustModel(t, out)
	if err := m2.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if m2.Location.OffsetSize != 8 || m2.Location.LengthSize != 8 {
		t.Fatalf("location widths narrowed to %d/%d, want 8/8",
			m2.Location.OffsetSize, m2.Location.LengthSize)
	}
	if got, _ := m2.ItemPayload(1); !bytes.Equal(got, replacement) {
		t.Fatal("payload not replaced")
	}
}

func TestRenderReplaceBrandsAndAppendTopLevel(t *testing.T) {
	data := testsupport.FlatStill(t)
	m := mustModel(t, data)
	want, err := m.ItemPayload(1)
	if err != nil {
		t.Fatal(err)
	}

	// Shrinking the brand list moves everything after ftyp backwards.
	clip := []byte("embedded movie bytes")
	changes := NewChangeSet().
		SetBrands("mif1").
		AppendTopLevel(bmff.NewLeaf(bmff.TypeMpvd, clip))
	out, err := Render(m, changes, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	root, err := bmff.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	ftyp := root.Child(bmff.TypeFtyp)
	if want := "heic\x00\x00\x00\x00mif1"; string(ftyp.Payload) != want {
		t.Fatalf("ftyp payload %q, want %q", ftyp.Payload, want)
	}
	last := root.Children[len(root.Children)-1]
	if last.Type != bmff.TypeMpvd || !bytes.Equal(last.Payload, clip) {
		t.Fatalf("appended box missing from the stream end: %s", last.Type)
	}

	m2 := mustModel(t, out)
	if err := m2.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if got, _ := m2.ItemPayload(1); !bytes.Equal(got, want) {
		t.Fatal("payload lost track of the shifted mdat")
	}
}

func TestRenderReplacePayloadRelayout(t *testing.T) {
	data := testsupport.FlatStill(t)
	m := mustModel(t, data)

	replacement := bytes.Repeat([]byte("new coded image "), 16)
	changes := NewChangeSet().ReplacePayload(1, replacement)
	out, err := Render(m, changes, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	m2 := mustModel(t, out)
	if err := m2.CheckIntegrity(); err != nil {
		t.Fatalf("integrity after relayout: %v", err)
	}
	got, err := m2.ItemPayload(1)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(got, replacement) {
		t.Fatalf("payload not replaced: got %d bytes", len(got))
	}
}

func TestRenderPreservesUntouchedPayloads(t *testing.T) {
	data := testsupport.BuildHEIC(t, testsupport.Fixture{
		Rows: 2, Columns: 2,
		Exif: []byte("II*\x00fake tiff"),
	})
	m := mustModel(t, data)
	tiles := m.ResolveReferences("dimg")[1]
	if len(tiles) != 4 {
		t.Fatalf("expected 4 tiles, got %v", tiles)
	}
	wantTile, err := m.ItemPayload(tiles[2])
	if err != nil {
		t.Fatal(err)
	}
	wantExif, err := m.ItemPayload(99)
	if err != nil {
		t.Fatal(err)
	}

	changes := NewChangeSet().ReplacePayload(1, []byte("replacement grid payload"))
	out, err := Render(m, changes, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	m2 := mustModel(t, out)
	gotTile, err := m2.ItemPayload(tiles[2])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotTile, wantTile) {
		t.Fatal("tile payload changed during rewrite")
	}
	gotExif, err := m2.ItemPayload(99)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotExif, wantExif) {
		t.Fatal("exif payload changed during rewrite")
	}
}

func TestRenderFlatten(t *testing.T) {
	data := testsupport.BuildHEIC(t, testsupport.Fixture{
		Rows: 2, Columns: 2,
		Video: []byte("ftypqt  fake movie payload"),
	})
	m := mustModel(t, data)
	tiles := m.ResolveReferences("dimg")[1]
	props, err := m.PropertyBoxes(1)
	if err != nil {
		t.Fatal(err)
	}

	flat := bytes.Repeat([]byte{0x42}, 96)
	pair := identity.Pair{
		ContentID: "0FB6CBDC-6F2D-43B2-8C96-BE6E2EA73926",
		PhotoID:   "0A99F5DE-3F62-47F6-9E0E-2E1C3B7A4D55",
	}

	changes := NewChangeSet().
		RemoveItems(tiles...).
		SetItemType(1, "hvc1").
		ReplacePayload(1, flat).
		SetProperties(1, []PropertySpec{
			{Box: props[0], Essential: true},
			{Box: ispeProp(128, 128)},
		}).
		SetReferences("dimg", 1, nil).
		SetMajorBrand("heic").
		ExtendBrands("mif1", "MiHB", "MiHE", "MiPr", "miaf", "heic", "tmap").
		SetVendorMetadata(pair).
		DropTopLevel(bmff.TypeMpvd)

	out, err := Render(m, changes, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	root, err := bmff.Parse(out)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if root.Child(bmff.TypeMpvd) != nil {
		t.Fatal("mpvd box survived DropTopLevel")
	}

	m2, err := heic.Build(root, out)
	if err != nil {
		t.Fatalf("build output model: %v", err)
	}
	if err := m2.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if n := len(m2.Items()); n != 1 {
		t.Fatalf("expected 1 item after flatten, got %d", n)
	}
	it, ok := m2.Lookup(1)
	if !ok || it.Info.ItemType != "hvc1" {
		t.Fatalf("primary item not flattened: %+v", it)
	}
	if got, _ := m2.ItemPayload(1); !bytes.Equal(got, flat) {
		t.Fatal("flattened payload mismatch")
	}
	if refs := m2.ResolveReferences("dimg"); len(refs) != 0 {
		t.Fatalf("dimg references survived: %v", refs)
	}

	gotPair, ok := ReadVendorMetadata(root)
	if !ok || gotPair != pair {
		t.Fatalf("vendor metadata: got %+v ok=%v", gotPair, ok)
	}

	ftyp := root.Child(bmff.TypeFtyp)
	wantFtyp := "heic\x00\x00\x00\x00" + "mif1heicMiHBMiHEMiPrmiaftmap"
	if string(ftyp.Payload) != wantFtyp {
		t.Fatalf("ftyp payload %q, want %q", ftyp.Payload, wantFtyp)
	}

	// New size property appended once, existing codec property reused.
	ipco := root.Find(bmff.TypeMeta, bmff.TypeIprp, bmff.TypeIpco)
	if len(ipco.Children) != 3 {
		t.Fatalf("ipco grew to %d boxes, want 3", len(ipco.Children))
	}
	boxes, err := m2.PropertyBoxes(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 2 || boxes[0].Type != bmff.TypeOf("hvcC") || boxes[1].Type != bmff.TypeOf("ispe") {
		t.Fatalf("unexpected property boxes: %v", boxes)
	}
	if w := binary.BigEndian.Uint32(boxes[1].Payload[4:]); w != 128 {
		t.Fatalf("flattened ispe width %d, want 128", w)
	}
}

func TestRenderAdaptTwiceIsIdempotent(t *testing.T) {
	data := testsupport.FlatStill(t)
	m := mustModel(t, data)

	pair := identity.Pair{
		ContentID: "B7F1B9D6-9C3A-4E0F-8A43-0B9D3C6D2A11",
		PhotoID:   "43B1A2C0-5E8F-4D17-BB64-9C0FA3D1E222",
	}
	adapt := func(m *heic.ItemModel) *ChangeSet {
		it, ok := m.Lookup(1)
		if !ok {
			t.Fatal("primary item missing")
		}
		specs := make([]PropertySpec, 0, len(it.Associations))
		for _, a := range it.Associations {
			specs = append(specs, PropertySpec{
				Box:       m.PropContainer.Children[a.Index-1],
				Essential: a.Essential,
			})
		}
		return NewChangeSet().
			SetMajorBrand("heic").
			ExtendBrands("mif1", "MiHB", "MiHE", "MiPr", "miaf", "heic", "tmap").
			SetVendorMetadata(pair).
			SetProperties(1, specs)
	}

	first, err := Render(m, adapt(m), Options{})
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	m2 := mustModel(t, first)
	second, err := Render(m2, adapt(m2), Options{})
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("re-adapting an adapted file changed its bytes")
	}
}

func TestRenderRejectsUnknownPayloadItem(t *testing.T) {
	m := mustModel(t, testsupport.FlatStill(t))
	_, err := Render(m, NewChangeSet().ReplacePayload(4242, []byte("x")), Options{})
	if !errors.Is(err, heic.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestRenderRejectsRemovedPayloadClash(t *testing.T) {
	m := mustModel(t, testsupport.SamsungGrid(t))
	changes := NewChangeSet().RemoveItems(2).ReplacePayload(2, []byte("x"))
	if _, err := Render(m, changes, Options{}); err == nil {
		t.Fatal("expected error for payload on removed item")
	}
}

func TestChooseWidth(t *testing.T) {
	cases := []struct {
		current    uint8
		v          uint64
		allowLarge bool
		want       uint8
		wantErr    bool
	}{
		{0, 100, false, 4, false},
		{4, 1 << 20, false, 4, false},
		{4, 1 << 40, false, 0, true},
		{4, 1 << 40, true, 8, false},
		{8, 100, false, 8, false},
		{8, 1 << 40, false, 8, false},
	}
	for _, c := range cases {
		got, err := chooseWidth(c.current, c.v, c.allowLarge)
		if c.wantErr {
			if !errors.Is(err, ErrOffsetOverflow) {
				t.Fatalf("chooseWidth(%d, %d, %v): expected overflow, got %v",
					c.current, c.v, c.allowLarge, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("chooseWidth(%d, %d, %v) = %d, %v; want %d",
				c.current, c.v, c.allowLarge, got, err, c.want)
		}
	}
}

func TestReadVendorMetadata(t *testing.T) {
	data := testsupport.FlatStill(t)
	root, err := bmff.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ReadVendorMetadata(root); ok {
		t.Fatal("found vendor metadata in a bare fixture")
	}

	pair := identity.Pair{
		ContentID: "D3C26B51-7B7C-4A76-9E5B-8A9FBD2C1E44",
		PhotoID:   "76C1190E-94E0-4B2F-8C1D-6E5F4A3B2C10",
	}
	m := mustModel(t, data)
	out, err := Render(m, NewChangeSet().SetVendorMetadata(pair), Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	root2, err := bmff.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := ReadVendorMetadata(root2)
	if !ok || got != pair {
		t.Fatalf("got %+v ok=%v, want %+v", got, ok, pair)
	}
}

func TestWriteReplacesDestinationAtomically(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.heic")
	if err := os.WriteFile(dest, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	data := testsupport.FlatStill(t)
	m := mustModel(t, data)
	if err := Write(m, nil, dest, Options{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("destination content mismatch")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}

	// A failing render never touches the destination.
	bad := NewChangeSet().ReplacePayload(4242, []byte("x"))
	if err := Write(m, bad, dest, Options{}); err == nil {
		t.Fatal("expected render failure")
	}
	got, err = os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("failed write modified the destination")
	}
}
