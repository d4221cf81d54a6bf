package convert_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"motionstill/internal/bmff"
	"motionstill/internal/convert"
	"motionstill/internal/heic"
	"motionstill/internal/logging"
	"motionstill/internal/queue"
	"motionstill/internal/rebuild"
	"motionstill/internal/services"
	"motionstill/internal/testsupport"
)

type fakeCodec struct {
	calls int
	out   []byte
	err   error
}

func (f *fakeCodec) ReencodeFlat(_ context.Context, src []byte, _ string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeCodec) Version(context.Context) (string, error) { return "fake-codec 1.0", nil }

type tagCall struct {
	path  string
	tag   string
	value string
}

type fakeExif struct {
	tags []tagCall
	err  error
}

func (f *fakeExif) Version(context.Context) (string, error) { return "13.0", nil }

func (f *fakeExif) Tag(_ context.Context, path, tag, value string) error {
	if f.err != nil {
		return f.err
	}
	f.tags = append(f.tags, tagCall{path, tag, value})
	return nil
}

func (f *fakeExif) EmbeddedVideoType(context.Context, string) (string, error) { return "", nil }

func writeSource(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "IMG_0001.heic")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestConvertFlatStillWithEmbeddedVideo(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	clip := []byte("ftypqt  fake movie payload")
	src := writeSource(t, testsupport.BuildHEIC(t, testsupport.Fixture{Video: clip}))

	exif := &fakeExif{}
	conv := convert.New(cfg, exif, &fakeCodec{}, logging.NewNop())

	outDir := t.TempDir()
	result, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(outDir, "IMG_0001.heic"),
		VideoDest:  filepath.Join(outDir, "IMG_0001.mov"),
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	written, err := os.ReadFile(result.StillPath)
	if err != nil {
		t.Fatalf("read still: %v", err)
	}
	root, err := bmff.Parse(written)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if root.Child(bmff.TypeMpvd) != nil {
		t.Fatal("embedded video box survived the rewrite")
	}
	ftyp := root.Child(bmff.TypeFtyp)
	if string(ftyp.Payload[:4]) != "heic" {
		t.Fatalf("unexpected major brand: %q", ftyp.Payload[:4])
	}

	pair, ok := rebuild.ReadVendorMetadata(root)
	if !ok {
		t.Fatal("expected vendor metadata in output")
	}
	if pair != result.Pair {
		t.Fatalf("metadata pair mismatch: %v vs %v", pair, result.Pair)
	}

	clipOut, err := os.ReadFile(result.VideoPath)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	if string(clipOut) != string(clip) {
		t.Fatalf("clip bytes diverge: %q", clipOut)
	}

	if len(exif.tags) != 1 {
		t.Fatalf("expected 1 tag call, got %d", len(exif.tags))
	}
	if exif.tags[0].tag != "QuickTime:ContentIdentifier" || exif.tags[0].value != result.Pair.ContentID {
		t.Fatalf("unexpected tag call: %#v", exif.tags[0])
	}

	model, err := heic.Build(root, written)
	if err != nil {
		t.Fatalf("model output: %v", err)
	}
	if err := model.CheckIntegrity(); err != nil {
		t.Fatalf("output fails integrity: %v", err)
	}
}

func TestConvertFlattensGridPrimary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeSource(t, testsupport.SamsungGrid(t))

	codec := &fakeCodec{out: testsupport.FlatStill(t)}
	conv := convert.New(cfg, &fakeExif{}, codec, logging.NewNop())

	outDir := t.TempDir()
	result, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(outDir, "out.heic"),
		VideoDest:  filepath.Join(outDir, "out.mov"),
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if codec.calls != 1 {
		t.Fatalf("expected 1 codec invocation, got %d", codec.calls)
	}

	written, err := os.ReadFile(result.StillPath)
	if err != nil {
		t.Fatalf("read still: %v", err)
	}
	root, err := bmff.Parse(written)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	model, err := heic.Build(root, written)
	if err != nil {
		t.Fatalf("model output: %v", err)
	}
	primary, err := model.PrimaryItem()
	if err != nil {
		t.Fatalf("primary item: %v", err)
	}
	if primary.Info.ItemType != "hvc1" {
		t.Fatalf("expected flattened hvc1 primary, got %q", primary.Info.ItemType)
	}
	if len(model.Items()) != 1 {
		t.Fatalf("expected tiles removed, %d items remain", len(model.Items()))
	}
	if refs := model.ResolveReferences("dimg"); len(refs) != 0 {
		t.Fatalf("expected grid references gone, got %v", refs)
	}
}

func TestConvertNormalizesShiftedIDs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeSource(t, testsupport.BuildHEIC(t, testsupport.Fixture{
		ShiftIDs: true,
		Video:    []byte("clip"),
	}))

	conv := convert.New(cfg, &fakeExif{}, &fakeCodec{}, logging.NewNop())

	outDir := t.TempDir()
	result, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(outDir, "out.heic"),
		VideoDest:  filepath.Join(outDir, "out.mov"),
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	written, err := os.ReadFile(result.StillPath)
	if err != nil {
		t.Fatalf("read still: %v", err)
	}
	root, err := bmff.Parse(written)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	model, err := heic.Build(root, written)
	if err != nil {
		t.Fatalf("model output: %v", err)
	}
	for _, it := range model.Items() {
		if it.ID()>>16 != 0 {
			t.Fatalf("shifted ID %d survived normalization", it.ID())
		}
	}
}

func TestConvertRejectsMissingVideo(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeSource(t, testsupport.FlatStill(t))

	conv := convert.New(cfg, &fakeExif{}, &fakeCodec{}, logging.NewNop())

	_, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(t.TempDir(), "out.heic"),
	})
	if !errors.Is(err, convert.ErrNoEmbeddedVideo) {
		t.Fatalf("expected ErrNoEmbeddedVideo, got %v", err)
	}
	if services.FailureStatus(err) != queue.StatusSkipped {
		t.Fatalf("expected skip classification, got %s", services.FailureStatus(err))
	}
}

func TestConvertStillOnly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeSource(t, testsupport.FlatStill(t))

	exif := &fakeExif{}
	conv := convert.New(cfg, exif, &fakeCodec{}, logging.NewNop())

	result, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(t.TempDir(), "out.heic"),
		StillOnly:  true,
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if result.VideoPath != "" {
		t.Fatalf("expected no clip output, got %q", result.VideoPath)
	}
	if len(exif.tags) != 0 {
		t.Fatal("expected no tag calls without a clip")
	}
}

func TestConvertUsesSidecarClip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeSource(t, testsupport.FlatStill(t))
	sidecar := filepath.Join(t.TempDir(), "IMG_0001.mp4")
	if err := os.WriteFile(sidecar, []byte("sidecar movie"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	conv := convert.New(cfg, &fakeExif{}, &fakeCodec{}, logging.NewNop())

	outDir := t.TempDir()
	result, err := conv.Convert(context.Background(), convert.Request{
		SourcePath:      src,
		VideoSourcePath: sidecar,
		StillDest:       filepath.Join(outDir, "out.heic"),
		VideoDest:       filepath.Join(outDir, "out.mov"),
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	clip, err := os.ReadFile(result.VideoPath)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	if string(clip) != "sidecar movie" {
		t.Fatalf("unexpected clip bytes: %q", clip)
	}
}

func TestConvertSkipTaggingWarns(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSkipTagging())
	src := writeSource(t, testsupport.BuildHEIC(t, testsupport.Fixture{Video: []byte("clip")}))

	exif := &fakeExif{}
	conv := convert.New(cfg, exif, &fakeCodec{}, logging.NewNop())

	outDir := t.TempDir()
	result, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(outDir, "out.heic"),
		VideoDest:  filepath.Join(outDir, "out.mov"),
	})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected untagged warning, got %v", result.Warnings)
	}
	if len(exif.tags) != 0 {
		t.Fatal("expected no tag calls when tagging is skipped")
	}
}

func TestConvertTagFailureIsFatal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeSource(t, testsupport.BuildHEIC(t, testsupport.Fixture{Video: []byte("clip")}))

	exif := &fakeExif{err: errors.New("exiftool missing")}
	conv := convert.New(cfg, exif, &fakeCodec{}, logging.NewNop())

	outDir := t.TempDir()
	_, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(outDir, "out.heic"),
		VideoDest:  filepath.Join(outDir, "out.mov"),
	})
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if services.FailureStatus(err) != queue.StatusFailed {
		t.Fatalf("expected failed classification, got %s", services.FailureStatus(err))
	}
}

func TestConvertRejectsMalformedContainer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	src := writeSource(t, testsupport.TruncateMeta(t, testsupport.FlatStill(t)))

	conv := convert.New(cfg, &fakeExif{}, &fakeCodec{}, logging.NewNop())

	_, err := conv.Convert(context.Background(), convert.Request{
		SourcePath: src,
		StillDest:  filepath.Join(t.TempDir(), "out.heic"),
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
