package decoder

import (
	"encoding/base64"
	"errors"
	"iter"
	"testing"
)

func text(s string) Part       { return Part{Kind: KindText, Text: s} }
func thought(s string) Part    { return Part{Kind: KindThinking, Text: s} }
func blob(b []byte) Part       { return Part{Kind: KindBinary, Data: b, MIMEType: "image/png"} }
func frag(p ...Part) *Fragment { return &Fragment{Parts: p} }

func TestDecode_NoParts(t *testing.T) {
	res, err := Decode(Slice(frag(), nil, frag()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !res.NoContent() {
		t.Errorf("NoContent() = false, want true")
	}
	if res.Skipped != 3 {
		t.Errorf("Skipped = %d, want 3", res.Skipped)
	}
}

func TestDecode_EmptySequence(t *testing.T) {
	res, err := Decode(Slice())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !res.NoContent() {
		t.Error("empty sequence should be NoContent")
	}
}

func TestDecode_OrderAndConcatenation(t *testing.T) {
	res, err := Decode(Slice(
		frag(thought("step 1. ")),
		frag(thought("step 2."), text("The ")),
		frag(text("answer.")),
	))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.ThinkingText != "step 1. step 2." {
		t.Errorf("ThinkingText = %q", res.ThinkingText)
	}
	if res.FullText != "The answer." {
		t.Errorf("FullText = %q", res.FullText)
	}
	wantKinds := []PartKind{KindThinking, KindThinking, KindText, KindText}
	if len(res.Segments) != len(wantKinds) {
		t.Fatalf("len(Segments) = %d, want %d", len(res.Segments), len(wantKinds))
	}
	for i, k := range wantKinds {
		if res.Segments[i].Kind != k {
			t.Errorf("Segments[%d].Kind = %v, want %v", i, res.Segments[i].Kind, k)
		}
	}
}

func TestDecode_BinaryOnly(t *testing.T) {
	data := []byte{0x89, 'P', 'N', 'G'}
	res, err := Decode(Slice(frag(blob(data)), frag(blob(data))))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.FullText != "" {
		t.Errorf("FullText = %q, want empty", res.FullText)
	}
	bins := res.Binaries()
	if len(bins) != 2 {
		t.Fatalf("len(Binaries) = %d, want 2", len(bins))
	}
	if bins[0].Encoded != base64.StdEncoding.EncodeToString(data) {
		t.Errorf("Encoded = %q", bins[0].Encoded)
	}
}

func TestDecode_MalformedPartsSkipped(t *testing.T) {
	res, err := Decode(Slice(
		frag(Part{Kind: KindUnknown}, text("")),
		frag(Part{Kind: KindBinary, MIMEType: "image/png"}),
		frag(Part{Kind: KindBinary, Data: []byte{1}}),
		frag(text("ok")),
	))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.FullText != "ok" {
		t.Errorf("FullText = %q, want ok", res.FullText)
	}
	if res.Skipped != 4 {
		t.Errorf("Skipped = %d, want 4", res.Skipped)
	}
}

func TestDecode_ThinkingModelSingleFragment(t *testing.T) {
	res, err := Decode(Slice(frag(text("all in one"))))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.ThinkingText != "" {
		t.Errorf("ThinkingText = %q, want empty", res.ThinkingText)
	}
	if res.FullText != "all in one" {
		t.Errorf("FullText = %q", res.FullText)
	}
}

func TestDecode_StreamError(t *testing.T) {
	boom := errors.New("stream broke")
	var seq iter.Seq2[*Fragment, error] = func(yield func(*Fragment, error) bool) {
		if !yield(frag(text("partial")), nil) {
			return
		}
		yield(nil, boom)
	}

	res, err := Decode(seq)
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if res.FullText != "partial" {
		t.Errorf("FullText = %q, want partial", res.FullText)
	}
}

func TestSingle(t *testing.T) {
	res, err := Decode(Single(frag(text("4")), nil))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.FullText != "4" {
		t.Errorf("FullText = %q, want 4", res.FullText)
	}

	_, err = Decode(Single(nil, errors.New("down")))
	if err == nil {
		t.Error("expected error from Single")
	}
}
