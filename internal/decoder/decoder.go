// Package decoder turns raw backend response fragments into typed segments.
//
// Fragments are consumed strictly in arrival order. Nothing is reordered or
// deduplicated, and a malformed fragment is skipped rather than aborting the
// decode.
package decoder

import (
	"encoding/base64"
	"iter"
	"strings"
)

// PartKind is the declared kind of a fragment part.
type PartKind int

const (
	KindUnknown PartKind = iota
	KindText
	KindThinking
	KindBinary
)

func (k PartKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindThinking:
		return "thinking"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Part is one typed payload inside a fragment.
type Part struct {
	Kind     PartKind
	Text     string
	Data     []byte
	MIMEType string
}

// Fragment is one unit of a (possibly streamed) backend response.
type Fragment struct {
	Parts []Part
}

// Segment is a classified piece of decoded output.
type Segment struct {
	Kind     PartKind
	Text     string
	Data     []byte
	MIMEType string
	// Encoded is the base64 form of Data, set for binary segments.
	Encoded string
}

// Result is the outcome of decoding a fragment sequence.
type Result struct {
	Segments     []Segment
	FullText     string
	ThinkingText string
	// Skipped counts empty or malformed fragments and parts.
	Skipped int
}

// NoContent reports whether decoding produced zero segments. It is a
// sentinel, not an error: callers decide whether it is failure-worthy.
func (r Result) NoContent() bool {
	return len(r.Segments) == 0
}

// Binaries returns the binary segments in arrival order.
func (r Result) Binaries() []Segment {
	var out []Segment
	for _, s := range r.Segments {
		if s.Kind == KindBinary {
			out = append(out, s)
		}
	}
	return out
}

// Decoder accumulates fragments incrementally.
type Decoder struct {
	segments []Segment
	text     strings.Builder
	thinking strings.Builder
	skipped  int
}

// Add classifies every part of f. A nil or part-less fragment counts as skipped.
func (d *Decoder) Add(f *Fragment) {
	if f == nil || len(f.Parts) == 0 {
		d.skipped++
		return
	}
	for _, p := range f.Parts {
		d.addPart(p)
	}
}

func (d *Decoder) addPart(p Part) {
	switch p.Kind {
	case KindText:
		if p.Text == "" {
			d.skipped++
			return
		}
		d.text.WriteString(p.Text)
		d.segments = append(d.segments, Segment{Kind: KindText, Text: p.Text})
	case KindThinking:
		if p.Text == "" {
			d.skipped++
			return
		}
		d.thinking.WriteString(p.Text)
		d.segments = append(d.segments, Segment{Kind: KindThinking, Text: p.Text})
	case KindBinary:
		if len(p.Data) == 0 || p.MIMEType == "" {
			d.skipped++
			return
		}
		d.segments = append(d.segments, Segment{
			Kind:     KindBinary,
			Data:     p.Data,
			MIMEType: p.MIMEType,
			Encoded:  base64.StdEncoding.EncodeToString(p.Data),
		})
	default:
		d.skipped++
	}
}

// Result returns the accumulated decode result.
func (d *Decoder) Result() Result {
	segs := make([]Segment, len(d.segments))
	copy(segs, d.segments)
	return Result{
		Segments:     segs,
		FullText:     d.text.String(),
		ThinkingText: d.thinking.String(),
		Skipped:      d.skipped,
	}
}

// Decode drains seq. An error yielded by the sequence stops decoding and is
// returned together with what was decoded so far.
func Decode(seq iter.Seq2[*Fragment, error]) (Result, error) {
	var d Decoder
	for f, err := range seq {
		if err != nil {
			return d.Result(), err
		}
		d.Add(f)
	}
	return d.Result(), nil
}

// Single adapts a one-shot response to the sequence form Decode accepts.
func Single(f *Fragment, err error) iter.Seq2[*Fragment, error] {
	return func(yield func(*Fragment, error) bool) {
		yield(f, err)
	}
}

// Slice adapts a fixed list of fragments, mainly for tests and fakes.
func Slice(fragments ...*Fragment) iter.Seq2[*Fragment, error] {
	return func(yield func(*Fragment, error) bool) {
		for _, f := range fragments {
			if !yield(f, nil) {
				return
			}
		}
	}
}
