// Package document defines the parsed, structured representation of a
// skill bundle that the matching engine evaluates rules against.
//
// A Document is built once by the parser and is read-only afterwards; it
// may be shared between concurrent rule evaluations without locking.
package document

import (
	"fmt"
)

// Kind classifies a Section.
type Kind string

const (
	KindManifest Kind = "manifest"
	KindCode     Kind = "code"
	KindProse    Kind = "prose"
	KindLiteral  Kind = "literal"
)

// ParseKind maps a rule-file name onto a Kind. "literal" and
// "extracted_literal" are both accepted.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "manifest":
		return KindManifest, nil
	case "code":
		return KindCode, nil
	case "prose":
		return KindProse, nil
	case "literal", "extracted_literal":
		return KindLiteral, nil
	}
	return "", fmt.Errorf("unknown section kind %q", name)
}

// LiteralKind says what an ExtractedLiteral section holds.
type LiteralKind string

const (
	LiteralURL     LiteralKind = "url"
	LiteralIP      LiteralKind = "ip"
	LiteralCommand LiteralKind = "command"
	LiteralPath    LiteralKind = "path"
)

// Span is a half-open byte range [Start, End) in the canonical bundle
// stream (all bundle files laid end to end in path order).
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) Len() int { return s.End - s.Start }

// Contains reports whether o lies entirely inside s.
func (s Span) Contains(o Span) bool {
	return o.Start >= s.Start && o.End <= s.End
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d)", s.Start, s.End)
}

// Section is one typed slice of the bundle.
type Section struct {
	Index int    `json:"index"`
	Kind  Kind   `json:"kind"`
	File  string `json:"file"`
	Span  Span   `json:"span"`

	// Lang is the language of a Code section ("bash", "python", ...).
	Lang string `json:"lang,omitempty"`

	// Text is the raw section text; Normalized is the view rules match on.
	Text       string `json:"text"`
	Normalized string `json:"normalized"`

	// Opaque marks content the parser could not interpret (binary assets,
	// unknown formats). Unknown text keeps its Text and Normalized view;
	// binary and skipped content has neither.
	Opaque bool `json:"opaque,omitempty"`

	// Literal and Parent are only set on KindLiteral sections. Parent is
	// the index of the primary section the literal was extracted from.
	Literal LiteralKind `json:"literal,omitempty"`
	Parent  int         `json:"parent,omitempty"`
}

// IsLiteral reports whether the section was produced by literal extraction.
func (s *Section) IsLiteral() bool { return s.Kind == KindLiteral }

// Document is the parse result for one skill bundle.
type Document struct {
	SkillID string `json:"skill_id"`

	// Digest is the hex BLAKE3 digest of the canonical bundle encoding.
	// Two bundles with equal digests parse to equal Documents.
	Digest string `json:"digest"`

	// Size is the length of the canonical bundle stream in bytes.
	Size int `json:"size"`

	Sections []Section `json:"sections"`
}

// Section returns the section at index i, or nil when out of range.
func (d *Document) Section(i int) *Section {
	if i < 0 || i >= len(d.Sections) {
		return nil
	}
	return &d.Sections[i]
}

// Primary returns the non-literal sections in span order.
func (d *Document) Primary() []Section {
	for i := range d.Sections {
		if d.Sections[i].IsLiteral() {
			return d.Sections[:i]
		}
	}
	return d.Sections
}

// Literals returns the extracted literal sections in span order.
func (d *Document) Literals() []Section {
	return d.Sections[len(d.Primary()):]
}

// Validate checks the structural invariants of a Document:
//   - indexes match positions
//   - primary sections precede literals
//   - primary spans are in bounds, non-overlapping and increasing
//   - literal spans are ordered and contained in their parent's span
func (d *Document) Validate() error {
	prevEnd := 0
	seenLiteral := false
	prevLiteral := Span{}
	for i := range d.Sections {
		s := &d.Sections[i]
		if s.Index != i {
			return fmt.Errorf("section %d: index field is %d", i, s.Index)
		}
		if s.Span.Start < 0 || s.Span.End < s.Span.Start || s.Span.End > d.Size {
			return fmt.Errorf("section %d: span %s out of bounds (size %d)", i, s.Span, d.Size)
		}
		if !s.IsLiteral() {
			if seenLiteral {
				return fmt.Errorf("section %d: primary section after literal sections", i)
			}
			if s.Span.Start < prevEnd {
				return fmt.Errorf("section %d: span %s overlaps previous section ending at %d", i, s.Span, prevEnd)
			}
			prevEnd = s.Span.End
			continue
		}

		parent := d.Section(s.Parent)
		if parent == nil || parent.IsLiteral() {
			return fmt.Errorf("section %d: literal has invalid parent %d", i, s.Parent)
		}
		if !parent.Span.Contains(s.Span) {
			return fmt.Errorf("section %d: literal span %s escapes parent span %s", i, s.Span, parent.Span)
		}
		if seenLiteral && (s.Span.Start < prevLiteral.Start ||
			(s.Span.Start == prevLiteral.Start && s.Span.End < prevLiteral.End)) {
			return fmt.Errorf("section %d: literal span %s out of order", i, s.Span)
		}
		seenLiteral = true
		prevLiteral = s.Span
	}
	return nil
}
