// Package engine evaluates a rule corpus against a parsed document and
// produces findings. Evaluation is a pure function of its two inputs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/ioc"
	"github.com/chitinwall/chitinwall/internal/normalize"
	"github.com/chitinwall/chitinwall/internal/redact"
	"github.com/chitinwall/chitinwall/internal/rules"
	"github.com/chitinwall/chitinwall/internal/unicode"
)

// ExcerptLimit bounds the evidence excerpt stored on a finding.
const ExcerptLimit = 160

// ErrTimeout is returned when the scan context expires before every rule
// has been evaluated. Partial findings are discarded.
var ErrTimeout = errors.New("scan exceeded its time budget")

// Finding is one rule matching one section.
type Finding struct {
	RuleID        string               `json:"rule_id"`
	CorpusVersion string               `json:"corpus_version"`
	Severity      ioc.Severity         `json:"severity"`
	Category      ioc.Category         `json:"category"`
	Description   string               `json:"description"`
	Section       int                  `json:"section"`
	Kind          document.Kind        `json:"kind"`
	Literal       document.LiteralKind `json:"literal,omitempty"`
	File          string               `json:"file"`
	Span          document.Span        `json:"span"`
	Excerpt       string               `json:"excerpt"`
}

// Evaluate runs every rule of corpus against every applicable section of
// doc. A rule matching several sections yields one finding per section.
// Findings are ordered by severity (highest first), then rule id, then
// section index.
func Evaluate(ctx context.Context, doc *document.Document, corpus *rules.Corpus) ([]Finding, error) {
	var findings []Finding
	for i := range doc.Sections {
		if err := ctx.Err(); err != nil {
			return nil, contextError(err)
		}
		v := &view{section: &doc.Sections[i]}
		for _, rule := range corpus.Rules {
			if !rule.Applies(v.section.Kind) {
				continue
			}
			m := v.eval(rule.Predicate)
			if !m.ok {
				continue
			}
			findings = append(findings, newFinding(rule, corpus.Version, v.section, m))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Section < b.Section
	})
	return findings, nil
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("evaluation cancelled: %w", err)
}

func newFinding(rule *rules.Rule, version string, s *document.Section, m match) Finding {
	return Finding{
		RuleID:        rule.ID,
		CorpusVersion: version,
		Severity:      rule.Severity,
		Category:      rule.Category,
		Description:   rule.Description,
		Section:       s.Index,
		Kind:          s.Kind,
		Literal:       s.Literal,
		File:          s.File,
		Span:          s.Span,
		Excerpt:       excerpt(m),
	}
}

// match is the result of evaluating a predicate. When a positive leaf
// decided it, text and [start,end) locate the evidence.
type match struct {
	ok         bool
	text       string
	start, end int
}

var noMatch = match{}

// view caches the derived forms of one section's text across all rules.
type view struct {
	section *document.Section
	lower   *string
	lines   []string
}

func (v *view) lowered() string {
	if v.lower == nil {
		l := v.section.Normalized
		if v.section.Kind == document.KindCode {
			l = strings.ToLower(l)
		}
		v.lower = &l
	}
	return *v.lower
}

func (v *view) contentLines() []string {
	if v.lines == nil {
		v.lines = normalize.Lines(v.section.Normalized)
		if v.lines == nil {
			v.lines = []string{}
		}
	}
	return v.lines
}

func (v *view) eval(p *rules.Predicate) match {
	s := v.section
	switch p.Op {
	case rules.OpLiteral:
		if p.In != "" && s.Kind != p.In {
			return noMatch
		}
		if p.CaseSensitive && s.Kind == document.KindCode {
			return found(s.Normalized, strings.Index(s.Normalized, p.Value), len(p.Value))
		}
		needle := p.Value
		if p.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		text := v.lowered()
		return found(text, strings.Index(text, needle), len(needle))

	case rules.OpRegex:
		if p.In != "" && s.Kind != p.In {
			return noMatch
		}
		loc := p.Regexp.FindStringIndex(s.Normalized)
		if loc == nil {
			return noMatch
		}
		return match{ok: true, text: s.Normalized, start: loc[0], end: loc[1]}

	case rules.OpProximity:
		want := p.In
		if want == "" {
			want = document.KindCode
		}
		if s.Kind != want {
			return noMatch
		}
		return v.proximity(p)

	case rules.OpUnicode:
		for _, hit := range unicode.Scan(s.Text) {
			if wanted(hit.Category, p.Categories) {
				return match{ok: true, text: s.Text, start: hit.Position, end: hit.Position + hit.Size}
			}
		}
		return noMatch

	case rules.OpAll:
		var first match
		for i, child := range p.Children {
			m := v.eval(child)
			if !m.ok {
				return noMatch
			}
			if i == 0 || first.text == "" {
				first = m
			}
		}
		return first

	case rules.OpAny:
		for _, child := range p.Children {
			if m := v.eval(child); m.ok {
				return m
			}
		}
		return noMatch

	case rules.OpNot:
		if v.eval(p.Children[0]).ok {
			return noMatch
		}
		return match{ok: true}
	}
	return noMatch
}

// proximity holds when some line matching Near and some line matching
// Far are at most Within content lines apart.
func (v *view) proximity(p *rules.Predicate) match {
	lines := v.contentLines()
	var near, far []int
	for i, line := range lines {
		if p.Near.MatchString(line) {
			near = append(near, i)
		}
		if p.Far.MatchString(line) {
			far = append(far, i)
		}
	}
	for _, i := range near {
		for _, j := range far {
			d := i - j
			if d < 0 {
				d = -d
			}
			if d > p.Within {
				continue
			}
			lo, hi := i, j
			if lo > hi {
				lo, hi = hi, lo
			}
			start := lineOffset(lines, lo)
			end := lineOffset(lines, hi) + len(lines[hi])
			return match{ok: true, text: v.section.Normalized, start: start, end: end}
		}
	}
	return noMatch
}

func lineOffset(lines []string, n int) int {
	off := 0
	for i := 0; i < n; i++ {
		off += len(lines[i]) + 1
	}
	return off
}

func found(text string, idx, n int) match {
	if idx < 0 {
		return noMatch
	}
	return match{ok: true, text: text, start: idx, end: idx + n}
}

func wanted(c unicode.Category, cats []unicode.Category) bool {
	if len(cats) == 0 {
		return true
	}
	for _, want := range cats {
		if want == c {
			return true
		}
	}
	return false
}

// excerpt renders the evidence window with hidden runes spelled out so
// the excerpt itself cannot smuggle anything.
func excerpt(m match) string {
	if m.text == "" {
		return ""
	}
	cut := redact.Excerpt(m.text, m.start, m.end, ExcerptLimit)
	hits := unicode.Scan(cut)
	if len(hits) == 0 {
		return cut
	}
	var b strings.Builder
	prev := 0
	for _, h := range hits {
		if h.Category == unicode.CategoryHomoglyph {
			continue
		}
		b.WriteString(cut[prev:h.Position])
		fmt.Fprintf(&b, "<%s>", h.Codepoint)
		prev = h.Position + h.Size
	}
	b.WriteString(cut[prev:])
	return b.String()
}
