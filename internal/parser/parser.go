// Package parser turns a raw skill bundle into a document.Document: an
// ordered sequence of typed sections (manifest fields, code, prose) plus
// the literals extracted from them.
//
// Parsing is pure. The same bundle bytes always produce the same
// Document, which is what lets the scanner cache documents by digest.
package parser

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/normalize"
)

// Metadata is caller-supplied information about a bundle.
type Metadata struct {
	// SkillID overrides the bundle name as the document's skill id.
	SkillID string
}

// ParseError reports malformed manifest syntax or unreadable encoding in
// a recognised text file. Offset is a position in the canonical bundle
// stream.
type ParseError struct {
	File   string
	Reason string
	Offset int
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("parse error in %s at offset %d: %s", e.File, e.Offset, e.Reason)
}

type fileClass int

const (
	classUnknown fileClass = iota
	classJSONManifest
	classYAMLManifest
	classMarkdown
	classCode
	classBinary
)

var manifestNames = map[string]fileClass{
	"skill.json":    classJSONManifest,
	"manifest.json": classJSONManifest,
	"package.json":  classJSONManifest,
	"skill.yaml":    classYAMLManifest,
	"skill.yml":     classYAMLManifest,
	"manifest.yaml": classYAMLManifest,
	"manifest.yml":  classYAMLManifest,
}

var codeExtensions = map[string]string{
	".sh":   "sh",
	".bash": "bash",
	".zsh":  "zsh",
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".ts":   "typescript",
	".rb":   "ruby",
	".pl":   "perl",
	".ps1":  "powershell",
	".go":   "go",
	".lua":  "lua",
	".php":  "php",
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".webp": true, ".pdf": true, ".woff": true, ".woff2": true, ".ttf": true,
	".zip": true, ".gz": true,
}

func classify(p string) (fileClass, string) {
	base := strings.ToLower(path.Base(p))
	if class, ok := manifestNames[base]; ok {
		return class, ""
	}
	ext := path.Ext(base)
	switch ext {
	case ".md", ".markdown":
		return classMarkdown, ""
	}
	if lang, ok := codeExtensions[ext]; ok {
		return classCode, lang
	}
	if binaryExtensions[ext] {
		return classBinary, ""
	}
	return classUnknown, ""
}

// Parse builds the Document for b. Unknown and binary files become
// opaque prose sections; only malformed manifests and invalid UTF-8 in
// recognised text files fail the parse.
func Parse(b *Bundle, meta Metadata) (*document.Document, error) {
	skillID := meta.SkillID
	if skillID == "" {
		skillID = b.Name
	}
	doc := &document.Document{
		SkillID: skillID,
		Digest:  b.Digest(),
		Size:    b.Size(),
	}

	var primary []document.Section
	for i, f := range b.Files() {
		sections, err := parseFile(f, b.Offset(i))
		if err != nil {
			return nil, err
		}
		primary = append(primary, sections...)
	}

	sections := append(primary, extractLiterals(primary)...)
	for i := range sections {
		sections[i].Index = i
	}
	doc.Sections = sections

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("parser produced an invalid document for %s: %w", skillID, err)
	}
	return doc, nil
}

func parseFile(f File, base int) ([]document.Section, error) {
	if f.Skipped != "" {
		return []document.Section{{
			Kind:   document.KindProse,
			File:   f.Path,
			Span:   document.Span{Start: base, End: base},
			Opaque: true,
		}}, nil
	}
	if len(f.Data) == 0 {
		return nil, nil
	}

	class, lang := classify(f.Path)
	if class == classUnknown {
		if !isText(f.Data) {
			class = classBinary
		} else if shebang := shebangLang(f.Data); shebang != "" {
			class, lang = classCode, shebang
		}
	}

	switch class {
	case classBinary:
		return []document.Section{{
			Kind:   document.KindProse,
			File:   f.Path,
			Span:   document.Span{Start: base, End: base + len(f.Data)},
			Opaque: true,
		}}, nil
	case classUnknown:
		sec := newSection(document.KindProse, f, base, 0, len(f.Data), "")
		sec.Opaque = true
		return []document.Section{sec}, nil
	}

	if off := invalidUTF8(f.Data); off >= 0 {
		return nil, &ParseError{File: f.Path, Reason: "invalid UTF-8 encoding", Offset: base + off}
	}

	switch class {
	case classJSONManifest:
		sec, err := parseJSONManifest(f, base)
		if err != nil {
			return nil, err
		}
		return []document.Section{sec}, nil
	case classYAMLManifest:
		sec, err := parseYAMLManifest(f, base, 0, len(f.Data))
		if err != nil {
			return nil, err
		}
		return []document.Section{sec}, nil
	case classMarkdown:
		return parseMarkdown(f, base)
	default:
		return []document.Section{newSection(document.KindCode, f, base, 0, len(f.Data), lang)}, nil
	}
}

// newSection cuts f.Data[start:end] into a section at stream offset
// base+start.
func newSection(kind document.Kind, f File, base, start, end int, lang string) document.Section {
	raw := string(f.Data[start:end])
	return document.Section{
		Kind:       kind,
		File:       f.Path,
		Span:       document.Span{Start: base + start, End: base + end},
		Lang:       lang,
		Text:       raw,
		Normalized: normalize.Text(kind, raw),
	}
}

// sortSections orders sections by span and drops any that would overlap
// an earlier one.
func sortSections(sections []document.Section) []document.Section {
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Span.Start < sections[j].Span.Start
	})
	out := sections[:0]
	prevEnd := -1
	for _, s := range sections {
		if s.Span.Start < prevEnd {
			continue
		}
		out = append(out, s)
		prevEnd = s.Span.End
	}
	return out
}

func isText(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) < 0 && utf8.Valid(data)
}

func invalidUTF8(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}

func shebangLang(data []byte) string {
	if !bytes.HasPrefix(data, []byte("#!")) {
		return ""
	}
	line := data
	if nl := bytes.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	fields := strings.Fields(string(line[2:]))
	if len(fields) == 0 {
		return ""
	}
	interp := path.Base(fields[0])
	if interp == "env" && len(fields) > 1 {
		interp = fields[1]
	}
	switch {
	case interp == "sh", interp == "bash", interp == "zsh", interp == "dash":
		return interp
	case strings.HasPrefix(interp, "python"):
		return "python"
	case interp == "node":
		return "javascript"
	case interp == "ruby", interp == "perl", interp == "php", interp == "lua":
		return interp
	}
	return ""
}
