package parser

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/chitinwall/chitinwall/internal/document"
)

var (
	markdownOnce     sync.Once
	markdownInstance goldmark.Markdown
)

// markdown returns the shared goldmark instance. Its configuration never
// changes and Parse keeps per-call state in the reader.
func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New()
	})
	return markdownInstance
}

// parseMarkdown splits a markdown file into an optional front-matter
// manifest section followed by one section per leaf block: code blocks
// become Code, everything else with text becomes Prose. Body bytes no
// leaf block covers, such as link reference definitions goldmark drops
// from the tree, become Prose sections of their own.
func parseMarkdown(f File, base int) ([]document.Section, error) {
	var sections []document.Section

	bodyStart := 0
	if start, end, next, ok := frontMatter(f.Data); ok {
		sec, err := parseYAMLManifest(f, base, start, end)
		if err != nil {
			return nil, err
		}
		sec.Span = document.Span{Start: base, End: base + next}
		sec.Text = string(f.Data[:next])
		sections = append(sections, sec)
		bodyStart = next
	}

	source := f.Data[bodyStart:]
	root := markdown().Parser().Parse(text.NewReader(source))

	var blocks []document.Section
	var covered [][2]int
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		kind := document.KindProse
		lang := ""
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			kind = document.KindCode
			lang = fenceLanguage(node.Language(source))
		case *ast.CodeBlock:
			kind = document.KindCode
		case *ast.HTMLBlock, *ast.Paragraph, *ast.Heading, *ast.TextBlock:
		default:
			return ast.WalkContinue, nil
		}
		if start, end, ok := blockRange(n, source); ok {
			blocks = append(blocks, newSection(kind, f, base, bodyStart+start, bodyStart+end, lang))
			if _, fenced := n.(*ast.FencedCodeBlock); fenced {
				start, end = fenceLines(source, start, end)
			}
			covered = append(covered, [2]int{start, end})
		}
		return ast.WalkSkipChildren, nil
	})

	for _, gap := range uncovered(source, covered) {
		blocks = append(blocks, newSection(document.KindProse, f, base, bodyStart+gap[0], bodyStart+gap[1], ""))
	}
	return append(sections, sortSections(blocks)...), nil
}

// uncovered returns the ranges of source outside every covered range,
// trimmed of surrounding whitespace. Ranges holding nothing but markdown
// markup (list bullets, heading hashes, quote markers, rules) are dropped.
func uncovered(source []byte, covered [][2]int) [][2]int {
	sort.Slice(covered, func(i, j int) bool { return covered[i][0] < covered[j][0] })
	var gaps [][2]int
	add := func(start, end int) {
		for start < end && isSpace(source[start]) {
			start++
		}
		for end > start && isSpace(source[end-1]) {
			end--
		}
		if start < end && !markupOnly(source[start:end]) {
			gaps = append(gaps, [2]int{start, end})
		}
	}
	cursor := 0
	for _, c := range covered {
		if c[0] > cursor {
			add(cursor, c[0])
		}
		if c[1] > cursor {
			cursor = c[1]
		}
	}
	add(cursor, len(source))
	return gaps
}

// fenceLines widens a fenced block's content range to its opening and
// closing fence lines.
func fenceLines(source []byte, start, end int) (int, int) {
	if ls := bytes.LastIndexByte(source[:start], '\n'); ls >= 0 {
		start = bytes.LastIndexByte(source[:ls], '\n') + 1
	}
	nl := bytes.IndexByte(source[end:], '\n')
	if nl < 0 {
		return start, end
	}
	next := end + nl + 1
	lineEnd := len(source)
	if i := bytes.IndexByte(source[next:], '\n'); i >= 0 {
		lineEnd = next + i
	}
	line := bytes.TrimSpace(source[next:lineEnd])
	if bytes.HasPrefix(line, []byte("```")) || bytes.HasPrefix(line, []byte("~~~")) {
		end = lineEnd
	}
	return start, end
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func markupOnly(b []byte) bool {
	for _, c := range string(b) {
		if !strings.ContainsRune(" \t\r\n`~>*-+#|=_", c) {
			return false
		}
	}
	return true
}

// blockRange is the byte range from the first to the last line of a
// block, trailing newline excluded.
func blockRange(n ast.Node, source []byte) (int, int, bool) {
	lines := n.Lines()
	if lines.Len() == 0 {
		return 0, 0, false
	}
	start := lines.At(0).Start
	end := lines.At(lines.Len() - 1).Stop
	if html, ok := n.(*ast.HTMLBlock); ok && html.HasClosure() {
		end = html.ClosureLine.Stop
	}
	if end > len(source) {
		end = len(source)
	}
	for end > start && (source[end-1] == '\n' || source[end-1] == '\r') {
		end--
	}
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}

func fenceLanguage(info []byte) string {
	fields := strings.Fields(string(info))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// frontMatter locates a leading "---" YAML block. It returns the YAML
// content range and the offset just past the closing fence line.
func frontMatter(data []byte) (start, end, next int, ok bool) {
	var open int
	switch {
	case bytes.HasPrefix(data, []byte("---\n")):
		open = 4
	case bytes.HasPrefix(data, []byte("---\r\n")):
		open = 5
	default:
		return 0, 0, 0, false
	}
	for pos := open; pos < len(data); {
		lineEnd := bytes.IndexByte(data[pos:], '\n')
		var line []byte
		if lineEnd < 0 {
			line = data[pos:]
			lineEnd = len(data)
		} else {
			line = data[pos : pos+lineEnd]
			lineEnd = pos + lineEnd + 1
		}
		trimmed := bytes.TrimRight(line, "\r \t")
		if bytes.Equal(trimmed, []byte("---")) || bytes.Equal(trimmed, []byte("...")) {
			return open, pos, lineEnd, true
		}
		pos = lineEnd
	}
	return 0, 0, 0, false
}
