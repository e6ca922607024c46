package parser

import (
	"regexp"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/normalize"
)

var (
	urlPattern  = regexp.MustCompile("(?i)\\b(?:https?|ftp|wss?)://[^\\s'\"<>()`\\\\]+")
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)

	homePathPattern      = regexp.MustCompile(`(?:~|\$HOME|\$\{HOME\})/[A-Za-z0-9._\-/]*`)
	absolutePathPattern  = regexp.MustCompile(`(?:^|[\s'"=(:,\[])(/(?:etc|root|home|usr|var|tmp|dev|proc|sys|opt|bin|sbin|Users|Library|private)(?:/[A-Za-z0-9._\-@]+)*)`)
	sensitiveDirsPattern = regexp.MustCompile(`(?:^|[\s'"=(:,\[])(\.(?:ssh|aws|gnupg|kube|docker|openclaw|netrc|npmrc|pypirc|env)(?:/[A-Za-z0-9._\-]+)*)`)

	spawnPattern = regexp.MustCompile(`\b(?:subprocess\.(?:run|call|Popen|check_output|check_call)|os\.(?:system|popen|exec[lv]p?e?)|child_process\.(?:exec|execSync|spawn|spawnSync|execFile)|execSync|spawnSync|Runtime\.getRuntime\(\)\.exec|Invoke-Expression|Start-Process|IEX|eval|exec|system|popen)\s*\(`)
)

var shellLangs = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true,
	"shell": true, "console": true, "shellsession": true,
}

var literalOrder = map[document.LiteralKind]int{
	document.LiteralURL:     0,
	document.LiteralIP:      1,
	document.LiteralPath:    2,
	document.LiteralCommand: 3,
}

type candidate struct {
	kind       document.LiteralKind
	start, end int
}

// extractLiterals runs the literal pass over the primary sections. Each
// literal's span lies inside the section it came from; the result is
// ordered by (start, end, literal kind).
func extractLiterals(primary []document.Section) []document.Section {
	var out []document.Section
	for i := range primary {
		parent := &primary[i]
		if parent.Text == "" {
			continue
		}
		for _, c := range sectionLiterals(parent) {
			raw := parent.Text[c.start:c.end]
			normalized := normalize.Text(document.KindLiteral, raw)
			if c.kind == document.LiteralCommand {
				normalized = strings.ToLower(normalize.Text(document.KindCode, raw))
			}
			out = append(out, document.Section{
				Kind:       document.KindLiteral,
				File:       parent.File,
				Span:       document.Span{Start: parent.Span.Start + c.start, End: parent.Span.Start + c.end},
				Text:       raw,
				Normalized: normalized,
				Literal:    c.kind,
				Parent:     i,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		if a.Span.End != b.Span.End {
			return a.Span.End < b.Span.End
		}
		return literalOrder[a.Literal] < literalOrder[b.Literal]
	})
	return out
}

func sectionLiterals(s *document.Section) []candidate {
	text := s.Text
	var found []candidate

	var urls []candidate
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		end := loc[0] + len(strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?]}*"))
		if end > loc[0] {
			urls = append(urls, candidate{document.LiteralURL, loc[0], end})
		}
	}
	found = append(found, urls...)

	for _, loc := range ipv4Pattern.FindAllStringIndex(text, -1) {
		if loc[0] > 0 && text[loc[0]-1] == '.' {
			continue
		}
		if loc[1]+1 < len(text) && text[loc[1]] == '.' && isDigit(text[loc[1]+1]) {
			continue
		}
		if insideAny(urls, loc[0], loc[1]) {
			continue
		}
		found = append(found, candidate{document.LiteralIP, loc[0], loc[1]})
	}

	for _, loc := range homePathPattern.FindAllStringIndex(text, -1) {
		found = appendPath(found, urls, text, loc[0], loc[1])
	}
	for _, pattern := range []*regexp.Regexp{absolutePathPattern, sensitiveDirsPattern} {
		for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
			found = appendPath(found, urls, text, loc[2], loc[3])
		}
	}

	if s.Kind == document.KindCode {
		for _, span := range commandSpans(s.Lang, text) {
			found = append(found, candidate{document.LiteralCommand, span[0], span[1]})
		}
	}
	return dedupe(found)
}

func appendPath(found, urls []candidate, text string, start, end int) []candidate {
	end = start + len(strings.TrimRight(text[start:end], ".,"))
	if end-start < 2 || insideAny(urls, start, end) {
		return found
	}
	return append(found, candidate{document.LiteralPath, start, end})
}

// commandSpans finds process invocations in a code section. Shell is
// parsed properly and every simple command becomes a span; other
// languages fall back to matching process-spawning calls.
func commandSpans(lang, text string) [][2]int {
	if shellLangs[lang] {
		if spans, ok := shellCallSpans(text); ok {
			return spans
		}
		return lineSpans(text)
	}
	if lang == "" {
		if spans, ok := shellCallSpans(text); ok {
			return spans
		}
	}
	var spans [][2]int
	for _, loc := range spawnPattern.FindAllStringIndex(text, -1) {
		end := strings.IndexByte(text[loc[0]:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += loc[0]
		}
		end = loc[0] + len(strings.TrimRight(text[loc[0]:end], " \t\r"))
		spans = append(spans, [2]int{loc[0], end})
	}
	return spans
}

func shellCallSpans(text string) ([][2]int, bool) {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(text), "")
	if err != nil {
		return nil, false
	}
	var spans [][2]int
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		start, end := int(call.Pos().Offset()), int(call.End().Offset())
		if start < end && end <= len(text) {
			spans = append(spans, [2]int{start, end})
		}
		return true
	})
	return spans, true
}

// lineSpans treats each non-comment line as one command.
func lineSpans(text string) [][2]int {
	var spans [][2]int
	pos := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			start := pos + strings.Index(line, trimmed)
			spans = append(spans, [2]int{start, start + len(trimmed)})
		}
		pos += len(line)
	}
	return spans
}

func insideAny(spans []candidate, start, end int) bool {
	for _, s := range spans {
		if start >= s.start && end <= s.end {
			return true
		}
	}
	return false
}

func dedupe(found []candidate) []candidate {
	seen := make(map[candidate]bool, len(found))
	out := found[:0]
	for _, c := range found {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
