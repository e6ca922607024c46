package normalize

import (
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/chitinwall/chitinwall/internal/document"
	unifold "github.com/chitinwall/chitinwall/internal/unicode"
)

// Text builds the normalized view of one section's raw text. The view is
// what literal and regex predicates match against:
//   - hidden runes are dropped and homoglyphs folded to Latin
//   - CRLF becomes LF, shell line continuations are joined
//   - runs of spaces and tabs collapse to one space, lines are trimmed
//   - blank lines are dropped, so "within N lines" counts content lines
//   - everything except code is lowercased
//
// Text only ever sees one section, so a match can never span two.
func Text(kind document.Kind, raw string) string {
	if raw == "" {
		return ""
	}
	s := unifold.Fold(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if kind == document.KindCode {
		s = strings.ReplaceAll(s, "\\\n", " ")
	}

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = collapseSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	s = strings.Join(out, "\n")

	if kind != document.KindCode {
		s = strings.ToLower(s)
	}
	return s
}

// Lines splits a normalized view into its content lines.
func Lines(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}

func collapseSpace(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	space := false
	for _, r := range line {
		if r == ' ' || r == '\t' || r == '\v' || r == '\f' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Host returns the host part of a URL literal, without port.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}

// IsRawIP reports whether host is a literal IPv4 or IPv6 address.
func IsRawIP(host string) bool {
	return net.ParseIP(host) != nil
}

// ExpandPath resolves "~/" against home and cleans the result. Relative
// paths are left relative.
func ExpandPath(path, home string) string {
	if path == "~" && home != "" {
		return home
	}
	if strings.HasPrefix(path, "~/") && home != "" {
		path = filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}
