package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/normalize"
)

// parseJSONManifest accepts JSON with comments and trailing commas.
// jsonc.ToJSON keeps byte positions, so syntax error offsets still point
// into the original file.
func parseJSONManifest(f File, base int) (document.Section, error) {
	var value any
	if err := json.Unmarshal(jsonc.ToJSON(f.Data), &value); err != nil {
		offset := 0
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) && syntaxErr.Offset > 0 {
			offset = int(syntaxErr.Offset) - 1
		}
		if offset > len(f.Data) {
			offset = len(f.Data)
		}
		return document.Section{}, &ParseError{
			File:   f.Path,
			Reason: "malformed JSON manifest: " + err.Error(),
			Offset: base + offset,
		}
	}
	return manifestSection(f, base, 0, len(f.Data), value), nil
}

// parseYAMLManifest parses f.Data[start:end] as YAML. It also serves
// markdown front matter, where start is past the opening fence.
func parseYAMLManifest(f File, base, start, end int) (document.Section, error) {
	var value any
	if err := yaml.Unmarshal(f.Data[start:end], &value); err != nil {
		return document.Section{}, &ParseError{
			File:   f.Path,
			Reason: "malformed YAML manifest: " + err.Error(),
			Offset: base + start + yamlErrorOffset(f.Data[start:end], err),
		}
	}
	return manifestSection(f, base, start, end, value), nil
}

func manifestSection(f File, base, start, end int, value any) document.Section {
	sec := newSection(document.KindManifest, f, base, start, end, "")
	var lines []string
	flatten("", value, &lines)
	sec.Normalized = normalize.Text(document.KindManifest, strings.Join(lines, "\n"))
	return sec
}

var yamlLinePattern = regexp.MustCompile(`line (\d+)`)

// yamlErrorOffset maps the "line N" in a yaml.v3 error message onto the
// byte offset where that line starts.
func yamlErrorOffset(data []byte, err error) int {
	m := yamlLinePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	line, convErr := strconv.Atoi(m[1])
	if convErr != nil || line <= 1 {
		return 0
	}
	current := 1
	for i, c := range data {
		if c == '\n' {
			current++
			if current == line {
				return i + 1
			}
		}
	}
	return len(data)
}

// flatten renders a decoded manifest as sorted "a.b.c: value" lines so
// rules can match on field paths regardless of source formatting.
func flatten(prefix string, value any, out *[]string) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(joinKey(prefix, k), v[k], out)
		}
	case map[any]any:
		byName := make(map[string]any, len(v))
		for k, val := range v {
			byName[fmt.Sprint(k)] = val
		}
		flatten(prefix, byName, out)
	case []any:
		for i, item := range v {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), item, out)
		}
	case nil:
		if prefix != "" {
			*out = append(*out, prefix+": null")
		}
	default:
		if prefix == "" {
			*out = append(*out, fmt.Sprint(v))
			return
		}
		*out = append(*out, fmt.Sprintf("%s: %v", prefix, v))
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
