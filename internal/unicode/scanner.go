// Package unicode detects and undoes Unicode tricks used to hide content
// from readers and from text matching: invisible characters, bidi
// overrides, tag characters, stray control characters and Latin
// look-alike letters.
package unicode

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Category names a class of hidden-character trick.
type Category string

const (
	CategoryZeroWidth   Category = "zero-width"
	CategoryBidi        Category = "bidi-override"
	CategoryTag         Category = "tag-char"
	CategoryControl     Category = "control-char"
	CategoryHomoglyph   Category = "homoglyph"
	CategoryInvalidUTF8 Category = "invalid-utf8"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryZeroWidth,
	CategoryBidi,
	CategoryTag,
	CategoryControl,
	CategoryHomoglyph,
	CategoryInvalidUTF8,
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Hit is one suspicious rune found in a text.
type Hit struct {
	Category  Category
	Position  int    // byte offset in the scanned text
	Size      int    // byte length of the rune
	Codepoint string // e.g. "U+200B"
	Detail    string
}

// Scan returns every suspicious rune in text, in order of position.
func Scan(text string) []Hit {
	var hits []Hit
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == utf8.RuneError && size == 1 {
			hits = append(hits, Hit{
				Category:  CategoryInvalidUTF8,
				Position:  i,
				Size:      1,
				Codepoint: fmt.Sprintf("0x%02X", text[i]),
				Detail:    "invalid UTF-8 byte",
			})
			i++
			continue
		}
		if cat, detail, ok := classify(r); ok {
			hits = append(hits, Hit{
				Category:  cat,
				Position:  i,
				Size:      size,
				Codepoint: fmt.Sprintf("U+%04X", r),
				Detail:    detail,
			})
		}
		i += size
	}
	return hits
}

// Contains reports whether text holds at least one rune in any of the
// given categories. An empty category list matches every category.
func Contains(text string, categories []Category) bool {
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		var cat Category
		if r == utf8.RuneError && size == 1 {
			cat = CategoryInvalidUTF8
		} else if c, _, ok := classify(r); ok {
			cat = c
		} else {
			continue
		}
		if len(categories) == 0 {
			return true
		}
		for _, want := range categories {
			if want == cat {
				return true
			}
		}
	}
	return false
}

// Fold removes invisible and control runes and maps homoglyphs onto the
// Latin letters they imitate, so "сurl" written with a Cyrillic es folds
// to "curl". Tab, newline and carriage return are kept.
func Fold(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == utf8.RuneError:
			continue
		case isZeroWidth(r), isBidiOverride(r), isTagCharacter(r), isUnsafeControl(r):
			continue
		}
		if latin, ok := homoglyph(r); ok {
			b.WriteRune(latin)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func classify(r rune) (Category, string, bool) {
	switch {
	case isZeroWidth(r):
		return CategoryZeroWidth, "zero-width character hides content from display", true
	case isBidiOverride(r):
		return CategoryBidi, "bidirectional override makes displayed text differ from logical text", true
	case isTagCharacter(r):
		return CategoryTag, "tag character can smuggle hidden instructions", true
	case isUnsafeControl(r):
		return CategoryControl, "control character in text content", true
	}
	if latin, ok := homoglyph(r); ok {
		return CategoryHomoglyph, fmt.Sprintf("looks like Latin '%c'", latin), true
	}
	return "", "", false
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', // ZERO WIDTH SPACE
		'\u200C', // ZERO WIDTH NON-JOINER
		'\u200D', // ZERO WIDTH JOINER
		'\uFEFF', // ZERO WIDTH NO-BREAK SPACE (BOM)
		'\u2060', // WORD JOINER
		'\u180E', // MONGOLIAN VOWEL SEPARATOR
		'\u200E', // LEFT-TO-RIGHT MARK
		'\u200F': // RIGHT-TO-LEFT MARK
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	return (r >= '\u202A' && r <= '\u202E') || (r >= '\u2066' && r <= '\u2069')
}

func isTagCharacter(r rune) bool {
	return r >= 0xE0001 && r <= 0xE007F
}

func isUnsafeControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

func homoglyph(r rune) (rune, bool) {
	if r < 0x370 {
		return 0, false
	}
	if unicode.Is(unicode.Cyrillic, r) {
		latin, ok := cyrillicHomoglyphs[r]
		return latin, ok
	}
	if unicode.Is(unicode.Greek, r) {
		latin, ok := greekHomoglyphs[r]
		return latin, ok
	}
	return 0, false
}

var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A', 'В': 'B', 'с': 'c', 'С': 'C', 'е': 'e', 'Е': 'E',
	'Н': 'H', 'і': 'i', 'І': 'I', 'К': 'K', 'М': 'M', 'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P', 'Т': 'T', 'х': 'x', 'Х': 'X', 'у': 'y', 'У': 'Y',
	'ѕ': 's', 'Ѕ': 'S', 'ј': 'j', 'Ј': 'J',
}

var greekHomoglyphs = map[rune]rune{
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'ο': 'o', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y',
	'Ζ': 'Z',
}
