// Package rules loads and holds the IOC rule corpus: versioned rules whose
// predicates the matching engine evaluates against document sections.
package rules

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/ioc"
	"github.com/chitinwall/chitinwall/internal/unicode"
)

// Op is the operator of a predicate node. The set is closed: the loader
// rejects anything else and the engine switches over exactly these.
type Op string

const (
	OpLiteral   Op = "literal"
	OpRegex     Op = "regex"
	OpProximity Op = "proximity"
	OpUnicode   Op = "unicode"
	OpAll       Op = "all"
	OpAny       Op = "any"
	OpNot       Op = "not"

	// OpRef only exists in rule files. References are inlined at load
	// time, so a compiled tree never contains one.
	OpRef Op = "ref"
)

var operators = map[string]Op{
	"literal":   OpLiteral,
	"regex":     OpRegex,
	"proximity": OpProximity,
	"unicode":   OpUnicode,
	"all":       OpAll,
	"any":       OpAny,
	"not":       OpNot,
	"ref":       OpRef,
}

// Predicate is one node of a compiled predicate tree. Which fields are
// meaningful depends on Op.
type Predicate struct {
	Op Op

	// Value is the literal needle or the regex source.
	Value         string
	CaseSensitive bool

	// In restricts a leaf to sections of one kind. Empty means any kind,
	// except for proximity which defaults to code.
	In document.Kind

	Regexp *regexp.Regexp

	// Near and Far are the two token sides of a proximity predicate; it
	// holds when both match on lines at most Within apart.
	Near   *regexp.Regexp
	Far    *regexp.Regexp
	Within int

	// Categories of hidden unicode; empty means any category.
	Categories []unicode.Category

	Children []*Predicate
}

// Rule is one compiled corpus entry. Rules are immutable after load.
type Rule struct {
	ID          string
	Description string
	Category    ioc.Category
	Severity    ioc.Severity
	AppliesTo   []document.Kind
	Predicate   *Predicate
	References  []string
}

// Applies reports whether the rule is evaluated against sections of kind.
func (r *Rule) Applies(kind document.Kind) bool {
	if len(r.AppliesTo) == 0 {
		return true
	}
	for _, k := range r.AppliesTo {
		if k == kind {
			return true
		}
	}
	return false
}

// Corpus is a versioned, validated rule set. Rules are sorted by id.
type Corpus struct {
	Version string
	Rules   []*Rule
	byID    map[string]*Rule
}

func newCorpus(version string, rules []*Rule) (*Corpus, error) {
	c := &Corpus{Version: version, byID: make(map[string]*Rule, len(rules))}
	for _, r := range rules {
		if _, dup := c.byID[r.ID]; dup {
			return nil, &RuleError{RuleID: r.ID, Reason: "duplicate rule id"}
		}
		c.byID[r.ID] = r
		c.Rules = append(c.Rules, r)
	}
	sort.Slice(c.Rules, func(i, j int) bool { return c.Rules[i].ID < c.Rules[j].ID })
	return c, nil
}

// Rule looks a rule up by id.
func (c *Corpus) Rule(id string) (*Rule, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// Len is the number of rules.
func (c *Corpus) Len() int { return len(c.Rules) }

// RuleError reports an invalid corpus definition. RuleID names the rule
// or named predicate at fault; it is empty for corpus-level problems.
type RuleError struct {
	RuleID string
	Reason string
}

func (e *RuleError) Error() string {
	if e.RuleID == "" {
		return "invalid rule corpus: " + e.Reason
	}
	return fmt.Sprintf("invalid rule %s: %s", e.RuleID, e.Reason)
}
