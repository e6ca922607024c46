package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/ioc"
	"github.com/chitinwall/chitinwall/internal/unicode"
)

type corpusFile struct {
	Version    string               `yaml:"version"`
	Predicates map[string]yaml.Node `yaml:"predicates"`
	Rules      []ruleFile           `yaml:"rules"`
}

type ruleFile struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description"`
	Category    string    `yaml:"category"`
	Severity    string    `yaml:"severity"`
	AppliesTo   []string  `yaml:"applies_to"`
	References  []string  `yaml:"references"`
	Match       yaml.Node `yaml:"match"`
}

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// Load parses and validates a corpus definition.
func Load(data []byte) (*Corpus, error) {
	file, rules, err := compileFile(data)
	if err != nil {
		return nil, err
	}
	if file.Version == "" {
		return nil, &RuleError{Reason: "missing corpus version"}
	}
	if !versionPattern.MatchString(file.Version) {
		return nil, &RuleError{Reason: fmt.Sprintf("invalid corpus version %q", file.Version)}
	}
	return newCorpus(file.Version, rules)
}

// LoadFile reads and loads a corpus file.
func LoadFile(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule corpus %s: %w", path, err)
	}
	return Load(data)
}

func compileFile(data []byte) (*corpusFile, []*Rule, error) {
	var file corpusFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, &RuleError{Reason: "malformed YAML: " + err.Error()}
	}

	c := &compiler{
		named:    make(map[string]*yaml.Node, len(file.Predicates)),
		compiled: make(map[string]*Predicate, len(file.Predicates)),
		visiting: make(map[string]bool),
	}
	names := make([]string, 0, len(file.Predicates))
	for name := range file.Predicates {
		node := file.Predicates[name]
		c.named[name] = &node
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.resolve("predicates."+name, name); err != nil {
			return nil, nil, err
		}
	}

	seen := make(map[string]bool, len(file.Rules))
	rules := make([]*Rule, 0, len(file.Rules))
	for _, rf := range file.Rules {
		rule, err := c.rule(rf)
		if err != nil {
			return nil, nil, err
		}
		if seen[rule.ID] {
			return nil, nil, &RuleError{RuleID: rule.ID, Reason: "duplicate rule id"}
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return &file, rules, nil
}

type compiler struct {
	named    map[string]*yaml.Node
	compiled map[string]*Predicate
	visiting map[string]bool
	stack    []string
}

func (c *compiler) rule(rf ruleFile) (*Rule, error) {
	id := strings.TrimSpace(rf.ID)
	if id == "" {
		return nil, &RuleError{Reason: "rule without id"}
	}
	category := ioc.Category(rf.Category)
	if category == "" {
		return nil, &RuleError{RuleID: id, Reason: "empty category"}
	}
	if !ioc.ValidCategory(category) {
		return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("invalid category %q", rf.Category)}
	}
	severity, err := ioc.ParseSeverity(rf.Severity)
	if err != nil {
		return nil, &RuleError{RuleID: id, Reason: err.Error()}
	}
	var kinds []document.Kind
	for _, name := range rf.AppliesTo {
		kind, err := document.ParseKind(name)
		if err != nil {
			return nil, &RuleError{RuleID: id, Reason: err.Error()}
		}
		kinds = append(kinds, kind)
	}
	if rf.Match.Kind == 0 {
		return nil, &RuleError{RuleID: id, Reason: "missing match predicate"}
	}
	pred, err := c.compile(id, &rf.Match)
	if err != nil {
		return nil, err
	}
	return &Rule{
		ID:          id,
		Description: strings.TrimSpace(rf.Description),
		Category:    category,
		Severity:    severity,
		AppliesTo:   kinds,
		Predicate:   pred,
		References:  rf.References,
	}, nil
}

// resolve compiles a named predicate once and returns the shared tree.
func (c *compiler) resolve(id, name string) (*Predicate, error) {
	if p, ok := c.compiled[name]; ok {
		return p, nil
	}
	node, ok := c.named[name]
	if !ok {
		return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("reference to unknown predicate %q", name)}
	}
	if c.visiting[name] {
		cycle := append(append([]string{}, c.stack...), name)
		return nil, &RuleError{RuleID: id, Reason: "cyclic predicate reference: " + strings.Join(cycle, " -> ")}
	}
	c.visiting[name] = true
	c.stack = append(c.stack, name)
	p, err := c.compile(id, node)
	c.stack = c.stack[:len(c.stack)-1]
	delete(c.visiting, name)
	if err != nil {
		return nil, err
	}
	c.compiled[name] = p
	return p, nil
}

func (c *compiler) compile(id string, n *yaml.Node) (*Predicate, error) {
	if n.Kind != yaml.MappingNode {
		return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("line %d: predicate must be a mapping with one operator", n.Line)}
	}

	var op Op
	var value *yaml.Node
	options := map[string]*yaml.Node{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		if known, ok := operators[key]; ok {
			if op != "" {
				return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("line %d: more than one operator on a node (%s, %s)", n.Line, op, key)}
			}
			op, value = known, val
			continue
		}
		switch key {
		case "case_sensitive", "in":
			options[key] = val
		default:
			return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("line %d: unknown predicate operator %q", n.Content[i].Line, key)}
		}
	}
	if op == "" {
		return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("line %d: predicate has no operator", n.Line)}
	}

	p := &Predicate{Op: op}
	for key, val := range options {
		if !optionAllowed(op, key) {
			return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("option %s is not valid on %s", key, op)}
		}
		switch key {
		case "in":
			kind, err := document.ParseKind(val.Value)
			if err != nil {
				return nil, &RuleError{RuleID: id, Reason: err.Error()}
			}
			p.In = kind
		case "case_sensitive":
			if err := val.Decode(&p.CaseSensitive); err != nil {
				return nil, &RuleError{RuleID: id, Reason: "case_sensitive must be a boolean"}
			}
		}
	}

	switch op {
	case OpLiteral:
		if err := value.Decode(&p.Value); err != nil || p.Value == "" {
			return nil, &RuleError{RuleID: id, Reason: "literal needs a non-empty string"}
		}
		if !p.CaseSensitive {
			p.Value = strings.ToLower(p.Value)
		}
	case OpRegex:
		if err := value.Decode(&p.Value); err != nil || p.Value == "" {
			return nil, &RuleError{RuleID: id, Reason: "regex needs a non-empty pattern"}
		}
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("invalid regex %q: %v", p.Value, err)}
		}
		p.Regexp = re
	case OpProximity:
		if err := c.proximity(id, value, p); err != nil {
			return nil, err
		}
	case OpUnicode:
		cats, err := unicodeCategories(value)
		if err != nil {
			return nil, &RuleError{RuleID: id, Reason: err.Error()}
		}
		p.Categories = cats
	case OpAll, OpAny:
		if value.Kind != yaml.SequenceNode || len(value.Content) == 0 {
			return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("%s needs a non-empty list of predicates", op)}
		}
		for _, child := range value.Content {
			cp, err := c.compile(id, child)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, cp)
		}
	case OpNot:
		cp, err := c.compile(id, value)
		if err != nil {
			return nil, err
		}
		p.Children = []*Predicate{cp}
	case OpRef:
		var name string
		if err := value.Decode(&name); err != nil || name == "" {
			return nil, &RuleError{RuleID: id, Reason: "ref needs a predicate name"}
		}
		return c.resolve(id, name)
	}
	return p, nil
}

func optionAllowed(op Op, key string) bool {
	switch key {
	case "case_sensitive":
		return op == OpLiteral
	case "in":
		return op == OpLiteral || op == OpRegex || op == OpProximity
	}
	return false
}

type proximityFile struct {
	A      []string `yaml:"a"`
	B      []string `yaml:"b"`
	ARef   string   `yaml:"a_ref"`
	BRef   string   `yaml:"b_ref"`
	Within *int     `yaml:"within"`
}

func (c *compiler) proximity(id string, value *yaml.Node, p *Predicate) error {
	var pf proximityFile
	if err := value.Decode(&pf); err != nil {
		return &RuleError{RuleID: id, Reason: "malformed proximity: " + err.Error()}
	}
	if pf.Within == nil || *pf.Within < 0 {
		return &RuleError{RuleID: id, Reason: "proximity needs a non-negative within"}
	}
	p.Within = *pf.Within

	var err error
	if p.Near, err = c.side(id, "a", pf.A, pf.ARef); err != nil {
		return err
	}
	if p.Far, err = c.side(id, "b", pf.B, pf.BRef); err != nil {
		return err
	}
	return nil
}

// side builds one proximity matcher from either a token list or a
// reference to a named literal or regex leaf.
func (c *compiler) side(id, name string, tokens []string, ref string) (*regexp.Regexp, error) {
	switch {
	case len(tokens) > 0 && ref != "":
		return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("proximity side %s has both tokens and a reference", name)}
	case len(tokens) > 0:
		quoted := make([]string, len(tokens))
		for i, t := range tokens {
			quoted[i] = regexp.QuoteMeta(t)
		}
		return regexp.MustCompile("(?i)(?:" + strings.Join(quoted, "|") + ")"), nil
	case ref != "":
		target, err := c.resolve(id, ref)
		if err != nil {
			return nil, err
		}
		switch target.Op {
		case OpRegex:
			return target.Regexp, nil
		case OpLiteral:
			if target.CaseSensitive {
				return regexp.MustCompile(regexp.QuoteMeta(target.Value)), nil
			}
			return regexp.MustCompile("(?i)" + regexp.QuoteMeta(target.Value)), nil
		}
		return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("proximity reference %q must name a literal or regex predicate", ref)}
	}
	return nil, &RuleError{RuleID: id, Reason: fmt.Sprintf("proximity side %s is empty", name)}
}

func unicodeCategories(value *yaml.Node) ([]unicode.Category, error) {
	var names []string
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Value != "any" {
			names = []string{value.Value}
		}
	case yaml.SequenceNode:
		if err := value.Decode(&names); err != nil {
			return nil, fmt.Errorf("unicode needs a list of categories")
		}
	default:
		return nil, fmt.Errorf("unicode needs a list of categories")
	}
	cats := make([]unicode.Category, 0, len(names))
	for _, name := range names {
		cat := unicode.Category(name)
		if !unicode.ValidCategory(cat) {
			return nil, fmt.Errorf("unknown unicode category %q", name)
		}
		cats = append(cats, cat)
	}
	return cats, nil
}
