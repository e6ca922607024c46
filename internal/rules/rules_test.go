package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chitinwall/chitinwall/internal/document"
	"github.com/chitinwall/chitinwall/internal/ioc"
)

const minimalCorpus = `
version: "1.0.0"
predicates:
  net: {regex: '\b(curl|wget)\b'}
  decode: {literal: "base64 -d"}
rules:
  - id: b-rule
    category: exfiltration
    severity: high
    applies_to: [code]
    match:
      proximity: {a_ref: decode, b_ref: net, within: 2}
  - id: a-rule
    category: prompt-injection
    severity: medium
    applies_to: [prose, extracted_literal]
    match:
      any:
        - literal: Ignore Previous Instructions
        - all:
            - regex: 'system'
            - not: {ref: net}
`

func TestDefault(t *testing.T) {
	c := Default()
	if c.Version == "" || c.Len() == 0 {
		t.Fatalf("built-in corpus is empty: %+v", c)
	}
	for i := 1; i < len(c.Rules); i++ {
		if c.Rules[i-1].ID >= c.Rules[i].ID {
			t.Errorf("rules not sorted by id at %d: %s >= %s", i, c.Rules[i-1].ID, c.Rules[i].ID)
		}
	}
	var critical bool
	for _, r := range c.Rules {
		if r.Category == ioc.CategoryPrivilegeEscalation && r.Severity == ioc.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Error("built-in corpus should carry a critical privilege-escalation rule")
	}
	if _, ok := c.Rule("exfil-decode-then-send"); !ok {
		t.Error("expected exfil-decode-then-send in built-in corpus")
	}
}

func TestLoad(t *testing.T) {
	c, err := Load([]byte(minimalCorpus))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Version != "1.0.0" || c.Len() != 2 {
		t.Fatalf("unexpected corpus: version=%s rules=%d", c.Version, c.Len())
	}
	if c.Rules[0].ID != "a-rule" {
		t.Errorf("rules should be sorted, first is %s", c.Rules[0].ID)
	}

	a, _ := c.Rule("a-rule")
	if !a.Applies(document.KindLiteral) || a.Applies(document.KindCode) {
		t.Error("applies_to not honoured")
	}
	lit := a.Predicate.Children[0]
	if lit.Op != OpLiteral || lit.Value != "ignore previous instructions" {
		t.Errorf("literal should be folded to lowercase, got %+v", lit)
	}
	notRef := a.Predicate.Children[1].Children[1].Children[0]
	if notRef.Op != OpRegex {
		t.Errorf("ref should be inlined, got op %s", notRef.Op)
	}

	b, _ := c.Rule("b-rule")
	if b.Predicate.Near == nil || b.Predicate.Far == nil || b.Predicate.Within != 2 {
		t.Errorf("proximity not compiled: %+v", b.Predicate)
	}
	if !b.Predicate.Near.MatchString("echo x | BASE64 -D") {
		t.Error("literal proximity side should be case-insensitive")
	}
}

func TestLoad_Errors(t *testing.T) {
	rule := func(match string) string {
		return "version: v1\nrules:\n  - id: r1\n    category: exfiltration\n    severity: low\n    match: " + match + "\n"
	}
	tests := []struct {
		name   string
		data   string
		ruleID string
		reason string
	}{
		{
			name:   "cycle",
			data:   "version: v1\npredicates:\n  a: {ref: b}\n  b: {any: [{ref: a}]}\nrules: []\n",
			ruleID: "predicates.a",
			reason: "cyclic predicate reference: a -> b -> a",
		},
		{name: "unknown operator", data: rule("{contains: x}"), ruleID: "r1", reason: "unknown predicate operator"},
		{name: "two operators", data: rule("{literal: x, regex: y}"), ruleID: "r1", reason: "more than one operator"},
		{name: "no operator", data: rule("{in: code}"), ruleID: "r1", reason: "no operator"},
		{name: "invalid regex", data: rule("{regex: '(unclosed'}"), ruleID: "r1", reason: "invalid regex"},
		{name: "unknown ref", data: rule("{ref: missing}"), ruleID: "r1", reason: "unknown predicate"},
		{name: "bad option", data: rule("{regex: x, case_sensitive: true}"), ruleID: "r1", reason: "not valid on regex"},
		{name: "unicode category", data: rule("{unicode: [emoji]}"), ruleID: "r1", reason: "unknown unicode category"},
		{name: "proximity without within", data: rule("{proximity: {a: [x], b: [y]}}"), ruleID: "r1", reason: "within"},
		{name: "empty all", data: rule("{all: []}"), ruleID: "r1", reason: "non-empty list"},
		{
			name:   "duplicate id",
			data:   "version: v1\nrules:\n  - {id: r1, category: x, severity: low, match: {literal: a}}\n  - {id: r1, category: x, severity: low, match: {literal: b}}\n",
			ruleID: "r1",
			reason: "duplicate rule id",
		},
		{
			name:   "unknown kind",
			data:   "version: v1\nrules:\n  - {id: r1, category: x, severity: low, applies_to: [binary], match: {literal: a}}\n",
			ruleID: "r1",
			reason: "unknown section kind",
		},
		{
			name:   "invalid severity",
			data:   "version: v1\nrules:\n  - {id: r1, category: x, severity: urgent, match: {literal: a}}\n",
			ruleID: "r1",
			reason: "unknown severity",
		},
		{
			name:   "empty category",
			data:   "version: v1\nrules:\n  - {id: r1, severity: low, match: {literal: a}}\n",
			ruleID: "r1",
			reason: "empty category",
		},
		{name: "missing version", data: "rules: []\n", reason: "missing corpus version"},
		{name: "unsafe version", data: "version: ../x\nrules: []\n", reason: "invalid corpus version"},
		{name: "malformed yaml", data: "version: [\n", reason: "malformed YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data))
			var rerr *RuleError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected RuleError, got %v", err)
			}
			if rerr.RuleID != tt.ruleID {
				t.Errorf("rule id: got %q, want %q", rerr.RuleID, tt.ruleID)
			}
			if !strings.Contains(rerr.Reason, tt.reason) {
				t.Errorf("reason %q does not mention %q", rerr.Reason, tt.reason)
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

const packRules = `
rules:
  - id: pack-rule
    category: supply-chain
    severity: low
    match: {literal: npm install}
`

func TestLoadPacks(t *testing.T) {
	base, err := Load([]byte(minimalCorpus))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	merged, infos, err := LoadPacks(filepath.Join(dir, "missing"), base)
	if err != nil || merged != base || infos != nil {
		t.Fatalf("missing pack dir should return base unchanged: %v", err)
	}

	writeFile(t, filepath.Join(dir, "extra.yaml"), packRules)
	writeFile(t, filepath.Join(dir, "_disabled.yaml"), "rules:\n  - {id: off, category: x, severity: low, match: {literal: z}}\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	merged, infos, err = LoadPacks(dir, base)
	if err != nil {
		t.Fatalf("LoadPacks: %v", err)
	}
	if merged.Len() != 3 {
		t.Errorf("expected 3 rules, got %d", merged.Len())
	}
	if _, ok := merged.Rule("off"); ok {
		t.Error("underscore pack should be disabled")
	}
	if !strings.HasPrefix(merged.Version, "1.0.0+") || len(merged.Version) != len("1.0.0+")+12 {
		t.Errorf("merged version: %s", merged.Version)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 pack infos, got %d", len(infos))
	}
	if infos[0].Name != "_disabled" || infos[0].Enabled {
		t.Errorf("first info: %+v", infos[0])
	}

	again, _, err := LoadPacks(dir, base)
	if err != nil || again.Version != merged.Version {
		t.Error("merged version should be stable for unchanged packs")
	}

	writeFile(t, filepath.Join(dir, "clash.yaml"), "rules:\n  - {id: a-rule, category: x, severity: low, match: {literal: z}}\n")
	_, _, err = LoadPacks(dir, base)
	var rerr *RuleError
	if !errors.As(err, &rerr) || rerr.RuleID != "a-rule" {
		t.Errorf("expected duplicate id error across packs, got %v", err)
	}
}

func TestStore_InstallActivate(t *testing.T) {
	dir := t.TempDir()
	holder := NewHolder(Default())
	store := NewStore(filepath.Join(dir, "corpus"), filepath.Join(dir, "rules.d"), holder, nil)

	version, err := store.Install([]byte(minimalCorpus))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if version != "1.0.0" {
		t.Errorf("version: %s", version)
	}
	if holder.Load() != Default() {
		t.Error("Install must not activate")
	}

	c, err := store.Activate("1.0.0")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if holder.Load() != c || c.Version != "1.0.0" {
		t.Error("holder should publish the activated corpus")
	}
	current, _ := store.Current()
	if current != "1.0.0" {
		t.Errorf("CURRENT: %q", current)
	}

	infos, err := store.List()
	if err != nil || len(infos) != 1 || !infos[0].Active {
		t.Errorf("List: %+v, %v", infos, err)
	}

	if _, err := store.Install([]byte("version: 2.0.0\nrules:\n  - {id: x}\n")); err == nil {
		t.Error("invalid corpus should not install")
	}
	if _, err := os.Stat(filepath.Join(dir, "corpus", "2.0.0.yaml")); !os.IsNotExist(err) {
		t.Error("invalid corpus written to store")
	}
}

func TestStore_FailedActivationKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	holder := NewHolder(Default())
	store := NewStore(filepath.Join(dir, "corpus"), filepath.Join(dir, "rules.d"), holder, nil)

	if _, err := store.Activate("9.9.9"); err == nil {
		t.Fatal("activating a missing version should fail")
	}
	if holder.Load() != Default() {
		t.Error("failed activation replaced the active corpus")
	}

	// A version that turns invalid on disk after install.
	if _, err := store.Install([]byte(minimalCorpus)); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "corpus", "1.0.0.yaml"), "version: 1.0.0\nrules:\n  - {id: r, category: x, severity: low, match: {nope: 1}}\n")
	_, err := store.Activate("1.0.0")
	var rerr *RuleError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RuleError, got %v", err)
	}
	if holder.Load() != Default() {
		t.Error("failed activation replaced the active corpus")
	}
}

func TestStore_OpenEmptyUsesDefault(t *testing.T) {
	dir := t.TempDir()
	holder := NewHolder(nil)
	store := NewStore(filepath.Join(dir, "corpus"), filepath.Join(dir, "rules.d"), holder, nil)
	c, err := store.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Version != Default().Version || holder.Load() != c {
		t.Errorf("expected built-in corpus, got %s", c.Version)
	}
}

func TestStore_PacksMergeOverActiveBase(t *testing.T) {
	dir := t.TempDir()
	packs := filepath.Join(dir, "rules.d")
	store := NewStore(filepath.Join(dir, "corpus"), packs, NewHolder(Default()), nil)
	if err := os.MkdirAll(packs, 0700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(packs, "extra.yaml"), packRules)

	merged, _, err := store.Packs()
	if err != nil || !strings.HasPrefix(merged.Version, Default().Version+"+") {
		t.Fatalf("Packs over the built-in corpus: %v, %v", merged, err)
	}

	if _, err := store.Install([]byte(minimalCorpus)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Activate("1.0.0"); err != nil {
		t.Fatal(err)
	}
	base, err := store.Base()
	if err != nil || base.Version != "1.0.0" {
		t.Fatalf("Base: %v, %v", base, err)
	}
	merged, infos, err := store.Packs()
	if err != nil || !strings.HasPrefix(merged.Version, "1.0.0+") || len(infos) != 1 {
		t.Errorf("Packs over the active version: %v, %v", merged, err)
	}

	// A pack that only clashes with the active base.
	writeFile(t, filepath.Join(packs, "clash.yaml"), "rules:\n  - {id: a-rule, category: x, severity: low, match: {literal: z}}\n")
	if _, _, err := store.Packs(); err == nil {
		t.Error("pack clashing with the active base should fail")
	}
}

func TestStore_Fallback(t *testing.T) {
	dir := t.TempDir()
	packs := filepath.Join(dir, "rules.d")
	holder := NewHolder(nil)
	store := NewStore(filepath.Join(dir, "corpus"), packs, holder, nil)

	if err := os.MkdirAll(filepath.Join(dir, "corpus"), 0700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "corpus", "CURRENT"), "7.7.7\n")
	if _, err := store.Open(); err == nil {
		t.Fatal("Open with a dangling CURRENT should fail")
	}
	if c := store.Fallback(); c != Default() || holder.Load() != c {
		t.Errorf("fallback without packs: %v", c)
	}

	if err := os.MkdirAll(packs, 0700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(packs, "extra.yaml"), packRules)
	if c := store.Fallback(); !strings.HasPrefix(c.Version, Default().Version+"+") {
		t.Errorf("fallback should keep valid packs, got %s", c.Version)
	}
	writeFile(t, filepath.Join(packs, "broken.yaml"), "rules: [\n")
	if c := store.Fallback(); c != Default() || holder.Load() != Default() {
		t.Errorf("fallback with a broken pack should be the built-in corpus, got %s", c.Version)
	}
}
