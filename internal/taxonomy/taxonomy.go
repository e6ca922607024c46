// Package taxonomy describes IOC categories for operators: what each one
// means, what to do about it, and which OWASP LLM and MITRE ATT&CK
// entries it maps to.
package taxonomy

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chitinwall/chitinwall/internal/ioc"
)

//go:embed categories.yaml
var builtin []byte

// Standard is an external framework categories are mapped onto.
type Standard struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
	URL     string `yaml:"url"`
	Items   []Item `yaml:"items"`
}

// Item is one entry of a standard.
type Item struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Entry documents one IOC category. Compliance maps a standard id to the
// item ids the category corresponds to.
type Entry struct {
	ID             ioc.Category        `yaml:"id" json:"id"`
	Name           string              `yaml:"name" json:"name"`
	Abstract       string              `yaml:"abstract" json:"abstract"`
	Recommendation string              `yaml:"recommendation" json:"recommendation"`
	Compliance     map[string][]string `yaml:"compliance,omitempty" json:"compliance,omitempty"`
}

// Mapping is a resolved compliance reference.
type Mapping struct {
	Standard string `json:"standard"`
	ItemID   string `json:"item"`
	ItemName string `json:"name"`
}

// Catalog is a validated set of categories and standards.
type Catalog struct {
	Standards []Standard
	entries   map[ioc.Category]*Entry
	items     map[string]map[string]Item
}

type catalogFile struct {
	Standards  []Standard `yaml:"standards"`
	Categories []Entry    `yaml:"categories"`
}

// Load parses a catalog. Every compliance reference must name a declared
// standard item.
func Load(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{
		Standards: f.Standards,
		entries:   make(map[ioc.Category]*Entry, len(f.Categories)),
		items:     make(map[string]map[string]Item, len(f.Standards)),
	}
	for _, s := range f.Standards {
		if s.ID == "" {
			return nil, fmt.Errorf("standard without id")
		}
		idx := make(map[string]Item, len(s.Items))
		for _, it := range s.Items {
			idx[it.ID] = it
		}
		c.items[s.ID] = idx
	}
	for i := range f.Categories {
		e := &f.Categories[i]
		if !ioc.ValidCategory(e.ID) {
			return nil, fmt.Errorf("invalid category id %q", e.ID)
		}
		if _, dup := c.entries[e.ID]; dup {
			return nil, fmt.Errorf("duplicate category %q", e.ID)
		}
		for std, ids := range e.Compliance {
			idx, ok := c.items[std]
			if !ok {
				return nil, fmt.Errorf("category %s: unknown standard %q", e.ID, std)
			}
			for _, id := range ids {
				if _, ok := idx[id]; !ok {
					return nil, fmt.Errorf("category %s: %s has no item %q", e.ID, std, id)
				}
			}
		}
		c.entries[e.ID] = e
	}
	return c, nil
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the built-in catalog. It panics if the embedded file is
// invalid, which the package tests rule out.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(builtin)
		if err != nil {
			panic("taxonomy: built-in catalog: " + err.Error())
		}
		defaultCat = c
	})
	return defaultCat
}

// Lookup returns the entry for a category. Packs may introduce categories
// the catalog does not describe.
func (c *Catalog) Lookup(cat ioc.Category) (*Entry, bool) {
	e, ok := c.entries[cat]
	return e, ok
}

// Categories lists the described categories sorted by id.
func (c *Catalog) Categories() []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mappings resolves an entry's compliance references, ordered by standard
// as declared and then by item id.
func (c *Catalog) Mappings(e *Entry) []Mapping {
	var out []Mapping
	for _, s := range c.Standards {
		ids := append([]string(nil), e.Compliance[s.ID]...)
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, Mapping{Standard: s.Name, ItemID: id, ItemName: c.items[s.ID][id].Name})
		}
	}
	return out
}

// Covering lists the categories mapped to a standard item, for example
// all categories that correspond to LLM01.
func (c *Catalog) Covering(standard, item string) []ioc.Category {
	var out []ioc.Category
	for _, e := range c.Categories() {
		for _, id := range e.Compliance[standard] {
			if id == item {
				out = append(out, e.ID)
				break
			}
		}
	}
	return out
}
