package rules

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// PackInfo summarises one rule pack for listing.
type PackInfo struct {
	Name      string
	Version   string
	Enabled   bool
	Path      string
	RuleCount int
}

// LoadPacks merges every enabled *.yaml pack in dir into base. Packs
// whose file name starts with an underscore are listed but disabled.
// Each pack keeps its own named predicates; rule ids must be unique
// across base and packs. The merged version is base's version plus the
// first 12 hex digits of a BLAKE3 hash over the enabled pack contents.
//
// Any invalid pack fails the whole merge so the caller keeps its current
// corpus.
func LoadPacks(dir string, base *Corpus) (*Corpus, []PackInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil, nil
		}
		return nil, nil, fmt.Errorf("reading rule packs: %w", err)
	}

	var infos []PackInfo
	merged := append([]*Rule{}, base.Rules...)
	h := blake3.New()
	enabledCount := 0

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		info := PackInfo{Name: name, Enabled: !strings.HasPrefix(name, "_"), Path: path}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading rule pack %s: %w", path, err)
		}
		file, rules, err := compileFile(data)
		if err != nil {
			if !info.Enabled {
				infos = append(infos, info)
				continue
			}
			return nil, nil, fmt.Errorf("rule pack %s: %w", name, err)
		}
		info.Version = file.Version
		info.RuleCount = len(rules)
		infos = append(infos, info)
		if !info.Enabled {
			continue
		}

		enabledCount++
		h.Write([]byte(entry.Name()))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
		merged = append(merged, rules...)
	}

	if enabledCount == 0 {
		return base, infos, nil
	}
	version := base.Version + "+" + hex.EncodeToString(h.Sum(nil))[:12]
	corpus, err := newCorpus(version, merged)
	if err != nil {
		return nil, nil, err
	}
	return corpus, infos, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
