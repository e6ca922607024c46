package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Skill is one installed skill found by DiscoverSkills.
type Skill struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ProtectedPath is a configured protected file or glob of files.
// Critical files lock the agent down when they drift.
type ProtectedPath struct {
	Pattern  string `json:"pattern"`
	Critical bool   `json:"critical"`
}

// Target is a concrete protected file.
type Target struct {
	Path     string `json:"path"`
	Critical bool   `json:"critical"`
}

func containsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// absPattern makes the literal prefix of pattern absolute and keeps the
// glob part as written.
func absPattern(pattern string) (string, error) {
	base, rest := doublestar.SplitPattern(filepath.ToSlash(pattern))
	abs, err := filepath.Abs(filepath.FromSlash(base))
	if err != nil {
		return "", err
	}
	if rest == "" {
		return abs, nil
	}
	return filepath.ToSlash(abs) + "/" + rest, nil
}

// DiscoverSkills lists the skills under each directory: every
// subdirectory and every .zip or .skill archive. Entries in dirs may be
// doublestar globs naming several skill roots.
func DiscoverSkills(dirs []string) ([]Skill, error) {
	seen := make(map[string]bool)
	var skills []Skill
	for _, dir := range dirs {
		roots, err := expandDir(dir)
		if err != nil {
			return nil, err
		}
		for _, root := range roots {
			entries, err := os.ReadDir(root)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("listing skills in %s: %w", root, err)
			}
			for _, entry := range entries {
				name := entry.Name()
				if strings.HasPrefix(name, ".") {
					continue
				}
				ext := strings.ToLower(filepath.Ext(name))
				if !entry.IsDir() && ext != ".zip" && ext != ".skill" {
					continue
				}
				p := filepath.Join(root, name)
				if seen[p] {
					continue
				}
				seen[p] = true
				skills = append(skills, Skill{Name: strings.TrimSuffix(name, ext), Path: p})
			}
		}
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Path < skills[j].Path })
	return skills, nil
}

func expandDir(dir string) ([]string, error) {
	if !containsGlob(dir) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}
	pattern, err := absPattern(dir)
	if err != nil {
		return nil, err
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}
	var roots []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			roots = append(roots, m)
		}
	}
	return roots, nil
}

// Targets expands the protected paths into files. A plain path is always
// a target so its deletion is seen. A glob matches existing files plus
// any baselined path it covers, for the same reason. A path named by
// several entries is critical if any entry says so.
func (s *Service) Targets() ([]Target, error) {
	critical := make(map[string]bool)
	add := func(p string, c bool) {
		p = filepath.Clean(p)
		critical[p] = critical[p] || c
	}

	var baselined []string
	for _, pp := range s.protected {
		if !containsGlob(pp.Pattern) {
			abs, err := filepath.Abs(pp.Pattern)
			if err != nil {
				return nil, err
			}
			add(abs, pp.Critical)
			continue
		}
		pattern, err := absPattern(pp.Pattern)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("protected pattern %s: %w", pp.Pattern, err)
		}
		for _, m := range matches {
			add(m, pp.Critical)
		}
		if baselined == nil {
			baselined, err = s.verifier.BaselinedPaths()
			if err != nil {
				return nil, err
			}
		}
		for _, p := range baselined {
			if ok, _ := doublestar.PathMatch(filepath.FromSlash(pattern), p); ok {
				add(p, pp.Critical)
			}
		}
	}

	targets := make([]Target, 0, len(critical))
	for p, c := range critical {
		targets = append(targets, Target{Path: p, Critical: c})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Path < targets[j].Path })
	return targets, nil
}
