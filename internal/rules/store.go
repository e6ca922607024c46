package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Holder publishes the active corpus. Scans load it once and keep using
// that corpus even if a newer one is swapped in meanwhile.
type Holder struct {
	current atomic.Pointer[Corpus]
}

// NewHolder returns a holder publishing c.
func NewHolder(c *Corpus) *Holder {
	h := &Holder{}
	h.current.Store(c)
	return h
}

// Load returns the active corpus.
func (h *Holder) Load() *Corpus { return h.current.Load() }

// Swap publishes c and returns the corpus it replaced.
func (h *Holder) Swap(c *Corpus) *Corpus { return h.current.Swap(c) }

const currentFile = "CURRENT"

// VersionInfo describes one installed corpus version.
type VersionInfo struct {
	Version string
	Path    string
	Active  bool
}

// Store keeps installed corpus versions under dir as <version>.yaml plus
// a CURRENT file naming the active one. Packs from packsDir are merged on
// every activation.
type Store struct {
	dir      string
	packsDir string
	holder   *Holder
	log      *slog.Logger

	mu sync.Mutex
}

func NewStore(dir, packsDir string, holder *Holder, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{dir: dir, packsDir: packsDir, holder: holder, log: log}
}

// Holder returns the holder the store activates into.
func (s *Store) Holder() *Holder { return s.holder }

// Install validates data as a corpus and writes it to the store. It does
// not activate it.
func (s *Store) Install(data []byte) (string, error) {
	corpus, err := Load(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", fmt.Errorf("creating corpus store: %w", err)
	}
	if err := writeFileAtomic(s.versionPath(corpus.Version), data); err != nil {
		return "", fmt.Errorf("installing corpus %s: %w", corpus.Version, err)
	}
	s.log.Info("corpus installed", "version", corpus.Version, "rules", corpus.Len())
	return corpus.Version, nil
}

// Activate loads an installed version, merges packs and swaps it into the
// holder. On any failure the previously active corpus stays in effect.
func (s *Store) Activate(version string) (*Corpus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	corpus, err := s.load(version)
	if err != nil {
		s.log.Warn("corpus activation failed, keeping previous corpus",
			"version", version, "active", versionOf(s.holder.Load()), "error", err)
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, currentFile), []byte(version+"\n")); err != nil {
		return nil, fmt.Errorf("recording active corpus: %w", err)
	}
	previous := s.holder.Swap(corpus)
	s.log.Info("corpus activated", "version", corpus.Version, "previous", versionOf(previous), "rules", corpus.Len())
	return corpus, nil
}

// Reload re-merges packs over the current base version. It is what the
// agent runs after a pack is added or removed.
func (s *Store) Reload() (*Corpus, error) {
	version, err := s.Current()
	if err != nil {
		return nil, err
	}
	if version == "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		corpus, _, err := LoadPacks(s.packsDir, Default())
		if err != nil {
			return nil, err
		}
		s.holder.Swap(corpus)
		return corpus, nil
	}
	return s.Activate(version)
}

// Open activates whatever CURRENT names, or the built-in corpus when the
// store is empty. It is used at startup.
func (s *Store) Open() (*Corpus, error) {
	version, err := s.Current()
	if err != nil {
		return nil, err
	}
	if version != "" {
		return s.Activate(version)
	}
	return s.Reload()
}

// Current returns the version named by CURRENT, or "" if none.
func (s *Store) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading active corpus pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// List returns the installed versions in lexical order.
func (s *Store) List() ([]VersionInfo, error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing corpus store: %w", err)
	}
	var infos []VersionInfo
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		infos = append(infos, VersionInfo{
			Version: version,
			Path:    filepath.Join(s.dir, entry.Name()),
			Active:  version == current,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Version < infos[j].Version })
	return infos, nil
}

// Base returns the corpus packs are merged over: the version CURRENT
// names, or the built-in corpus when the store is empty.
func (s *Store) Base() (*Corpus, error) {
	version, err := s.Current()
	if err != nil {
		return nil, err
	}
	if version == "" {
		return Default(), nil
	}
	return s.loadBase(version)
}

// Packs merges the packs directory over Base without activating the
// result.
func (s *Store) Packs() (*Corpus, []PackInfo, error) {
	base, err := s.Base()
	if err != nil {
		return nil, nil, err
	}
	return LoadPacks(s.packsDir, base)
}

// Fallback publishes the built-in corpus, merged with packs when they
// load, and returns it. Startup uses it when Open fails.
func (s *Store) Fallback() *Corpus {
	s.mu.Lock()
	defer s.mu.Unlock()
	corpus, _, err := LoadPacks(s.packsDir, Default())
	if err != nil {
		s.log.Warn("rule packs skipped in fallback corpus", "error", err)
		corpus = Default()
	}
	previous := s.holder.Swap(corpus)
	s.log.Warn("using fallback corpus", "version", corpus.Version, "previous", versionOf(previous))
	return corpus
}

func (s *Store) loadBase(version string) (*Corpus, error) {
	if !versionPattern.MatchString(version) {
		return nil, &RuleError{Reason: fmt.Sprintf("invalid corpus version %q", version)}
	}
	base, err := LoadFile(s.versionPath(version))
	if err != nil {
		return nil, err
	}
	if base.Version != version {
		return nil, &RuleError{Reason: fmt.Sprintf("corpus file for %s declares version %s", version, base.Version)}
	}
	return base, nil
}

func (s *Store) load(version string) (*Corpus, error) {
	base, err := s.loadBase(version)
	if err != nil {
		return nil, err
	}
	corpus, _, err := LoadPacks(s.packsDir, base)
	return corpus, err
}

func versionOf(c *Corpus) string {
	if c == nil {
		return ""
	}
	return c.Version
}

func (s *Store) versionPath(version string) string {
	return filepath.Join(s.dir, version+".yaml")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
