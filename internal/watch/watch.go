// Package watch runs the agent daemon loop: it watches protected files
// and installed skills with fsnotify, re-checks integrity on change and
// on a fixed interval, and rescans skills that change on disk.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chitinwall/chitinwall/internal/scanner"
)

const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultInterval = 5 * time.Minute
)

// Service is the part of scanner.Service the watcher drives.
type Service interface {
	Targets() ([]scanner.Target, error)
	Integrity(ctx context.Context) []scanner.IntegrityResult
	Scan(ctx context.Context, path string) (*scanner.ScanReport, error)
}

type Config struct {
	// SkillDirs are skill roots; a change under <root>/<skill> rescans
	// that skill.
	SkillDirs []string
	// Debounce collects bursts of events before acting on them.
	Debounce time.Duration
	// Interval is the period of the full integrity sweep.
	Interval time.Duration
	Logger   *slog.Logger
}

type Watcher struct {
	svc     Service
	cfg     Config
	log     *slog.Logger
	watcher *fsnotify.Watcher
	roots   []string

	pendingMu sync.Mutex
	sweep     bool
	skills    map[string]bool

	sweeps chan struct{}
}

func New(svc Service, cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		svc:     svc,
		cfg:     cfg,
		log:     cfg.Logger,
		watcher: fsw,
		skills:  make(map[string]bool),
		sweeps:  make(chan struct{}, 1),
	}
	for _, dir := range cfg.SkillDirs {
		if abs, err := filepath.Abs(dir); err == nil {
			w.roots = append(w.roots, abs)
		}
	}
	return w, nil
}

// Swept delivers a value after each completed integrity sweep. Only the
// latest is kept if nobody reads.
func (w *Watcher) Swept() <-chan struct{} { return w.sweeps }

// Run sweeps once, then watches until ctx is done. It closes the
// underlying fsnotify watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for _, root := range w.roots {
		w.addRecursive(root)
	}
	w.runSweep(ctx)

	debounce := time.NewTicker(w.cfg.Debounce)
	defer debounce.Stop()
	interval := time.NewTicker(w.cfg.Interval)
	defer interval.Stop()

	w.log.Info("watcher started", "skill_dirs", w.roots, "interval", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", "error", err)

		case <-debounce.C:
			w.flush(ctx)

		case <-interval.C:
			w.runSweep(ctx)
		}
	}
}

// watchTargets watches the directory of every protected target, so that
// replacement by rename and deletion are seen as well as writes.
func (w *Watcher) watchTargets() {
	targets, err := w.svc.Targets()
	if err != nil {
		w.log.Error("expanding protected paths failed", "error", err)
		return
	}
	seen := make(map[string]bool)
	for _, t := range targets {
		dir := filepath.Dir(t.Path)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := w.watcher.Add(dir); err != nil && !os.IsNotExist(err) {
			w.log.Warn("failed to watch directory", "path", dir, "error", err)
		}
	}
}

func (w *Watcher) addRecursive(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.log.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// skillFor maps a path under a skill root to the skill it belongs to.
func (w *Watcher) skillFor(path string) (string, bool) {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if strings.HasPrefix(first, ".") {
			return "", false
		}
		return filepath.Join(root, first), true
	}
	return "", false
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if _, ok := w.skillFor(event.Name); ok {
				w.addRecursive(event.Name)
			}
		}
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if skill, ok := w.skillFor(event.Name); ok {
		w.skills[skill] = true
		return
	}
	w.sweep = true
}

func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	sweep := w.sweep
	skills := w.skills
	w.sweep = false
	w.skills = make(map[string]bool)
	w.pendingMu.Unlock()

	for skill := range skills {
		if ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(skill); err != nil {
			continue
		}
		if _, err := w.svc.Scan(ctx, skill); err != nil {
			w.log.Warn("rescan failed", "skill", skill, "error", err)
		}
	}
	if sweep {
		w.runSweep(ctx)
	}
}

func (w *Watcher) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	results := w.svc.Integrity(ctx)
	drifted := 0
	for _, r := range results {
		if r.Err == nil && r.Result.Drifted() {
			drifted++
		}
	}
	w.log.Debug("integrity sweep", "targets", len(results), "drifted", drifted)
	// New protected files may have appeared in new directories.
	w.watchTargets()

	select {
	case w.sweeps <- struct{}{}:
	default:
	}
}
