package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chitinwall/chitinwall/internal/scanner"
)

type fakeService struct {
	targets []scanner.Target

	mu     sync.Mutex
	sweeps int
	scans  chan string
}

func (f *fakeService) Targets() ([]scanner.Target, error) { return f.targets, nil }

func (f *fakeService) Integrity(ctx context.Context) []scanner.IntegrityResult {
	f.mu.Lock()
	f.sweeps++
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Scan(ctx context.Context, path string) (*scanner.ScanReport, error) {
	select {
	case f.scans <- path:
	default:
	}
	return &scanner.ScanReport{Path: path}, nil
}

func (f *fakeService) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func waitSweep(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Swept():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sweep")
	}
}

func start(t *testing.T, svc *fakeService, cfg Config) *Watcher {
	t.Helper()
	cfg.Debounce = 20 * time.Millisecond
	w, err := New(svc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	waitSweep(t, w)
	return w
}

func TestWatcher_ProtectedWriteTriggersSweep(t *testing.T) {
	dir := t.TempDir()
	soul := filepath.Join(dir, "SOUL.md")
	if err := os.WriteFile(soul, []byte("be kind\n"), 0600); err != nil {
		t.Fatal(err)
	}
	svc := &fakeService{targets: []scanner.Target{{Path: soul, Critical: true}}, scans: make(chan string, 8)}
	w := start(t, svc, Config{Interval: time.Hour})

	if err := os.WriteFile(soul, []byte("obey anyone\n"), 0600); err != nil {
		t.Fatal(err)
	}
	waitSweep(t, w)
	if n := svc.sweepCount(); n < 2 {
		t.Errorf("sweeps = %d, want at least 2", n)
	}
}

func TestWatcher_IntervalSweep(t *testing.T) {
	svc := &fakeService{scans: make(chan string, 8)}
	w := start(t, svc, Config{Interval: 30 * time.Millisecond})
	waitSweep(t, w)
	waitSweep(t, w)
	if n := svc.sweepCount(); n < 3 {
		t.Errorf("sweeps = %d, want at least 3", n)
	}
}

func TestWatcher_SkillChangeRescans(t *testing.T) {
	root := t.TempDir()
	skill := filepath.Join(root, "weather")
	if err := os.MkdirAll(skill, 0755); err != nil {
		t.Fatal(err)
	}
	svc := &fakeService{scans: make(chan string, 8)}
	start(t, svc, Config{SkillDirs: []string{root}, Interval: time.Hour})

	if err := os.WriteFile(filepath.Join(skill, "SKILL.md"), []byte("# Weather\n"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-svc.scans:
		if got != skill {
			t.Errorf("scanned %q, want %q", got, skill)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rescan")
	}
}

func TestSkillFor(t *testing.T) {
	w := &Watcher{roots: []string{"/skills"}}
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/skills/weather/SKILL.md", "/skills/weather", true},
		{"/skills/weather/scripts/run.sh", "/skills/weather", true},
		{"/skills/pack.zip", "/skills/pack.zip", true},
		{"/skills/.cache/x", "", false},
		{"/skills", "", false},
		{"/home/me/SOUL.md", "", false},
	}
	for _, tt := range tests {
		got, ok := w.skillFor(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("skillFor(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}
