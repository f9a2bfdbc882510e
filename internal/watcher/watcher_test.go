package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coachbot/internal/coaching"
)

const testDebounce = 50 * time.Millisecond

type reloads struct {
	mu      sync.Mutex
	scripts []*coaching.Script
}

func (r *reloads) add(s *coaching.Script) {
	r.mu.Lock()
	r.scripts = append(r.scripts, s)
	r.mu.Unlock()
}

func (r *reloads) last() (*coaching.Script, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scripts) == 0 {
		return nil, 0
	}
	return r.scripts[len(r.scripts)-1], len(r.scripts)
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func startWatcher(t *testing.T, path string, r *reloads) {
	t.Helper()
	w := New(path, r.add, WithDebounce(testDebounce))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watcher returned error: %v", err)
		}
	})
	// Give fsnotify time to register the directory.
	time.Sleep(50 * time.Millisecond)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	os.WriteFile(path, []byte("phase_seed: 20\n"), 0644)

	s, err := New(path, nil).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.PhaseSeed != 20 {
		t.Errorf("expected phase seed 20, got %d", s.PhaseSeed)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope.yaml"), nil).Load(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRun_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	os.WriteFile(path, []byte("phase_seed: 15\n"), 0644)

	r := &reloads{}
	startWatcher(t, path, r)

	os.WriteFile(path, []byte("phase_seed: 30\n"), 0644)

	ok := waitFor(t, func() bool {
		s, _ := r.last()
		return s != nil && s.PhaseSeed == 30
	})
	if !ok {
		t.Fatal("script was not reloaded")
	}
}

func TestRun_DebouncesBurst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	os.WriteFile(path, []byte("phase_seed: 15\n"), 0644)

	r := &reloads{}
	startWatcher(t, path, r)

	for _, seed := range []string{"21", "22", "23", "24"} {
		os.WriteFile(path, []byte("phase_seed: "+seed+"\n"), 0644)
	}

	ok := waitFor(t, func() bool {
		s, _ := r.last()
		return s != nil && s.PhaseSeed == 24
	})
	if !ok {
		t.Fatal("final write was not picked up")
	}
	if _, n := r.last(); n > 2 {
		t.Errorf("expected burst to collapse, got %d reloads", n)
	}
}

func TestRun_InvalidFileKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	os.WriteFile(path, []byte("phase_seed: 15\n"), 0644)

	r := &reloads{}
	startWatcher(t, path, r)

	os.WriteFile(path, []byte("phase_seed: 500\n"), 0644)
	time.Sleep(4 * testDebounce)
	if _, n := r.last(); n != 0 {
		t.Fatalf("invalid script must not be applied, got %d reloads", n)
	}

	os.WriteFile(path, []byte("phase_seed: 40\n"), 0644)
	ok := waitFor(t, func() bool {
		s, _ := r.last()
		return s != nil && s.PhaseSeed == 40
	})
	if !ok {
		t.Fatal("valid script after invalid one was not applied")
	}
}

func TestRun_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.yaml")
	os.WriteFile(path, []byte("phase_seed: 15\n"), 0644)

	r := &reloads{}
	startWatcher(t, path, r)

	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644)
	time.Sleep(4 * testDebounce)
	if _, n := r.last(); n != 0 {
		t.Errorf("expected no reloads, got %d", n)
	}
}

func TestRun_MissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing", "script.yaml"), nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error for missing directory")
	}
}
