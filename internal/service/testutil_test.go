package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lsppool/internal/pool"
	"lsppool/internal/prefetch"
)

type fakeHandle struct {
	pid  int
	exit chan error
}

func (h *fakeHandle) PID() int { return h.pid }

type openCall struct {
	pid  int
	path string
}

// fakeLauncher starts nothing; it records opens per pid.
type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	spawned []string
	opens   []openCall
}

func (f *fakeLauncher) Spawn(ctx context.Context, language, workspaceDir string) (pool.Handle, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.spawned = append(f.spawned, language)
	h := &fakeHandle{pid: 4000 + f.nextPID, exit: make(chan error, 1)}
	return h, h.exit, nil
}

func (f *fakeLauncher) Terminate(ctx context.Context, h pool.Handle) error {
	fh := h.(*fakeHandle)
	select {
	case fh.exit <- nil:
	default:
	}
	return nil
}

func (f *fakeLauncher) OpenFile(ctx context.Context, h pool.Handle, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, openCall{pid: h.PID(), path: path})
	return nil
}

func (f *fakeLauncher) opened(path string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pids []int
	for _, c := range f.opens {
		if c.path == path {
			pids = append(pids, c.pid)
		}
	}
	return pids
}

// extMapper maps extensions to languages.
type extMapper map[string]string

func (m extMapper) LanguageFor(path string) (string, bool) {
	lang, ok := m[filepath.Ext(path)]
	return lang, ok
}

var testLanguages = extMapper{".ts": "typescript", ".js": "javascript"}

func newTestService(t *testing.T, withPrefetch bool) (*Service, *fakeLauncher) {
	t.Helper()
	fl := &fakeLauncher{}
	cfg := Config{
		Pool: pool.Config{
			Launcher:      fl,
			SweepInterval: -1,
		},
		Languages: testLanguages,
	}
	if withPrefetch {
		cfg.Prefetch = &prefetch.Options{LeaseTimeout: 200 * time.Millisecond}
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, fl
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fakeLauncher) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}
