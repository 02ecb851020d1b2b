package prefetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lsppool/internal/imports"
	"lsppool/internal/pool"
	"lsppool/internal/resolver"
)

var testKey = pool.Key{Project: "webapp", Language: "typescript", Workspace: "/src/webapp"}

// stubLauncher hands out processes that live until the pool closes.
type stubLauncher struct {
	mu  sync.Mutex
	pid int
}

type stubHandle int

func (h stubHandle) PID() int { return int(h) }

func (s *stubLauncher) Spawn(ctx context.Context, language, workspaceDir string) (pool.Handle, <-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid++
	return stubHandle(s.pid), make(chan error, 1), nil
}

func (s *stubLauncher) Terminate(ctx context.Context, h pool.Handle) error { return nil }

// fakePool wraps a real pool over stub processes and counts predictive
// leases and opens. A key gets an instance on its first predictive lease.
type fakePool struct {
	real *pool.Pool

	mu       sync.Mutex
	opens    map[string]int
	openKeys map[string]pool.Key
	leases   int
	released int
	leaseErr error
	openErr  map[string]error
	gate     chan struct{}
}

func newFakePool(t *testing.T) *fakePool { return newFakePoolWithCap(t, 1) }

func newFakePoolWithCap(t *testing.T, perLanguage int) *fakePool {
	t.Helper()
	p, err := pool.New(pool.Config{Launcher: &stubLauncher{}, MaxInstancesPerLanguage: perLanguage, SweepInterval: -1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return &fakePool{
		real:     p,
		opens:    make(map[string]int),
		openKeys: make(map[string]pool.Key),
		openErr:  make(map[string]error),
	}
}

func (f *fakePool) LeasePredictive(ctx context.Context, key pool.Key, timeout time.Duration) (*pool.Lease, error) {
	f.mu.Lock()
	gate := f.gate
	err := f.leaseErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	l, err := f.real.LeasePredictive(ctx, key, timeout)
	if errors.Is(err, pool.ErrNoInstance) {
		var primary *pool.Lease
		if primary, err = f.real.Lease(ctx, key, time.Second); err != nil {
			return nil, err
		}
		f.real.Release(primary)
		l, err = f.real.LeasePredictive(ctx, key, timeout)
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.leases++
	f.mu.Unlock()
	return l, nil
}

func (f *fakePool) OpenFile(ctx context.Context, l *pool.Lease, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[path]; err != nil {
		return err
	}
	f.opens[path]++
	f.openKeys[path] = l.Key()
	return nil
}

func (f *fakePool) Release(l *pool.Lease) {
	f.real.Release(l)
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

// hold takes a primary lease on key, starting an instance when needed.
func (f *fakePool) hold(t *testing.T, key pool.Key) *pool.Lease {
	t.Helper()
	l, err := f.real.Lease(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("lease %s: %v", key, err)
	}
	return l
}

// instanceFor returns the ID of key's instance, starting one when needed.
func (f *fakePool) instanceFor(t *testing.T, key pool.Key) string {
	t.Helper()
	l := f.hold(t, key)
	defer f.real.Release(l)
	return l.InstanceID()
}

func (f *fakePool) openCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[path]
}

func (f *fakePool) openedOn(path string) pool.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openKeys[path]
}

func (f *fakePool) totals() (leases, released, opens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.opens {
		opens += n
	}
	return f.leases, f.released, opens
}

// writeTree writes name->content under a temp dir and returns the dir.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return root
}

func newTestLoader(t *testing.T, p Pool, opts Options) *Loader {
	t.Helper()
	if opts.Extractor == nil {
		opts.Extractor = imports.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = resolver.New(resolver.Options{Extensions: []string{".ts", ".js"}})
	}
	l, err := New(p, opts)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func wait(t *testing.T, prs ...*Preload) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pr := range prs {
		if err := pr.Wait(ctx); err != nil {
			t.Fatalf("preload %s did not finish: %v", pr.Path(), err)
		}
	}
}
