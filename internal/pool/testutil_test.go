package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lsppool/pkg/types"
)

var errSegfault = errors.New("signal: segmentation fault")

type fakeHandle struct {
	pid  int
	exit chan error
	once sync.Once
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) exitWith(err error) {
	h.once.Do(func() { h.exit <- err })
}

// fakeLauncher hands out in-memory processes. Spawn blocks while a gate is set.
type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	spawns     int
	spawnErr   error
	gate       chan struct{}
	handles    []*fakeHandle
	terminated []int
}

func newFakeLauncher() *fakeLauncher { return &fakeLauncher{nextPID: 1000} }

func (f *fakeLauncher) Spawn(ctx context.Context, language, workspaceDir string) (Handle, <-chan error, error) {
	f.mu.Lock()
	f.spawns++
	err := f.spawnErr
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	h := &fakeHandle{pid: f.nextPID, exit: make(chan error, 1)}
	f.handles = append(f.handles, h)
	return h, h.exit, nil
}

func (f *fakeLauncher) Terminate(ctx context.Context, h Handle) error {
	fh := h.(*fakeHandle)
	f.mu.Lock()
	f.terminated = append(f.terminated, fh.pid)
	f.mu.Unlock()
	fh.exitWith(nil)
	return nil
}

// block makes subsequent spawns wait until the returned func is called.
func (f *fakeLauncher) block() (unblock func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *fakeLauncher) setSpawnErr(err error) {
	f.mu.Lock()
	f.spawnErr = err
	f.mu.Unlock()
}

func (f *fakeLauncher) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeLauncher) terminatedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

func (f *fakeLauncher) handleFor(pid int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if h.pid == pid {
			return h
		}
	}
	return nil
}

type openCall struct {
	pid  int
	path string
}

type fakeOpener struct {
	mu    sync.Mutex
	calls []openCall
	err   error
}

func (o *fakeOpener) OpenFile(ctx context.Context, h Handle, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, openCall{pid: h.PID(), path: path})
	return o.err
}

func (o *fakeOpener) opened() []openCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]openCall(nil), o.calls...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	keyA = Key{Project: "webapp", Language: "typescript", Workspace: "/src/webapp"}
	keyB = Key{Project: "admin", Language: "typescript", Workspace: "/src/admin"}
)

type testEnv struct {
	pool     *Pool
	launcher *fakeLauncher
	opener   *fakeOpener
	events   *MemoryPublisher
	clock    *fakeClock
}

// newTestPool builds a pool over fakes; the sweep loop is off unless cfg sets it.
func newTestPool(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		launcher: newFakeLauncher(),
		opener:   &fakeOpener{},
		events:   NewMemoryPublisher(),
		clock:    newFakeClock(),
	}
	cfg.Launcher = env.launcher
	cfg.Opener = env.opener
	cfg.Publisher = env.events
	if cfg.Now == nil {
		cfg.Now = env.clock.Now
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = -1
	}
	if cfg.CrashBackoffSeed == 0 {
		cfg.CrashBackoffSeed = time.Millisecond
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	env.pool = p
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return env
}

func (e *testEnv) mustLease(t *testing.T, key Key) *Lease {
	t.Helper()
	l, err := e.pool.Lease(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("lease %s: %v", key, err)
	}
	return l
}

func (e *testEnv) keyStats(key Key) types.KeyStats {
	s, _ := e.pool.KeyStats(key)
	return s
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type leaseResult struct {
	idx   int
	lease *Lease
	err   error
}

// leaseAsync runs Lease in a goroutine and reports on out.
func (e *testEnv) leaseAsync(key Key, idx int, timeout time.Duration, out chan<- leaseResult) {
	go func() {
		l, err := e.pool.Lease(context.Background(), key, timeout)
		out <- leaseResult{idx: idx, lease: l, err: err}
	}()
}
