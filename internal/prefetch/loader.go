// Package prefetch warms analysis servers with the files a just-opened file
// imports, so later requests against those files find them already open.
//
// Prefetch is best effort: every failure is logged and swallowed, it takes
// only predictive leases, and it never holds a lease while waiting on
// anything but the open itself.
package prefetch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lsppool/internal/common/fsutil"
	"lsppool/internal/imports"
	"lsppool/internal/pool"
	"lsppool/pkg/types"
)

var tracer = otel.Tracer("lsppool/internal/prefetch")

const (
	defaultLeaseTimeout = 500 * time.Millisecond
	defaultConcurrency  = 8
	defaultMaxFileBytes = 1 << 20
)

// Pool is the subset of *pool.Pool the loader uses.
type Pool interface {
	LeasePredictive(ctx context.Context, key pool.Key, timeout time.Duration) (*pool.Lease, error)
	OpenFile(ctx context.Context, l *pool.Lease, path string) error
	Release(l *pool.Lease)
}

// Resolver maps a raw import to a local file.
type Resolver interface {
	Resolve(currentFile, raw string) (string, bool)
}

// Options configures a Loader.
type Options struct {
	// Depth is how many levels past direct imports are followed. 0 warms
	// direct imports only.
	Depth        int
	LeaseTimeout time.Duration
	// Concurrency bounds parallel resolution and opens per file.
	Concurrency int
	// Rate limits opens per second across the loader; 0 disables the limit.
	Rate float64
	// Ignore holds doublestar patterns matched against resolved paths.
	Ignore       []string
	MaxFileBytes int64
	Extractor    imports.Extractor
	Resolver     Resolver
	// Owner picks the key whose server should open path. nil keeps the origin key.
	Owner  func(origin pool.Key, path string) pool.Key
	Logger *zerolog.Logger
}

// warmKey names a file open on one server process record.
type warmKey struct {
	instance string
	path     string
}

type warmState int

const (
	warmClaimed warmState = iota
	warmOpened
)

// Loader runs predictive preloads. It is safe for concurrent use.
type Loader struct {
	pool    Pool
	opts    Options
	log     zerolog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]*Preload
	warmed   map[warmKey]warmState
}

// New constructs a Loader over p.
func New(p Pool, opts Options) (*Loader, error) {
	if p == nil {
		return nil, fmt.Errorf("prefetch: pool is required")
	}
	if opts.Extractor == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("prefetch: extractor and resolver are required")
	}
	for _, pat := range opts.Ignore {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("prefetch: invalid ignore pattern %q", pat)
		}
	}
	if opts.Depth < 0 {
		opts.Depth = 0
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = defaultLeaseTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.Owner == nil {
		opts.Owner = func(origin pool.Key, _ string) pool.Key { return origin }
	}
	l := &Loader{
		pool:     p,
		opts:     opts,
		log:      zerolog.Nop(),
		inflight: make(map[string]*Preload),
		warmed:   make(map[warmKey]warmState),
	}
	if opts.Logger != nil {
		l.log = opts.Logger.With().Str("component", "prefetch").Logger()
	}
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// PreloadImports starts warming the imports of path under key and returns
// immediately. A request for a path that already has a preload in flight
// returns that preload.
func (l *Loader) PreloadImports(key pool.Key, path string) *Preload {
	path = filepath.Clean(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	if pr, ok := l.inflight[path]; ok {
		return pr
	}
	pr := newPreload(path)
	if l.closed {
		pr.finish()
		return pr
	}
	l.inflight[path] = pr
	go l.run(key.Normalize(), pr, l.opts.Depth)
	return pr
}

// MarkOpened records that path was opened on the given instance by a primary caller.
func (l *Loader) MarkOpened(instanceID, path string) {
	l.mu.Lock()
	l.warmed[warmKey{instance: instanceID, path: filepath.Clean(path)}] = warmOpened
	l.mu.Unlock()
}

// IsWarm reports whether path is recorded as open on the given instance.
func (l *Loader) IsWarm(instanceID, path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.warmed[warmKey{instance: instanceID, path: filepath.Clean(path)}]
	return ok && st == warmOpened
}

// ForgetInstance drops warm state of one instance, typically after its
// process went away.
func (l *Loader) ForgetInstance(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for wk := range l.warmed {
		if wk.instance == instanceID {
			delete(l.warmed, wk)
		}
	}
}

// Publish implements pool.EventPublisher: a removed or crashed instance
// takes its open documents with it.
func (l *Loader) Publish(e pool.Event) {
	switch e.Name {
	case pool.EventInstanceRemoved, pool.EventCrash:
		if e.InstanceID != "" {
			l.ForgetInstance(e.InstanceID)
		}
	}
}

// Stats reports loader counters.
func (l *Loader) Stats() types.PrefetchStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := types.PrefetchStats{Enabled: true, InFlight: len(l.inflight)}
	for _, s := range l.warmed {
		if s == warmOpened {
			st.Warmed++
		}
	}
	return st
}

// Close cancels in-flight preloads without waiting for them.
func (l *Loader) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
}

// run processes one preload record and, depth permitting, the files it warmed.
func (l *Loader) run(key pool.Key, pr *Preload, depth int) {
	defer l.done(pr)
	ctx, span := tracer.Start(l.ctx, "prefetch.PreloadImports", trace.WithAttributes(
		attribute.String("lsppool.file", pr.path),
		attribute.Int("lsppool.depth", depth),
	))
	defer span.End()

	content, err := fsutil.ReadFileLimit(pr.path, l.opts.MaxFileBytes)
	if err != nil {
		l.log.Debug().Err(err).Str("file", pr.path).Msg("preload read failed")
		return
	}
	raws := l.opts.Extractor.ExtractImportPaths(pr.path, content)
	if len(raws) == 0 {
		return
	}
	targets := l.resolve(ctx, pr.path, raws)
	warmed := l.openAll(ctx, key, pr, targets)
	span.SetAttributes(attribute.Int("lsppool.imports", len(raws)), attribute.Int("lsppool.opened", len(warmed)))
	if depth > 0 && len(warmed) > 0 && ctx.Err() == nil {
		l.recurse(key, warmed, depth-1)
	}
}

// resolve maps raws to files concurrently, keeping input order and dropping
// misses, duplicates and ignored paths.
func (l *Loader) resolve(ctx context.Context, from string, raws []string) []string {
	out := make([]string, len(raws))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for i, raw := range raws {
		g.Go(func() error {
			if p, ok := l.opts.Resolver.Resolve(from, raw); ok {
				out[i] = p
			}
			return nil
		})
	}
	_ = g.Wait()
	seen := make(map[string]bool, len(out))
	targets := out[:0]
	for _, p := range out {
		if p == "" || p == from || seen[p] || l.ignored(p) {
			continue
		}
		seen[p] = true
		targets = append(targets, p)
	}
	return targets
}

func (l *Loader) ignored(path string) bool {
	name := strings.TrimPrefix(filepath.ToSlash(path), "/")
	for _, pat := range l.opts.Ignore {
		if ok, _ := doublestar.Match(strings.TrimPrefix(pat, "/"), name); ok {
			return true
		}
	}
	return false
}

// openAll opens every target not yet warm and returns the ones it opened.
func (l *Loader) openAll(ctx context.Context, origin pool.Key, pr *Preload, targets []string) []string {
	var (
		mu     sync.Mutex
		opened []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for _, target := range targets {
		owner := l.opts.Owner(origin, target).Normalize()
		g.Go(func() error {
			ok, err := l.open(gctx, owner, target)
			if err != nil {
				l.log.Debug().Err(err).Str("key", owner.String()).Str("file", target).Msg("preload open skipped")
				return nil
			}
			if !ok {
				return nil
			}
			pr.opened.Add(1)
			mu.Lock()
			opened = append(opened, target)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return opened
}

// open warms path on a shared instance of key. It reports false when that
// instance already has path open or an open of it is under way.
func (l *Loader) open(ctx context.Context, key pool.Key, path string) (bool, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	lease, err := l.pool.LeasePredictive(ctx, key, l.opts.LeaseTimeout)
	if err != nil {
		return false, err
	}
	defer l.pool.Release(lease)
	id := lease.InstanceID()
	if !l.claim(id, path) {
		return false, nil
	}
	if err := l.pool.OpenFile(ctx, lease, path); err != nil {
		l.unclaim(id, path)
		return false, err
	}
	l.MarkOpened(id, path)
	return true, nil
}

// recurse preloads each warmed file and waits for the records it started.
// Files that already have a preload in flight are skipped, never awaited, so
// import cycles cannot deadlock.
func (l *Loader) recurse(key pool.Key, files []string, depth int) {
	var children []*Preload
	l.mu.Lock()
	for _, f := range files {
		if _, busy := l.inflight[f]; busy || l.closed {
			continue
		}
		pr := newPreload(f)
		l.inflight[f] = pr
		children = append(children, pr)
		go l.run(key, pr, depth)
	}
	l.mu.Unlock()
	for _, c := range children {
		<-c.Done()
	}
}

// claim marks path as being opened on an instance; false when it is already
// claimed or warm there.
func (l *Loader) claim(instanceID, path string) bool {
	wk := warmKey{instance: instanceID, path: path}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.warmed[wk]; ok {
		return false
	}
	l.warmed[wk] = warmClaimed
	return true
}

func (l *Loader) unclaim(instanceID, path string) {
	wk := warmKey{instance: instanceID, path: path}
	l.mu.Lock()
	if st, ok := l.warmed[wk]; ok && st == warmClaimed {
		delete(l.warmed, wk)
	}
	l.mu.Unlock()
}

func (l *Loader) done(pr *Preload) {
	l.mu.Lock()
	if l.inflight[pr.path] == pr {
		delete(l.inflight, pr.path)
	}
	l.mu.Unlock()
	pr.finish()
}
