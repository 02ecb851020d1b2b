// Package service ties the pool, the predictive loader and per-language
// routing together behind the operations the HTTP layer exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lsppool/internal/common/fsutil"
	"lsppool/internal/imports"
	"lsppool/internal/pool"
	"lsppool/internal/prefetch"
	"lsppool/internal/resolver"
	"lsppool/pkg/types"
)

// StatusError is an error carrying an HTTP status code.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string   { return e.Msg }
func (e *StatusError) StatusCode() int { return e.Code }

// ErrPrefetchDisabled is returned by Preload when no loader is configured.
var ErrPrefetchDisabled = &StatusError{Code: http.StatusNotFound, Msg: "predictive prefetch disabled"}

func badRequest(format string, args ...any) error {
	return &StatusError{Code: http.StatusBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// LanguageMapper picks a language for a file path.
type LanguageMapper interface {
	LanguageFor(path string) (string, bool)
}

// Config wires a Service.
type Config struct {
	// Pool is used to build the pool; its Publisher is kept and the loader is
	// attached after it.
	Pool      pool.Config
	Languages LanguageMapper
	// Prefetch enables the predictive loader when non-nil. Extractor and
	// Resolver default to imports.Default and resolver.New(Resolver).
	Prefetch *prefetch.Options
	Resolver resolver.Options
	Logger   *zerolog.Logger
}

// extensionFilter is implemented by extractors that know which files they handle.
type extensionFilter interface {
	Supports(path string) bool
}

// Service implements the operations behind the HTTP API.
type Service struct {
	pool      *pool.Pool
	loader    *prefetch.Loader
	filter    extensionFilter
	languages LanguageMapper
	log       zerolog.Logger
	closed    atomic.Bool
}

// New builds the pool and, when enabled, the predictive loader.
func New(cfg Config) (*Service, error) {
	if cfg.Languages == nil {
		return nil, errors.New("service: language mapper is required")
	}
	s := &Service{languages: cfg.Languages, log: zerolog.Nop()}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "service").Logger()
	}

	// The loader is created after the pool but must see its events, so the
	// pool publishes through a late-bound hook.
	var loaderRef atomic.Pointer[prefetch.Loader]
	pcfg := cfg.Pool
	pcfg.Publisher = pool.MultiPublisher{
		cfg.Pool.Publisher,
		pool.PublisherFunc(func(e pool.Event) {
			if l := loaderRef.Load(); l != nil {
				l.Publish(e)
			}
		}),
	}
	if pcfg.Logger == nil {
		pcfg.Logger = cfg.Logger
	}
	p, err := pool.New(pcfg)
	if err != nil {
		return nil, err
	}
	s.pool = p

	if cfg.Prefetch != nil {
		opts := *cfg.Prefetch
		if opts.Extractor == nil {
			opts.Extractor = imports.Default()
		}
		if f, ok := opts.Extractor.(extensionFilter); ok {
			s.filter = f
		}
		if opts.Resolver == nil {
			opts.Resolver = resolver.New(cfg.Resolver)
		}
		if opts.Owner == nil {
			opts.Owner = s.owner
		}
		if opts.Logger == nil {
			opts.Logger = cfg.Logger
		}
		l, err := prefetch.New(p, opts)
		if err != nil {
			_ = p.Close(context.Background())
			return nil, err
		}
		s.loader = l
		loaderRef.Store(l)
	}
	return s, nil
}

// owner routes an imported file to the server of its own language within
// the origin's project, falling back to the origin key.
func (s *Service) owner(origin pool.Key, path string) pool.Key {
	lang, ok := s.languages.LanguageFor(path)
	if !ok || lang == origin.Language {
		return origin
	}
	k := origin
	k.Language = lang
	return k
}

// Pool exposes the underlying pool.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Loader returns the predictive loader, or nil when prefetch is disabled.
func (s *Service) Loader() *prefetch.Loader { return s.loader }

// route validates a request and derives its key and absolute file path.
func (s *Service) route(project, language, workspace, file string) (pool.Key, string, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return pool.Key{}, "", badRequest("project is required")
	}
	if strings.TrimSpace(file) == "" {
		return pool.Key{}, "", badRequest("file is required")
	}
	if workspace != "" {
		ws, err := fsutil.Resolve("", workspace)
		if err != nil {
			return pool.Key{}, "", badRequest("workspace: %v", err)
		}
		workspace = ws
	}
	path, err := fsutil.Resolve(workspace, file)
	if err != nil {
		return pool.Key{}, "", badRequest("file: %v", err)
	}
	if language == "" {
		lang, ok := s.languages.LanguageFor(path)
		if !ok {
			return pool.Key{}, "", badRequest("no language configured for %s", file)
		}
		language = lang
	}
	key := pool.Key{Project: project, Language: language, Workspace: workspace}.Normalize()
	return key, path, nil
}

// Open leases an instance for the request's key, opens the file on it and
// starts warming the file's imports.
func (s *Service) Open(ctx context.Context, req types.OpenRequest) (types.OpenResponse, error) {
	key, path, err := s.route(req.Project, req.Language, req.Workspace, req.File)
	if err != nil {
		return types.OpenResponse{}, err
	}
	if !fsutil.IsRegularFile(path) {
		return types.OpenResponse{}, &StatusError{Code: http.StatusNotFound, Msg: "file not found: " + req.File}
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	lease, err := s.pool.Lease(ctx, key, timeout)
	if err != nil {
		return types.OpenResponse{}, err
	}
	defer s.pool.Release(lease)

	if err := s.pool.OpenFile(ctx, lease, path); err != nil {
		return types.OpenResponse{}, fmt.Errorf("open %s: %w", path, err)
	}
	resp := types.OpenResponse{
		InstanceID: lease.InstanceID(),
		PID:        lease.PID(),
		Language:   key.Language,
	}
	if s.loader != nil {
		resp.Warm = s.loader.IsWarm(lease.InstanceID(), path)
		s.loader.MarkOpened(lease.InstanceID(), path)
		if !req.NoPreload && s.extractable(path) {
			s.loader.PreloadImports(key, path)
			resp.Preload = true
		}
	}
	s.log.Debug().Str("key", key.String()).Str("file", path).Str("instance", resp.InstanceID).Bool("warm", resp.Warm).Msg("opened")
	return resp, nil
}

// extractable reports whether imports can be read from path.
func (s *Service) extractable(path string) bool {
	return s.filter == nil || s.filter.Supports(path)
}

// Restart retires the servers of one key; see pool.Pool.Restart.
func (s *Service) Restart(ctx context.Context, req types.RestartRequest) (types.RestartResponse, error) {
	project := strings.TrimSpace(req.Project)
	language := strings.TrimSpace(req.Language)
	if project == "" || language == "" {
		return types.RestartResponse{}, badRequest("project and language are required")
	}
	workspace := req.Workspace
	if workspace != "" {
		ws, err := fsutil.Resolve("", workspace)
		if err != nil {
			return types.RestartResponse{}, badRequest("workspace: %v", err)
		}
		workspace = ws
	}
	key := pool.Key{Project: project, Language: language, Workspace: workspace}
	n, err := s.pool.Restart(ctx, key)
	if err != nil {
		return types.RestartResponse{}, err
	}
	return types.RestartResponse{Retired: n}, nil
}

// Preload starts warming the imports of a file without a primary open.
func (s *Service) Preload(_ context.Context, req types.PreloadRequest) (types.PreloadResponse, error) {
	if s.loader == nil {
		return types.PreloadResponse{}, ErrPrefetchDisabled
	}
	key, path, err := s.route(req.Project, req.Language, req.Workspace, req.File)
	if err != nil {
		return types.PreloadResponse{}, err
	}
	pr := s.loader.PreloadImports(key, path)
	return types.PreloadResponse{File: pr.Path(), State: pr.State().String()}, nil
}

// Stats returns the pool snapshot plus prefetch counters.
func (s *Service) Stats() types.StatsResponse {
	st := s.pool.Stats()
	ps := types.PrefetchStats{}
	if s.loader != nil {
		ps = s.loader.Stats()
	}
	st.Prefetch = &ps
	return st
}

// Ready reports whether the service accepts requests.
func (s *Service) Ready() bool { return !s.closed.Load() && s.pool.Ready() }

// Close abandons in-flight preloads and shuts the pool down.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.loader != nil {
		s.loader.Close()
	}
	return s.pool.Close(ctx)
}
