// Package lspclient starts language servers over stdio and speaks the small
// part of LSP the pool needs: the initialize handshake, didOpen, and the
// shutdown/exit sequence.
package lspclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lsppool/internal/pool"
)

const (
	defaultShutdownTimeout = 3 * time.Second
	killGrace              = 2 * time.Second
)

// ErrUnknownLanguage is returned by Spawn for languages without a server config.
var ErrUnknownLanguage = errors.New("lspclient: no server configured for language")

// Options configures a Launcher.
type Options struct {
	Servers         Servers
	ShutdownTimeout time.Duration
	ClientName      string
	Logger          *zerolog.Logger
}

// Launcher implements pool.Launcher and pool.FileOpener for stdio language servers.
type Launcher struct {
	servers         Servers
	shutdownTimeout time.Duration
	clientName      string
	log             zerolog.Logger
}

var (
	_ pool.Launcher   = (*Launcher)(nil)
	_ pool.FileOpener = (*Launcher)(nil)
)

// NewLauncher constructs a Launcher. Empty Servers uses DefaultServers.
func NewLauncher(opts Options) *Launcher {
	l := &Launcher{
		servers:         opts.Servers,
		shutdownTimeout: opts.ShutdownTimeout,
		clientName:      opts.ClientName,
		log:             zerolog.Nop(),
	}
	if len(l.servers) == 0 {
		l.servers = DefaultServers()
	}
	if l.shutdownTimeout <= 0 {
		l.shutdownTimeout = defaultShutdownTimeout
	}
	if l.clientName == "" {
		l.clientName = "lsppool"
	}
	if opts.Logger != nil {
		l.log = opts.Logger.With().Str("component", "lspclient").Logger()
	}
	return l
}

// Servers returns the launcher's server table.
func (l *Launcher) Servers() Servers { return l.servers }

// process is a running language server.
type process struct {
	language  string
	workspace string
	cmd       *exec.Cmd
	conn      jsonrpc2.Conn
	exited    chan struct{}

	mu   sync.Mutex
	open map[string]bool
}

func (p *process) PID() int { return p.cmd.Process.Pid }

// Spawn starts the server for language in workspaceDir and completes the
// initialize handshake. ctx bounds the handshake only; the process keeps
// running until Terminate or its own exit.
func (l *Launcher) Spawn(ctx context.Context, language, workspaceDir string) (pool.Handle, <-chan error, error) {
	sc, ok := l.servers[language]
	if !ok || len(sc.Command) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
	}
	dir := workspaceDir
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("workspace: %w", err)
	}

	cmd := exec.Command(sc.Command[0], sc.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), sc.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrLog := l.log.With().Str("language", language).Logger()
	cmd.Stderr = &stderrWriter{log: &stderrLog}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", sc.Command[0], err)
	}

	p := &process{
		language:  language,
		workspace: dir,
		cmd:       cmd,
		exited:    make(chan struct{}),
		open:      make(map[string]bool),
	}
	exit := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(p.exited)
		exit <- err
	}()

	p.conn = jsonrpc2.NewConn(jsonrpc2.NewStream(&stdio{r: stdout, w: stdin}))
	p.conn.Go(context.Background(), l.handler(language, cmd.Process.Pid))

	if err := l.initialize(ctx, p, sc); err != nil {
		l.kill(p)
		return nil, nil, fmt.Errorf("initialize %s: %w", language, err)
	}
	l.log.Debug().Str("language", language).Str("workspace", dir).Int("pid", p.PID()).Msg("server initialized")
	return p, exit, nil
}

func (l *Launcher) initialize(ctx context.Context, p *process, sc ServerConfig) error {
	params := &protocol.InitializeParams{
		ProcessID:  int32(os.Getpid()),
		ClientInfo: &protocol.ClientInfo{Name: l.clientName},
		RootURI:    protocol.DocumentURI(uri.File(p.workspace)),
		RootPath:   p.workspace,
	}
	if len(sc.InitializationOptions) > 0 {
		params.InitializationOptions = sc.InitializationOptions
	}
	type callResult struct{ err error }
	done := make(chan callResult, 1)
	go func() {
		var result json.RawMessage
		_, err := p.conn.Call(ctx, protocol.MethodInitialize, params, &result)
		done <- callResult{err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
	case <-p.exited:
		return errors.New("server exited during initialize")
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.conn.Notify(ctx, protocol.MethodInitialized, &protocol.InitializedParams{})
}

// handler answers server-to-client traffic. Log messages are forwarded to
// the logger; requests are declined.
func (l *Launcher) handler(language string, pid int) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		switch req.Method() {
		case protocol.MethodWindowLogMessage, protocol.MethodWindowShowMessage:
			var msg protocol.LogMessageParams
			if err := json.Unmarshal(req.Params(), &msg); err == nil {
				l.log.Debug().Str("language", language).Int("pid", pid).Msg(msg.Message)
			}
			return reply(ctx, nil, nil)
		case protocol.MethodTextDocumentPublishDiagnostics, "$/progress":
			return reply(ctx, nil, nil)
		}
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

// Terminate sends shutdown and exit, then signals and finally kills the
// process if it does not go away.
func (l *Launcher) Terminate(ctx context.Context, h pool.Handle) error {
	p, ok := h.(*process)
	if !ok {
		return fmt.Errorf("lspclient: foreign handle %T", h)
	}
	select {
	case <-p.exited:
		_ = p.conn.Close()
		return nil
	default:
	}
	sctx, cancel := context.WithTimeout(ctx, l.shutdownTimeout)
	defer cancel()
	if _, err := p.conn.Call(sctx, protocol.MethodShutdown, nil, nil); err != nil {
		l.log.Debug().Err(err).Int("pid", p.PID()).Msg("shutdown request failed")
	}
	_ = p.conn.Notify(sctx, protocol.MethodExit, nil)

	select {
	case <-p.exited:
	case <-sctx.Done():
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(killGrace):
			l.kill(p)
		}
	}
	_ = p.conn.Close()
	return nil
}

// kill force-stops p and waits for the reaper goroutine.
func (l *Launcher) kill(p *process) {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.log.Warn().Err(err).Int("pid", p.PID()).Msg("kill failed")
	}
	<-p.exited
	_ = p.conn.Close()
}

// stdio joins a server's stdout and stdin into one stream.
type stdio struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (s *stdio) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *stdio) Write(b []byte) (int, error) { return s.w.Write(b) }

func (s *stdio) Close() error {
	werr := s.w.Close()
	rerr := s.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
