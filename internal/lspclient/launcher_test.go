package lspclient

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lsppool/internal/pool"
)

// buildFakeServer builds the fake language server and returns its path.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := filepath.Join(t.TempDir(), "fake_lsp_server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_lsp_server.go")
	cmd.Dir = "."
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, string(out))
	}
	return bin
}

func fakeLauncher(t *testing.T, env ...string) (*Launcher, string) {
	t.Helper()
	bin := buildFakeServer(t)
	logPath := filepath.Join(t.TempDir(), "opened.log")
	env = append(env, "FAKE_LSP_LOG="+logPath)
	l := NewLauncher(Options{
		Servers: Servers{
			"typescript": {Command: []string{bin}, Extensions: []string{".ts"}, Env: env},
		},
		ShutdownTimeout: 500 * time.Millisecond,
	})
	return l, logPath
}

func spawn(t *testing.T, l *Launcher, dir string) (pool.Handle, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h, exit, err := l.Spawn(ctx, "typescript", dir)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID() <= 0 {
		t.Fatalf("expected pid, got %d", h.PID())
	}
	return h, exit
}

func waitExit(t *testing.T, exit <-chan error) error {
	t.Helper()
	select {
	case err := <-exit:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("process did not exit")
		return nil
	}
}

func TestSpawnOpenTerminate(t *testing.T) {
	l, logPath := fakeLauncher(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "a.ts")
	if err := os.WriteFile(src, []byte("export const a = 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, exit := spawn(t, l, dir)

	ctx := context.Background()
	if err := l.OpenFile(ctx, h, src); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := l.OpenFile(ctx, h, src); err != nil {
		t.Fatalf("second OpenFile: %v", err)
	}
	// Missing files are skipped without error.
	if err := l.OpenFile(ctx, h, filepath.Join(dir, "missing.ts")); err != nil {
		t.Fatalf("OpenFile missing: %v", err)
	}
	if err := l.Terminate(ctx, h); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := waitExit(t, exit); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one didOpen, got %q", lines)
	}
	if !strings.HasPrefix(lines[0], "typescript file://") || !strings.HasSuffix(lines[0], "a.ts export const a = 1") {
		t.Fatalf("unexpected didOpen record %q", lines[0])
	}
}

func TestExitIsReported(t *testing.T) {
	l, _ := fakeLauncher(t, "FAKE_LSP_EXIT_AFTER_INIT=1")
	_, exit := spawn(t, l, t.TempDir())
	err := waitExit(t, exit)
	var ee *exec.ExitError
	if !errors.As(err, &ee) || ee.ExitCode() != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
}

func TestTerminateKillsUnresponsiveServer(t *testing.T) {
	l, _ := fakeLauncher(t, "FAKE_LSP_IGNORE_SHUTDOWN=1")
	h, exit := spawn(t, l, t.TempDir())
	start := time.Now()
	if err := l.Terminate(context.Background(), h); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := waitExit(t, exit); err == nil {
		t.Fatalf("expected kill to surface as an exit error")
	}
	if d := time.Since(start); d > 8*time.Second {
		t.Fatalf("terminate took %v", d)
	}
}

func TestSpawnUnknownLanguage(t *testing.T) {
	l := NewLauncher(Options{Servers: Servers{"go": {Command: []string{"gopls"}}}})
	_, _, err := l.Spawn(context.Background(), "cobol", t.TempDir())
	if !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("expected ErrUnknownLanguage, got %v", err)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	l := NewLauncher(Options{Servers: Servers{"go": {Command: []string{"/nonexistent/lsp-binary"}}}})
	if _, _, err := l.Spawn(context.Background(), "go", t.TempDir()); err == nil {
		t.Fatalf("expected start error")
	}
}
