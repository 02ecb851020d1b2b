// Command fake_lsp_server is a minimal stdio language server for tests.
//
// Environment:
//
//	FAKE_LSP_LOG              append "method uri" lines for each didOpen
//	FAKE_LSP_EXIT_AFTER_INIT  exit with status 3 after "initialized"
//	FAKE_LSP_IGNORE_SHUTDOWN  never answer shutdown and ignore exit
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
)

type stdio struct{}

func (stdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdio) Close() error                { return os.Stdin.Close() }

func main() {
	ignoreShutdown := os.Getenv("FAKE_LSP_IGNORE_SHUTDOWN") != ""
	if ignoreShutdown {
		signal.Ignore(syscall.SIGTERM)
	}
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(stdio{}))
	conn.Go(context.Background(), func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		switch req.Method() {
		case protocol.MethodInitialize:
			return reply(ctx, &protocol.InitializeResult{
				ServerInfo: &protocol.ServerInfo{Name: "fake"},
			}, nil)
		case protocol.MethodInitialized:
			fmt.Fprintln(os.Stderr, "initialized")
			if os.Getenv("FAKE_LSP_EXIT_AFTER_INIT") != "" {
				os.Exit(3)
			}
			return reply(ctx, nil, nil)
		case protocol.MethodTextDocumentDidOpen:
			var p protocol.DidOpenTextDocumentParams
			if err := json.Unmarshal(req.Params(), &p); err != nil {
				return reply(ctx, nil, err)
			}
			record(fmt.Sprintf("%s %s %s", p.TextDocument.LanguageID, p.TextDocument.URI, p.TextDocument.Text))
			return reply(ctx, nil, nil)
		case protocol.MethodShutdown:
			if ignoreShutdown {
				return nil
			}
			return reply(ctx, nil, nil)
		case protocol.MethodExit:
			if ignoreShutdown {
				return nil
			}
			os.Exit(0)
		}
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	})
	<-conn.Done()
}

func record(line string) {
	path := os.Getenv("FAKE_LSP_LOG")
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}
