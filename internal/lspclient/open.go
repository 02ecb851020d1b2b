package lspclient

import (
	"context"
	"fmt"
	"path/filepath"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lsppool/internal/common/fsutil"
	"lsppool/internal/pool"
)

// maxOpenBytes bounds the text sent in a single didOpen.
const maxOpenBytes = 8 << 20

// OpenFile sends textDocument/didOpen for path unless this process has
// already opened it. Unreadable files are logged and skipped.
func (l *Launcher) OpenFile(ctx context.Context, h pool.Handle, path string) error {
	p, ok := h.(*process)
	if !ok {
		return fmt.Errorf("lspclient: foreign handle %T", h)
	}
	path = filepath.Clean(path)

	p.mu.Lock()
	if p.open[path] {
		p.mu.Unlock()
		return nil
	}
	p.open[path] = true
	p.mu.Unlock()

	text, err := fsutil.ReadFileLimit(path, maxOpenBytes)
	if err != nil {
		l.log.Debug().Err(err).Str("path", path).Msg("skip didOpen")
		p.forget(path)
		return nil
	}
	params := &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        protocol.DocumentURI(uri.File(path)),
			LanguageID: protocol.LanguageIdentifier(LanguageID(path)),
			Version:    1,
			Text:       string(text),
		},
	}
	if err := p.conn.Notify(ctx, protocol.MethodTextDocumentDidOpen, params); err != nil {
		p.forget(path)
		return fmt.Errorf("didOpen %s: %w", path, err)
	}
	return nil
}

func (p *process) forget(path string) {
	p.mu.Lock()
	delete(p.open, path)
	p.mu.Unlock()
}
