// Package resolver maps raw import specifiers to concrete local files.
package resolver

import (
	"path/filepath"
	"strings"

	"lsppool/internal/common/fsutil"
)

// DefaultExtensions is the extension priority order used when Options.Extensions is empty.
var DefaultExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".py", ".rs", ".go", ".h", ".hpp"}

// DefaultIndexNames are the directory entry files tried when an import names a directory.
var DefaultIndexNames = []string{"index", "__init__", "mod"}

// Options configures a Resolver.
type Options struct {
	// Extensions are tried in order; a missing leading dot is added.
	Extensions []string
	IndexNames []string
}

// Resolver resolves relative and absolute import paths against the file system.
// It is safe for concurrent use.
type Resolver struct {
	exts    []string
	indexes []string
}

// New constructs a Resolver, applying defaults for empty options.
func New(opts Options) *Resolver {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	r := &Resolver{}
	seen := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if !seen[e] {
			seen[e] = true
			r.exts = append(r.exts, e)
		}
	}
	r.indexes = opts.IndexNames
	if len(r.indexes) == 0 {
		r.indexes = DefaultIndexNames
	}
	return r
}

// Extensions returns the normalized extension priority list.
func (r *Resolver) Extensions() []string { return append([]string(nil), r.exts...) }

// Resolve maps raw, as written in currentFile, to an existing regular file.
// Candidates are tried in order and the first hit wins:
//
//  1. the literal path,
//  2. the path with each configured extension appended,
//  3. the path as a directory holding <index><ext>.
//
// Bare specifiers (package names) are never resolved.
func (r *Resolver) Resolve(currentFile, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	var joined string
	switch {
	case filepath.IsAbs(raw):
		joined = filepath.Clean(raw)
	case isRelative(raw):
		joined = filepath.Join(filepath.Dir(currentFile), raw)
	default:
		return "", false
	}
	if p, ok := r.tryFile(joined); ok {
		return p, true
	}
	return r.tryDirectory(joined)
}

// ResolveAll resolves raws in order, dropping misses and duplicates.
func (r *Resolver) ResolveAll(currentFile string, raws []string) []string {
	var out []string
	seen := make(map[string]bool, len(raws))
	for _, raw := range raws {
		p, ok := r.Resolve(currentFile, raw)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (r *Resolver) tryFile(base string) (string, bool) {
	if fsutil.IsRegularFile(base) {
		return base, true
	}
	for _, ext := range r.exts {
		if p := base + ext; fsutil.IsRegularFile(p) {
			return p, true
		}
	}
	return "", false
}

func (r *Resolver) tryDirectory(dir string) (string, bool) {
	for _, name := range r.indexes {
		for _, ext := range r.exts {
			if p := filepath.Join(dir, name+ext); fsutil.IsRegularFile(p) {
				return p, true
			}
		}
	}
	return "", false
}

func isRelative(p string) bool {
	if p == "." || p == ".." {
		return true
	}
	return strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") ||
		strings.HasPrefix(p, `.\`) || strings.HasPrefix(p, `..\`)
}
