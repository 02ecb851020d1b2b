// Package imports extracts raw import specifiers from source text.
//
// Extraction is lexical and per language. Specifiers are returned as written
// (or, for languages whose imports are not path-like, translated to a
// relative path) and are resolved to files elsewhere.
package imports

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Extractor returns the raw import paths found in content.
type Extractor interface {
	ExtractImportPaths(filePath string, content []byte) []string
}

// ExtractFunc extracts imports for one language.
type ExtractFunc func(filePath string, content []byte) []string

// Registry dispatches on file extension.
type Registry struct {
	byExt map[string]ExtractFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{byExt: make(map[string]ExtractFunc)} }

// Default returns a registry with the built-in extractors.
func Default() *Registry {
	r := NewRegistry()
	r.Register(ECMAScript, ".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs")
	r.Register(Python, ".py", ".pyi")
	r.Register(Rust, ".rs")
	r.Register(CInclude, ".c", ".h", ".cc", ".cpp", ".cxx", ".hpp", ".hh")
	return r
}

// Register installs fn for the given extensions, replacing earlier entries.
func (r *Registry) Register(fn ExtractFunc, exts ...string) {
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		r.byExt[strings.ToLower(e)] = fn
	}
}

// Supports reports whether an extractor exists for filePath.
func (r *Registry) Supports(filePath string) bool {
	_, ok := r.byExt[strings.ToLower(filepath.Ext(filePath))]
	return ok
}

// ExtractImportPaths implements Extractor. Unknown extensions yield nil.
func (r *Registry) ExtractImportPaths(filePath string, content []byte) []string {
	fn, ok := r.byExt[strings.ToLower(filepath.Ext(filePath))]
	if !ok {
		return nil
	}
	return dedup(fn(filePath, content))
}

var (
	esFrom    = regexp.MustCompile(`(?m)^\s*(?:import|export)\b[^'"` + "`" + `;]*?\bfrom\s*['"]([^'"]+)['"]`)
	esBare    = regexp.MustCompile(`(?m)^\s*import\s*['"]([^'"]+)['"]`)
	esCall    = regexp.MustCompile(`\b(?:require|import)\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	pyFrom    = regexp.MustCompile(`(?m)^\s*from\s+(\.+)([\w.]*)\s+import\s+(.+)$`)
	rustMod   = regexp.MustCompile(`(?m)^\s*(?:pub(?:\([^)]*\))?\s+)?mod\s+([A-Za-z_]\w*)\s*;`)
	cInclude  = regexp.MustCompile(`(?m)^\s*#\s*include\s*"([^"]+)"`)
	lineStart = regexp.MustCompile(`(?m)^\s*//.*$`)
)

// ECMAScript extracts static imports, re-exports, require() and dynamic import().
func ECMAScript(_ string, content []byte) []string {
	src := lineStart.ReplaceAll(content, nil)
	var out []string
	for _, re := range []*regexp.Regexp{esFrom, esBare, esCall} {
		for _, m := range re.FindAllSubmatch(src, -1) {
			out = append(out, string(m[1]))
		}
	}
	return out
}

// Python extracts relative imports as relative paths: "from ..pkg.mod import x"
// becomes "../pkg/mod" and "from . import a, b" becomes "./a" and "./b".
// Absolute imports name installed packages and are skipped.
func Python(_ string, content []byte) []string {
	var out []string
	for _, m := range pyFrom.FindAllSubmatch(content, -1) {
		prefix := pyPrefix(len(m[1]))
		module := strings.ReplaceAll(string(m[2]), ".", "/")
		if module != "" {
			out = append(out, prefix+module)
			continue
		}
		names := strings.Trim(strings.TrimSpace(string(m[3])), "()")
		for _, n := range strings.Split(names, ",") {
			n = strings.TrimSpace(n)
			if i := strings.Index(n, " "); i >= 0 {
				n = n[:i]
			}
			if n != "" && n != "*" && n != "\\" {
				out = append(out, prefix+n)
			}
		}
	}
	return out
}

// pyPrefix converts a leading dot count to a path prefix ("." -> "./", ".." -> "../").
func pyPrefix(dots int) string {
	if dots <= 1 {
		return "./"
	}
	return strings.Repeat("../", dots-1)
}

// Rust extracts out-of-line module declarations. Modules declared in
// lib.rs, main.rs or mod.rs live next to the file; elsewhere they live in a
// directory named after the file.
func Rust(filePath string, content []byte) []string {
	base := filepath.Base(filePath)
	dir := "./"
	switch base {
	case "lib.rs", "main.rs", "mod.rs":
	default:
		dir = "./" + strings.TrimSuffix(base, ".rs") + "/"
	}
	var out []string
	for _, m := range rustMod.FindAllSubmatch(content, -1) {
		out = append(out, dir+string(m[1]))
	}
	return out
}

// CInclude extracts quoted includes, which are looked up relative to the including file.
func CInclude(_ string, content []byte) []string {
	var out []string
	for _, m := range cInclude.FindAllSubmatch(content, -1) {
		p := string(m[1])
		if !strings.HasPrefix(p, "./") && !strings.HasPrefix(p, "../") && !filepath.IsAbs(p) {
			p = "./" + p
		}
		out = append(out, p)
	}
	return out
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
