package lspclient

import (
	"path/filepath"
	"sort"
	"strings"
)

// ServerConfig describes how to run the analysis server for one language.
type ServerConfig struct {
	// Command is the executable and its arguments.
	Command []string
	// Extensions claimed by this language, with leading dots.
	Extensions []string
	// InitializationOptions are sent verbatim in the initialize request.
	InitializationOptions map[string]any
	// Env entries (KEY=VALUE) appended to the inherited environment.
	Env []string
}

// Servers maps a language name to its server configuration.
type Servers map[string]ServerConfig

// DefaultServers returns configurations for commonly installed servers.
func DefaultServers() Servers {
	return Servers{
		"go": {
			Command:    []string{"gopls"},
			Extensions: []string{".go"},
		},
		"typescript": {
			Command:    []string{"typescript-language-server", "--stdio"},
			Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
		},
		"python": {
			Command:    []string{"pylsp"},
			Extensions: []string{".py", ".pyi"},
		},
		"rust": {
			Command:    []string{"rust-analyzer"},
			Extensions: []string{".rs"},
		},
	}
}

// LanguageFor returns the configured language claiming path's extension.
// Languages are checked in name order so overlapping claims resolve stably.
func (s Servers) LanguageFor(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "", false
	}
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, e := range s[name].Extensions {
			if strings.EqualFold(normalizeExt(e), ext) {
				return name, true
			}
		}
	}
	return "", false
}

func normalizeExt(e string) string {
	if e != "" && !strings.HasPrefix(e, ".") {
		return "." + e
	}
	return e
}

// languageIDs maps extensions to LSP language identifiers.
var languageIDs = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".mts":  "typescript",
	".cts":  "typescript",
	".tsx":  "typescriptreact",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".jsx":  "javascriptreact",
	".py":   "python",
	".pyi":  "python",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".cxx":  "cpp",
	".hpp":  "cpp",
	".hh":   "cpp",
	".java": "java",
	".rb":   "ruby",
	".cs":   "csharp",
	".json": "json",
}

// LanguageID returns the LSP language identifier for path, falling back to
// the extension without its dot.
func LanguageID(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if id, ok := languageIDs[ext]; ok {
		return id
	}
	return strings.TrimPrefix(ext, ".")
}
