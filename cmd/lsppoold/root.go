package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lsppool/internal/config"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "lsppoold",
		Short:         "Pool language servers per project and prefetch the files they will need",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.configPath, "config", "c", os.Getenv("LSPPOOL_CONFIG"), "Config file (.yaml, .json or .toml; defaults LSPPOOL_CONFIG)")
	root.PersistentFlags().StringVar(&rf.addr, "addr", "", "HTTP listen address (overrides config and LSPPOOL_ADDR)")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&rf.logFormat, "log-format", "", "Log format: console|json")

	root.AddCommand(newServeCmd(rf), newStatsCmd(rf), newResolveCmd(rf), newRestartCmd(rf), newCheckCmd(rf))
	return root
}

// load builds the effective configuration: defaults, file, environment, flags.
func (rf *rootFlags) load() (config.Config, error) {
	cfg := config.Default()
	if rf.configPath != "" {
		c, err := config.Load(rf.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	config.ApplyEnv(&cfg)
	if rf.addr != "" {
		cfg.Addr = rf.addr
	}
	if rf.logLevel != "" {
		cfg.LogLevel = rf.logLevel
	}
	if rf.logFormat != "" {
		cfg.LogFormat = rf.logFormat
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger from level and format.
func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
