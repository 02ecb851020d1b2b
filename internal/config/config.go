// Package config defines the daemon's configuration file, its defaults and
// validation, and converts it into the pool, loader and launcher settings.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"lsppool/internal/lspclient"
	"lsppool/internal/pool"
	"lsppool/internal/prefetch"
	"lsppool/internal/resolver"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds runtime parameters for the daemon.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	// RequestLog is the per-request log level (off, error, info, debug).
	RequestLog   string   `json:"request_log" yaml:"request_log" toml:"request_log"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	OpenTimeout  Duration `json:"open_timeout" yaml:"open_timeout" toml:"open_timeout"`
	Tracing      bool     `json:"tracing" yaml:"tracing" toml:"tracing"`

	Pool       PoolConfig              `json:"pool" yaml:"pool" toml:"pool"`
	Predictive PredictiveConfig        `json:"predictive" yaml:"predictive" toml:"predictive"`
	Servers    map[string]ServerConfig `json:"servers" yaml:"servers" toml:"servers"`
	CORS       CORSConfig              `json:"cors" yaml:"cors" toml:"cors"`
}

type PoolConfig struct {
	// Enabled keeps idle instances around; when false they are terminated on last release.
	Enabled                 bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	MaxInstancesPerLanguage int      `json:"max_instances_per_language" yaml:"max_instances_per_language" toml:"max_instances_per_language"`
	IdleTimeout             Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
	SweepInterval           Duration `json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
	LeaseWaitTimeout        Duration `json:"lease_wait_timeout" yaml:"lease_wait_timeout" toml:"lease_wait_timeout"`
	StartupTimeout          Duration `json:"startup_timeout" yaml:"startup_timeout" toml:"startup_timeout"`
	CrashBackoffSeed        Duration `json:"crash_backoff_seed" yaml:"crash_backoff_seed" toml:"crash_backoff_seed"`
	CrashBackoffCap         int      `json:"crash_backoff_cap" yaml:"crash_backoff_cap" toml:"crash_backoff_cap"`
	CrashThreshold          int      `json:"crash_circuit_breaker_threshold" yaml:"crash_circuit_breaker_threshold" toml:"crash_circuit_breaker_threshold"`
	CrashCooldown           Duration `json:"crash_cooldown" yaml:"crash_cooldown" toml:"crash_cooldown"`
	ShutdownTimeout         Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type PredictiveConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Depth        int      `json:"depth" yaml:"depth" toml:"depth"`
	Extensions   []string `json:"extensions" yaml:"extensions" toml:"extensions"`
	IndexNames   []string `json:"index_names" yaml:"index_names" toml:"index_names"`
	LeaseTimeout Duration `json:"lease_timeout" yaml:"lease_timeout" toml:"lease_timeout"`
	Concurrency  int      `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	// Rate is opens per second; 0 is unlimited.
	Rate         float64  `json:"rate" yaml:"rate" toml:"rate"`
	Ignore       []string `json:"ignore" yaml:"ignore" toml:"ignore"`
	MaxFileBytes int64    `json:"max_file_bytes" yaml:"max_file_bytes" toml:"max_file_bytes"`
}

type ServerConfig struct {
	Command               []string       `json:"command" yaml:"command" toml:"command"`
	Extensions            []string       `json:"extensions" yaml:"extensions" toml:"extensions"`
	InitializationOptions map[string]any `json:"initialization_options,omitempty" yaml:"initialization_options,omitempty" toml:"initialization_options,omitempty"`
	Env                   []string       `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	// RestartInterval recycles a server process once it is this old and idle; 0 never recycles.
	RestartInterval Duration `json:"restart_interval,omitempty" yaml:"restart_interval,omitempty" toml:"restart_interval,omitempty"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Default returns the built-in configuration.
func Default() Config {
	servers := make(map[string]ServerConfig)
	for name, s := range lspclient.DefaultServers() {
		servers[name] = ServerConfig{
			Command:    append([]string(nil), s.Command...),
			Extensions: append([]string(nil), s.Extensions...),
		}
	}
	return Config{
		Addr:       ":7420",
		LogLevel:   "info",
		LogFormat:  "console",
		RequestLog: "info",
		Pool: PoolConfig{
			Enabled:                 true,
			MaxInstancesPerLanguage: 2,
			IdleTimeout:             Duration(10 * time.Minute),
			SweepInterval:           Duration(60 * time.Second),
			LeaseWaitTimeout:        Duration(30 * time.Second),
			StartupTimeout:          Duration(60 * time.Second),
			CrashBackoffSeed:        Duration(500 * time.Millisecond),
			CrashBackoffCap:         5,
			CrashThreshold:          3,
			CrashCooldown:           Duration(5 * time.Minute),
			ShutdownTimeout:         Duration(3 * time.Second),
		},
		Predictive: PredictiveConfig{
			Enabled:      true,
			Extensions:   append([]string(nil), resolver.DefaultExtensions...),
			IndexNames:   append([]string(nil), resolver.DefaultIndexNames...),
			LeaseTimeout: Duration(500 * time.Millisecond),
			Concurrency:  8,
			Ignore:       []string{"**/node_modules/**", "**/.git/**"},
			MaxFileBytes: 1 << 20,
		},
		Servers: servers,
		CORS: CORSConfig{
			Methods: []string{"GET", "POST", "OPTIONS"},
			Headers: []string{"Content-Type"},
		},
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Addr == "" {
		bad("addr must be set")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		bad("log_level: %v", err)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		bad("log_format must be console or json, got %q", c.LogFormat)
	}
	if c.Pool.MaxInstancesPerLanguage <= 0 {
		bad("pool.max_instances_per_language must be > 0")
	}
	if c.Pool.IdleTimeout <= 0 {
		bad("pool.idle_timeout must be > 0")
	}
	if c.Pool.CrashThreshold <= 0 {
		bad("pool.crash_circuit_breaker_threshold must be > 0")
	}
	if c.Pool.CrashBackoffCap < 0 {
		bad("pool.crash_backoff_cap must be >= 0")
	}
	if c.Predictive.Depth < 0 {
		bad("predictive.depth must be >= 0")
	}
	if c.Predictive.Rate < 0 {
		bad("predictive.rate must be >= 0")
	}
	for _, pat := range c.Predictive.Ignore {
		if !doublestar.ValidatePattern(pat) {
			bad("predictive.ignore: invalid pattern %q", pat)
		}
	}
	if len(c.Servers) == 0 {
		bad("at least one server must be configured")
	}
	for name, s := range c.Servers {
		if len(s.Command) == 0 {
			bad("servers.%s.command must be set", name)
		}
		if s.RestartInterval < 0 {
			bad("servers.%s.restart_interval must be >= 0", name)
		}
	}
	return errors.Join(errs...)
}

// LSPServers converts the server table for the launcher.
func (c Config) LSPServers() lspclient.Servers {
	out := make(lspclient.Servers, len(c.Servers))
	for name, s := range c.Servers {
		out[name] = lspclient.ServerConfig{
			Command:               s.Command,
			Extensions:            s.Extensions,
			InitializationOptions: s.InitializationOptions,
			Env:                   s.Env,
		}
	}
	return out
}

// PoolConfig returns pool settings; Launcher and Logger are left to the caller.
// A crash_backoff_cap of 0 keeps every restart delay at the seed.
func (c Config) PoolConfig() pool.Config {
	backoffCap := c.Pool.CrashBackoffCap
	if backoffCap == 0 {
		backoffCap = -1
	}
	intervals := make(map[string]time.Duration)
	for name, s := range c.Servers {
		if s.RestartInterval > 0 {
			intervals[name] = s.RestartInterval.D()
		}
	}
	return pool.Config{
		MaxInstancesPerLanguage: c.Pool.MaxInstancesPerLanguage,
		IdleTimeout:             c.Pool.IdleTimeout.D(),
		SweepInterval:           c.Pool.SweepInterval.D(),
		LeaseWaitTimeout:        c.Pool.LeaseWaitTimeout.D(),
		PredictiveWaitTimeout:   c.Predictive.LeaseTimeout.D(),
		StartupTimeout:          c.Pool.StartupTimeout.D(),
		CrashBackoffSeed:        c.Pool.CrashBackoffSeed.D(),
		CrashBackoffCap:         backoffCap,
		CrashThreshold:          c.Pool.CrashThreshold,
		CrashCooldown:           c.Pool.CrashCooldown.D(),
		TerminateTimeout:        c.Pool.ShutdownTimeout.D() + 2*time.Second,
		DisposeOnRelease:        !c.Pool.Enabled,
		RestartIntervals:        intervals,
	}
}

// PrefetchOptions returns loader settings, or nil when prefetch is disabled.
func (c Config) PrefetchOptions() *prefetch.Options {
	if !c.Predictive.Enabled {
		return nil
	}
	return &prefetch.Options{
		Depth:        c.Predictive.Depth,
		LeaseTimeout: c.Predictive.LeaseTimeout.D(),
		Concurrency:  c.Predictive.Concurrency,
		Rate:         c.Predictive.Rate,
		Ignore:       c.Predictive.Ignore,
		MaxFileBytes: c.Predictive.MaxFileBytes,
	}
}

// ResolverOptions returns import resolution settings.
func (c Config) ResolverOptions() resolver.Options {
	return resolver.Options{Extensions: c.Predictive.Extensions, IndexNames: c.Predictive.IndexNames}
}
