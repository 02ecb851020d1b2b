package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lsppool/internal/httpapi"
	"lsppool/internal/lspclient"
	"lsppool/internal/service"
)

func newServeCmd(rf *rootFlags) *cobra.Command {
	var (
		corsOrigins string
		noPreload   bool
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the pool and its HTTP API",
		Example: "  lsppoold serve --addr :7420\n  lsppoold serve -c lsppool.yaml --cors-origins http://localhost:5173",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			if corsOrigins != "" {
				cfg.CORS.Enabled = true
				cfg.CORS.Origins = splitCSV(corsOrigins)
			}
			if noPreload {
				cfg.Predictive.Enabled = false
			}
			log := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Tracing {
				shutdown, err := setupTracing(os.Stderr)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(sctx)
				}()
			}

			launcher := lspclient.NewLauncher(lspclient.Options{
				Servers:         cfg.LSPServers(),
				ShutdownTimeout: cfg.Pool.ShutdownTimeout.D(),
				Logger:          &log,
			})
			pcfg := cfg.PoolConfig()
			pcfg.Launcher = launcher
			pcfg.Logger = &log
			svc, err := service.New(service.Config{
				Pool:      pcfg,
				Languages: launcher.Servers(),
				Prefetch:  cfg.PrefetchOptions(),
				Resolver:  cfg.ResolverOptions(),
				Logger:    &log,
			})
			if err != nil {
				return err
			}

			httpapi.SetLogger(log)
			httpapi.SetBaseContext(ctx)
			httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
			httpapi.SetOpenTimeout(cfg.OpenTimeout.D())
			httpapi.SetRequestLogLevel(cfg.RequestLog)
			httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)

			log.Info().Str("addr", cfg.Addr).Int("servers", len(cfg.Servers)).
				Bool("prefetch", cfg.Predictive.Enabled).Msg("lsppoold starting")
			serveErr := httpapi.Serve(ctx, cfg.Addr, httpapi.NewMux(svc))

			cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := svc.Close(cctx); err != nil {
				log.Warn().Err(err).Msg("pool shutdown incomplete")
			}
			log.Info().Msg("lsppoold stopped")
			return serveErr
		},
	}
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (enables CORS)")
	cmd.Flags().BoolVar(&noPreload, "no-preload", false, "Disable predictive prefetch")
	return cmd
}
