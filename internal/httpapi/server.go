package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lsppool/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Open(ctx context.Context, req types.OpenRequest) (types.OpenResponse, error)
	Preload(ctx context.Context, req types.PreloadRequest) (types.PreloadResponse, error)
	Restart(ctx context.Context, req types.RestartRequest) (types.RestartResponse, error)
	Stats() types.StatsResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/open", func(w http.ResponseWriter, r *http.Request) {
		var req types.OpenRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		setLanguage(r, req.Language)
		rl := startRequestLog(r, "open", map[string]any{
			"project": req.Project, "language": req.Language, "file": req.File,
		})
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if openTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, openTimeout)
			defer tcancel()
		}
		resp, err := svc.Open(ctx, req)
		if err != nil {
			// Client went away; nobody to answer.
			if r.Context().Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				writeJSONError(w, http.StatusGatewayTimeout, err.Error())
				rl.end(http.StatusGatewayTimeout, err)
				return
			}
			rl.end(writeServiceError(w, r, err), err)
			return
		}
		setLanguage(r, resp.Language)
		writeJSON(w, http.StatusOK, resp)
		rl.end(http.StatusOK, nil)
	})

	r.Post("/preload", func(w http.ResponseWriter, r *http.Request) {
		var req types.PreloadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		setLanguage(r, req.Language)
		rl := startRequestLog(r, "preload", map[string]any{"project": req.Project, "file": req.File})
		resp, err := svc.Preload(r.Context(), req)
		if err != nil {
			rl.end(writeServiceError(w, r, err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
		rl.end(http.StatusAccepted, nil)
	})

	r.Post("/restart", func(w http.ResponseWriter, r *http.Request) {
		var req types.RestartRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		setLanguage(r, req.Language)
		rl := startRequestLog(r, "restart", map[string]any{
			"project": req.Project, "language": req.Language, "workspace": req.Workspace,
		})
		resp, err := svc.Restart(r.Context(), req)
		if err != nil {
			rl.end(writeServiceError(w, r, err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		rl.end(http.StatusOK, nil)
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeJSON checks the content type, limits the body and decodes it into v.
// It writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps err to a status, writes it and returns the status.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) int {
	status, reason := statusFor(err)
	if reason != "" {
		recordRejection(r, reason)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, status, err.Error())
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Debug().Err(err).Msg("encode response")
	}
}

// ShutdownTimeout is how long Serve waits for in-flight requests on shutdown.
const ShutdownTimeout = 10 * time.Second

// Serve runs an HTTP server for h on addr until ctx is canceled, then shuts
// it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	<-errCh
	return nil
}
