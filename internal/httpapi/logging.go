package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger used by the HTTP layer.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// defaultLogLevel is read once from LSPPOOL_REQUEST_LOG.
var defaultLogLevel = parseLevel(os.Getenv("LSPPOOL_REQUEST_LOG"))

// SetRequestLogLevel overrides the default per-request log level.
func SetRequestLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog logs the start and end of one API call at the request's level.
type requestLog struct {
	lvl   LogLevel
	op    string
	rid   string
	start time.Time
}

func startRequestLog(r *http.Request, op string, fields map[string]any) *requestLog {
	rl := &requestLog{lvl: requestLogLevel(r), op: op, rid: middleware.GetReqID(r.Context()), start: time.Now()}
	if rl.lvl >= LevelInfo {
		ev := zlog.Info().Str("path", r.URL.Path).Fields(fields)
		if rl.rid != "" {
			ev = ev.Str("request_id", rl.rid)
		}
		ev.Msg(op + " start")
	}
	return rl
}

func (rl *requestLog) end(status int, err error) {
	if rl.lvl == LevelOff || (rl.lvl == LevelError && err == nil) {
		return
	}
	ev := zlog.Info()
	if err != nil && status >= http.StatusInternalServerError {
		ev = zlog.Error()
	}
	ev = ev.Int("status", status).Dur("dur", time.Since(rl.start))
	if rl.rid != "" {
		ev = ev.Str("request_id", rl.rid)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(rl.op + " end")
}
