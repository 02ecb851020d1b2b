package pool

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidKey is returned for keys without a project or language.
	ErrInvalidKey = errors.New("pool: key requires project and language")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrLeaseTimeout is returned when a queued lease request expires.
	ErrLeaseTimeout = tooBusyError{reason: "lease wait timed out"}
	// ErrNoInstance is returned by LeasePredictive when no ready instance can be shared.
	ErrNoInstance = tooBusyError{reason: "no ready instance"}
	// ErrLeaseReleased is returned when a released lease is used.
	ErrLeaseReleased = errors.New("pool: lease already released")
	// ErrInstanceDead is returned when the leased instance's process is gone.
	ErrInstanceDead = errors.New("pool: instance is not running")
	// ErrServerUnavailable is returned while a key's crash circuit is open.
	ErrServerUnavailable = errors.New("pool: server unavailable after repeated crashes")
)

// tooBusyError signals a capacity error (maps to 429).
type tooBusyError struct{ reason string }

func (e tooBusyError) Error() string { return "too busy: " + e.reason }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// IsUnavailable reports whether err comes from an open crash circuit (return 503).
func IsUnavailable(err error) bool { return errors.Is(err, ErrServerUnavailable) }

// ProcessError wraps a failure to start or handshake with a server process.
type ProcessError struct {
	Key Key
	Err error
}

func (e *ProcessError) Error() string {
	return "start " + e.Key.Language + " server for " + e.Key.Project + ": " + e.Err.Error()
}

func (e *ProcessError) Unwrap() error { return e.Err }

// StatusCode maps process failures to 502 Bad Gateway.
func (e *ProcessError) StatusCode() int { return http.StatusBadGateway }

// IsProcessError reports whether err wraps a *ProcessError.
func IsProcessError(err error) bool {
	var pe *ProcessError
	return errors.As(err, &pe)
}
