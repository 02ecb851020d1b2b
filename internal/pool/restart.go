package pool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Restart retires every instance of key and closes its crash circuit so the
// next lease starts a fresh server. Idle and crash-restarting instances are
// terminated at once; leased ones keep serving their current holders and are
// terminated on the last release. Instances still starting are left alone.
// It returns the number of instances retired.
func (p *Pool) Restart(ctx context.Context, key Key) (int, error) {
	key = key.Normalize()
	if !key.Valid() {
		return 0, ErrInvalidKey
	}
	_, span := tracer.Start(ctx, "pool.Restart", trace.WithAttributes(
		attribute.String("lsppool.project", key.Project),
		attribute.String("lsppool.language", key.Language),
	))
	defer span.End()

	var b batch
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	n := 0
	circuit := false
	if ks := p.keys[key]; ks != nil {
		circuit = p.resetCircuitLocked(ks)
		for _, in := range append([]*instance(nil), ks.instances...) {
			if p.retireLocked(&b, ks, in, "restart") {
				n++
			}
		}
		p.rebalanceLocked(&b, key.Language)
	}
	b.emit(EventRestartRequested, key, "", map[string]any{"retired": n, "circuit_reset": circuit})
	p.mu.Unlock()
	p.finish(&b)

	span.SetAttributes(attribute.Int("lsppool.retired", n))
	p.log.Info().Str("key", key.String()).Int("retired", n).Bool("circuit_reset", circuit).Msg("restart requested")
	return n, nil
}

// retireLocked terminates in when nothing holds it and otherwise marks it to
// be terminated on its last release. It reports whether in was retired.
func (p *Pool) retireLocked(b *batch, ks *keyState, in *instance, reason string) bool {
	switch {
	case in.detached || in.state == StateStarting || in.retire != "":
		return false
	case in.state == StateRestarting || in.refs() == 0:
		p.detachLocked(b, ks, in, reason)
	default:
		in.retire = reason
		p.signalLocked(ks)
	}
	return true
}

// expiredLocked reports whether the process of in outlived its language's
// restart interval.
func (p *Pool) expiredLocked(in *instance, now time.Time) bool {
	limit := p.cfg.RestartIntervals[in.key.Language]
	return limit > 0 && in.available() && !in.startedAt.IsZero() && now.Sub(in.startedAt) >= limit
}
