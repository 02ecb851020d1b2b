package pool

import (
	"context"
	"time"
)

// maxBackoffShift keeps the backoff multiplication from overflowing.
const maxBackoffShift = 20

// backoff returns seed * 2^min(crashCount, cap). A negative cap means no growth.
func (p *Pool) backoff(crashCount int) time.Duration {
	exp := max(min(crashCount, p.cfg.CrashBackoffCap, maxBackoffShift), 0)
	return p.cfg.CrashBackoffSeed * time.Duration(1<<exp)
}

// processExited handles an exit reported by a watcher.
func (p *Pool) processExited(in *instance, gen int, exitErr error) {
	var b batch
	p.mu.Lock()
	if p.closed || in.detached || in.gen != gen {
		p.mu.Unlock()
		return
	}
	ks := p.keys[in.key]
	if ks == nil {
		p.mu.Unlock()
		return
	}
	pid := in.pid()
	p.crashedLocked(&b, ks, in, exitErr)
	p.mu.Unlock()
	ev := p.log.Warn().Str("key", in.key.String()).Str("instance", in.id).Int("pid", pid)
	if exitErr != nil {
		ev = ev.Err(exitErr)
	}
	ev.Msg("server exited unexpectedly")
	p.finish(&b)
}

// crashedLocked records a crash of in. Below the threshold the record is
// scheduled for a restart; at the threshold it is retired, the key's circuit
// opens and queued waiters fail with ErrServerUnavailable.
func (p *Pool) crashedLocked(b *batch, ks *keyState, in *instance, cause error) {
	in.state = StateDead
	in.handle = nil
	in.crashCount++
	ks.crashes++
	crashesTotal.WithLabelValues(in.key.Language).Inc()
	fields := map[string]any{"crash_count": in.crashCount}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	b.emit(EventCrash, in.key, in.id, fields)

	if in.retire != "" {
		p.detachLocked(b, ks, in, in.retire)
		p.rebalanceLocked(b, in.key.Language)
		return
	}
	if in.crashCount >= p.cfg.CrashThreshold {
		ks.circuitUntil = p.cfg.Now().Add(p.cfg.CrashCooldown)
		p.detachLocked(b, ks, in, "crash_loop")
		b.emit(EventCircuitOpen, in.key, in.id, map[string]any{"until": ks.circuitUntil.Unix()})
		for _, w := range ks.waiters.drain() {
			waitersGauge.WithLabelValues(in.key.Language).Dec()
			w.deliver(waitResult{err: ErrServerUnavailable})
		}
		p.rebalanceLocked(b, in.key.Language)
		return
	}

	in.state = StateRestarting
	delay := p.backoff(in.crashCount)
	p.wg.Add(1)
	in.restartTimer = time.AfterFunc(delay, func() { p.restart(in) })
	b.emit(EventRestartScheduled, in.key, in.id, map[string]any{"delay": delay.String()})
	p.signalLocked(ks)
}

// restart respawns a Restarting record. The replacement serves the oldest
// waiter of the key; a failed start counts as another crash.
func (p *Pool) restart(in *instance) {
	defer p.wg.Done()
	p.mu.Lock()
	in.restartTimer = nil
	if p.closed || in.detached || in.state != StateRestarting {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	h, exit, err := p.launch(p.ctx, in)

	var b batch
	p.mu.Lock()
	if p.closed || in.detached {
		p.mu.Unlock()
		if err == nil {
			p.terminateNow(h)
		}
		return
	}
	ks := p.keys[in.key]
	if err != nil {
		p.crashedLocked(&b, ks, in, err)
		p.mu.Unlock()
		p.finish(&b)
		return
	}
	p.installLocked(&b, ks, in, h, exit)
	if !p.serveWaiterLocked(&b, ks, in) && in.refs() == 0 {
		p.rebalanceLocked(&b, in.key.Language)
	}
	p.mu.Unlock()
	p.finish(&b)
}

// ResetCircuit closes the crash circuit of key ahead of its cool-down.
func (p *Pool) ResetCircuit(_ context.Context, key Key) bool {
	key = key.Normalize()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetCircuitLocked(p.keys[key])
}

func (p *Pool) resetCircuitLocked(ks *keyState) bool {
	if ks == nil || ks.circuitUntil.IsZero() {
		return false
	}
	ks.circuitUntil = time.Time{}
	return true
}
