package pool

import "time"

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			if n := p.sweepIdle(); n > 0 {
				p.log.Info().Int("evicted", n).Msg("idle sweep")
			}
		}
	}
}

// sweepIdle terminates idle instances unused for longer than IdleTimeout and
// recycles processes older than their language's restart interval. Keys with
// nothing left are dropped. It returns the number of instances removed.
func (p *Pool) sweepIdle() int {
	now := p.cfg.Now()
	var b batch
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	n := 0
	langs := make(map[string]struct{})
	for key, ks := range p.keys {
		for _, in := range append([]*instance(nil), ks.instances...) {
			if p.expiredLocked(in, now) {
				b.emit(EventRecycle, in.key, in.id, map[string]any{"age": now.Sub(in.startedAt).String()})
				if in.refs() == 0 {
					n++
				}
				p.retireLocked(&b, ks, in, "recycle")
				langs[key.Language] = struct{}{}
				continue
			}
			if in.state != StateIdle || in.refs() > 0 || now.Sub(in.lastUsed) <= p.cfg.IdleTimeout {
				continue
			}
			b.emit(EventEvictIdle, in.key, in.id, map[string]any{"idle": now.Sub(in.lastUsed).String()})
			p.detachLocked(&b, ks, in, "idle")
			langs[key.Language] = struct{}{}
			n++
		}
		if len(ks.instances) == 0 && ks.waiters.Len() == 0 && ks.crashes == 0 && !ks.circuitOpen(now) {
			delete(p.keys, key)
		}
	}
	for lang := range langs {
		p.rebalanceLocked(&b, lang)
	}
	p.mu.Unlock()
	p.finish(&b)
	return n
}

// lruIdleLocked returns the least recently used idle instance of language
// outside key.
func (p *Pool) lruIdleLocked(language string, exclude Key) (*instance, *keyState) {
	var best *instance
	var bestKS *keyState
	for key, ks := range p.keys {
		if key.Language != language || key == exclude {
			continue
		}
		for _, in := range ks.instances {
			if in.state != StateIdle || in.refs() > 0 || in.detached {
				continue
			}
			if best == nil || in.lastUsed.Before(best.lastUsed) {
				best, bestKS = in, ks
			}
		}
	}
	return best, bestKS
}

// rebalanceLocked starts instances for queued waiters of language while
// capacity allows, oldest waiter first. Capacity comes from the cap or from
// evicting idle instances of other keys.
func (p *Pool) rebalanceLocked(b *batch, language string) {
	if p.closed {
		return
	}
	now := p.cfg.Now()
	for {
		var needy *keyState
		for key, ks := range p.keys {
			if key.Language != language || ks.circuitOpen(now) || ks.demand() <= 0 {
				continue
			}
			if needy == nil || ks.waiters.peek().enqueuedAt.Before(needy.waiters.peek().enqueuedAt) {
				needy = ks
			}
		}
		if needy == nil {
			return
		}
		in := p.reserveLocked(b, needy)
		if in == nil {
			return
		}
		needy.spawning++
		p.wg.Add(1)
		go p.spawnForWaiters(needy, in)
	}
}
