package pool

import (
	"sort"

	"lsppool/pkg/types"
)

// Stats reports per-key and per-instance pool state.
func (p *Pool) Stats() types.StatsResponse {
	now := p.cfg.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	resp := types.StatsResponse{
		Keys:          make([]types.KeyStats, 0, len(p.keys)),
		Instances:     []types.InstanceStatus{},
		UptimeSeconds: int64(now.Sub(p.startTime).Seconds()),
		ServerTime:    now.Unix(),
	}
	keys := make([]Key, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		ks := p.keys[k]
		st := types.KeyStats{
			Project:    k.Project,
			Language:   k.Language,
			Workspace:  k.Workspace,
			Instances:  len(ks.instances),
			CrashCount: ks.crashes,
			QueueLen:   ks.waiters.Len(),
		}
		if ks.circuitOpen(now) {
			st.CircuitOpen = true
			st.CircuitReopensAt = ks.circuitUntil.Unix()
		}
		for _, in := range ks.instances {
			switch in.state {
			case StateStarting:
				st.Starting++
			case StateRestarting:
				st.Restarting++
			case StateIdle:
				st.Idle++
			case StateLeased:
				st.Leased++
			}
			resp.Instances = append(resp.Instances, types.InstanceStatus{
				ID:             in.id,
				Project:        k.Project,
				Language:       k.Language,
				Workspace:      k.Workspace,
				State:          in.state.String(),
				PrimaryRefs:    in.primaryRefs,
				PredictiveRefs: in.predictiveRefs,
				CrashCount:     in.crashCount,
				PID:            in.pid(),
				LastUsed:       in.lastUsed.Unix(),
				CreatedAt:      in.createdAt.Unix(),
				Retiring:       in.retire != "",
			})
		}
		resp.Keys = append(resp.Keys, st)
	}
	return resp
}

// KeyStats returns the stats row of one key and whether the key is tracked.
func (p *Pool) KeyStats(key Key) (types.KeyStats, bool) {
	key = key.Normalize()
	for _, ks := range p.Stats().Keys {
		if ks.Project == key.Project && ks.Language == key.Language && ks.Workspace == key.Workspace {
			return ks, true
		}
	}
	return types.KeyStats{}, false
}
