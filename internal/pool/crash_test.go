package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	p := &Pool{cfg: Config{CrashBackoffSeed: 100 * time.Millisecond, CrashBackoffCap: 3}}
	cases := map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 200 * time.Millisecond,
		2: 400 * time.Millisecond,
		3: 800 * time.Millisecond,
		9: 800 * time.Millisecond,
	}
	for n, want := range cases {
		if got := p.backoff(n); got != want {
			t.Fatalf("backoff(%d)=%s want %s", n, got, want)
		}
	}
}

func TestCrashRestartServesQueuedWaiter(t *testing.T) {
	env := newTestPool(t, Config{MaxInstancesPerLanguage: 1, CrashThreshold: 3})
	holder := env.mustLease(t, keyA)
	results := make(chan leaseResult, 1)
	env.leaseAsync(keyA, 0, 2*time.Second, results)
	waitFor(t, "waiter enqueued", func() bool { return env.keyStats(keyA).QueueLen == 1 })

	unblock := env.launcher.block()
	defer unblock()
	env.launcher.handleFor(holder.PID()).exitWith(errSegfault)
	waitFor(t, "restart scheduled", func() bool { return env.events.Count(EventRestartScheduled) == 1 })
	if err := env.pool.OpenFile(context.Background(), holder, "/src/webapp/a.ts"); !errors.Is(err, ErrInstanceDead) {
		t.Fatalf("expected ErrInstanceDead on crashed lease, got %v", err)
	}
	env.pool.Release(holder)
	unblock()

	r := <-results
	if r.err != nil {
		t.Fatalf("queued waiter should survive the crash: %v", r.err)
	}
	if r.lease.InstanceID() != holder.InstanceID() {
		t.Fatalf("replacement should reuse the record")
	}
	if r.lease.PID() == holder.PID() {
		t.Fatalf("replacement should be a new process")
	}
	if env.launcher.spawnCount() != 2 {
		t.Fatalf("spawns=%d", env.launcher.spawnCount())
	}
	ks := env.keyStats(keyA)
	if ks.CrashCount != 1 || ks.Leased != 1 || ks.QueueLen != 0 {
		t.Fatalf("unexpected stats: %+v", ks)
	}
	env.pool.Release(r.lease)
}

func TestCircuitOpensAfterRepeatedCrashes(t *testing.T) {
	env := newTestPool(t, Config{CrashThreshold: 2, CrashCooldown: time.Minute})
	l := env.mustLease(t, keyA)
	first := l.PID()
	env.pool.Release(l)

	env.launcher.handleFor(first).exitWith(errSegfault)
	waitFor(t, "restart", func() bool { return env.launcher.spawnCount() == 2 && env.keyStats(keyA).Idle == 1 })
	st := env.pool.Stats()
	second := st.Instances[0].PID
	if second == first || st.Instances[0].CrashCount != 1 {
		t.Fatalf("unexpected instance after restart: %+v", st.Instances[0])
	}

	env.launcher.handleFor(second).exitWith(errSegfault)
	waitFor(t, "circuit open", func() bool { return env.keyStats(keyA).CircuitOpen })
	_, err := env.pool.Lease(context.Background(), keyA, time.Second)
	if !errors.Is(err, ErrServerUnavailable) || !IsUnavailable(err) {
		t.Fatalf("expected fail-fast unavailable, got %v", err)
	}
	ks := env.keyStats(keyA)
	if ks.Instances != 0 || ks.CrashCount != 2 {
		t.Fatalf("retired record still tracked: %+v", ks)
	}
	if env.launcher.spawnCount() != 2 {
		t.Fatalf("open circuit must not spawn")
	}

	env.clock.Advance(time.Minute + time.Second)
	l = env.mustLease(t, keyA)
	env.pool.Release(l)
	if env.launcher.spawnCount() != 3 {
		t.Fatalf("lease after cool-down should start a new instance")
	}
}

func TestCircuitFailsQueuedWaiters(t *testing.T) {
	env := newTestPool(t, Config{MaxInstancesPerLanguage: 1, CrashThreshold: 1})
	holder := env.mustLease(t, keyA)
	results := make(chan leaseResult, 1)
	env.leaseAsync(keyA, 0, 2*time.Second, results)
	waitFor(t, "waiter enqueued", func() bool { return env.keyStats(keyA).QueueLen == 1 })
	env.launcher.handleFor(holder.PID()).exitWith(errSegfault)
	r := <-results
	if !errors.Is(r.err, ErrServerUnavailable) {
		t.Fatalf("waiter got %v", r.err)
	}
	if env.events.Count(EventCircuitOpen) != 1 {
		t.Fatalf("circuit_open not published")
	}
	env.pool.Release(holder)
	if !env.pool.ResetCircuit(context.Background(), keyA) {
		t.Fatalf("reset should report an open circuit")
	}
	l := env.mustLease(t, keyA)
	env.pool.Release(l)
}

func TestRestartFailureCountsAsCrash(t *testing.T) {
	env := newTestPool(t, Config{CrashThreshold: 2})
	l := env.mustLease(t, keyA)
	env.pool.Release(l)
	env.launcher.setSpawnErr(errors.New("exec format error"))
	env.launcher.handleFor(l.PID()).exitWith(errSegfault)
	waitFor(t, "circuit open", func() bool { return env.keyStats(keyA).CircuitOpen })
	if got := env.events.Count(EventCrash); got != 2 {
		t.Fatalf("crash events=%d want 2", got)
	}
}

func TestPoolInitiatedExitIsNotACrash(t *testing.T) {
	env := newTestPool(t, Config{DisposeOnRelease: true})
	l := env.mustLease(t, keyA)
	env.pool.Release(l)
	waitFor(t, "terminate", func() bool { return len(env.launcher.terminatedPIDs()) == 1 })
	time.Sleep(10 * time.Millisecond)
	if env.events.Count(EventCrash) != 0 {
		t.Fatalf("terminated process reported as crash")
	}
	if ks := env.keyStats(keyA); ks.Instances != 0 {
		t.Fatalf("disposed instance still tracked: %+v", ks)
	}
}

func TestNegativeBackoffCapKeepsSeed(t *testing.T) {
	env := newTestPool(t, Config{CrashBackoffSeed: time.Second, CrashBackoffCap: -1})
	for _, n := range []int{0, 1, 3, 10} {
		if got := env.pool.backoff(n); got != time.Second {
			t.Fatalf("backoff(%d)=%s want 1s", n, got)
		}
	}
}
