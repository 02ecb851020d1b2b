// Package pool leases, tracks, idles out and crash-recovers analysis-server
// processes keyed by (project, language, workspace). It is structured into
// small files by concern:
//
//   - pool.go: core Pool type, constructor, Close and small lookups.
//   - config.go: Config and package defaults; New applies defaults.
//   - types.go: Key, State, Handle, Launcher/FileOpener and the instance record.
//   - errors.go: sentinel and typed errors plus IsTooBusy/IsUnavailable/IsProcessError.
//   - lease.go: Lease/LeasePredictive/Release/OpenFile.
//   - waitqueue.go: per-key FIFO of blocked lease callers.
//   - spawn.go: process start, liveness watchers and termination.
//   - crash.go: crash accounting, backoff restarts and the circuit breaker.
//   - evict.go: idle sweep and LRU eviction across keys of one language.
//   - stats.go: Stats reporting.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors.
//
// Only the pool starts and stops processes. Callers hold *Lease values and
// never see process handles.
package pool
