package types

// OpenRequest asks the pool to open a file on the analysis server for a project.
type OpenRequest struct {
	// Project identifier (usually the repository root or a logical name).
	// example: webapp
	Project string `json:"project" example:"webapp"`
	// Language of the server to use. When empty it is derived from the file extension.
	// example: typescript
	Language string `json:"language,omitempty" example:"typescript"`
	// Workspace directory the server is started in. Empty means the current directory.
	// example: /src/webapp
	Workspace string `json:"workspace,omitempty" example:"/src/webapp"`
	// File to open, absolute or relative to the workspace.
	// example: /src/webapp/src/main.ts
	File string `json:"file" example:"/src/webapp/src/main.ts"`
	// Maximum time to wait for a lease in milliseconds; 0 uses the server default.
	// example: 5000
	TimeoutMS int64 `json:"timeout_ms,omitempty" example:"5000"`
	// Skip predictive prefetch of the file's imports.
	// example: false
	NoPreload bool `json:"no_preload,omitempty" example:"false"`
}

// OpenResponse reports which pooled instance served an open request.
type OpenResponse struct {
	// ID of the pooled instance that opened the file.
	// example: 3f1c9a4e-8a1b-4c55-9e0e-8b7a1f2d9c10
	InstanceID string `json:"instance_id" example:"3f1c9a4e-8a1b-4c55-9e0e-8b7a1f2d9c10"`
	// Process ID of the analysis server.
	// example: 12345
	PID int `json:"pid" example:"12345"`
	// Language the request was routed to.
	// example: typescript
	Language string `json:"language" example:"typescript"`
	// True when predictive prefetch was started for the file.
	// example: true
	Preload bool `json:"preload" example:"true"`
	// True when the file was already open on the instance, for example
	// because a preload warmed it.
	// example: false
	Warm bool `json:"warm" example:"false"`
}

// PreloadRequest asks the loader to warm the imports of a file.
type PreloadRequest struct {
	// Project identifier.
	// example: webapp
	Project string `json:"project" example:"webapp"`
	// Language of the server; derived from the file extension when empty.
	// example: typescript
	Language string `json:"language,omitempty" example:"typescript"`
	// Workspace directory.
	// example: /src/webapp
	Workspace string `json:"workspace,omitempty" example:"/src/webapp"`
	// File whose imports are warmed.
	// example: /src/webapp/src/main.ts
	File string `json:"file" example:"/src/webapp/src/main.ts"`
}

// PreloadResponse acknowledges an accepted preload.
type PreloadResponse struct {
	// Path of the file being preloaded after normalization.
	// example: /src/webapp/src/main.ts
	File string `json:"file" example:"/src/webapp/src/main.ts"`
	// State of the preload record at the time of the response (in_flight or done).
	// example: in_flight
	State string `json:"state" example:"in_flight"`
}

// RestartRequest asks the pool to restart the servers of one key.
type RestartRequest struct {
	// Project identifier.
	// example: webapp
	Project string `json:"project" example:"webapp"`
	// Language of the servers to restart.
	// example: typescript
	Language string `json:"language" example:"typescript"`
	// Workspace directory of the key.
	// example: /src/webapp
	Workspace string `json:"workspace,omitempty" example:"/src/webapp"`
}

// RestartResponse reports what a restart touched.
type RestartResponse struct {
	// Instances retired by the restart. Leased ones stop on their last release.
	// example: 1
	Retired int `json:"retired" example:"1"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// KeyStats summarizes the instances and queue of one pool key.
type KeyStats struct {
	// example: webapp
	Project string `json:"project" example:"webapp"`
	// example: typescript
	Language string `json:"language" example:"typescript"`
	// example: /src/webapp
	Workspace string `json:"workspace,omitempty" example:"/src/webapp"`
	// Number of instance records for the key, in any state.
	// example: 2
	Instances int `json:"instances" example:"2"`
	// Instances with at least one holder.
	// example: 1
	Leased int `json:"leased" example:"1"`
	// Instances with no holder.
	// example: 1
	Idle int `json:"idle" example:"1"`
	// Instances whose process is starting for the first time.
	// example: 0
	Starting int `json:"starting" example:"0"`
	// Instances waiting for a crash restart.
	// example: 0
	Restarting int `json:"restarting" example:"0"`
	// Total crashes observed for the key.
	// example: 0
	CrashCount int `json:"crash_count" example:"0"`
	// Callers waiting for a lease.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// True while the crash circuit breaker rejects new leases.
	// example: false
	CircuitOpen bool `json:"circuit_open" example:"false"`
	// When the circuit closes again (unix seconds), zero when closed.
	// example: 0
	CircuitReopensAt int64 `json:"circuit_reopens_at_unix,omitempty" example:"0"`
}

// InstanceStatus describes one pooled analysis-server instance.
type InstanceStatus struct {
	// example: 3f1c9a4e-8a1b-4c55-9e0e-8b7a1f2d9c10
	ID string `json:"id" example:"3f1c9a4e-8a1b-4c55-9e0e-8b7a1f2d9c10"`
	// example: webapp
	Project string `json:"project" example:"webapp"`
	// example: typescript
	Language string `json:"language" example:"typescript"`
	// example: /src/webapp
	Workspace string `json:"workspace,omitempty" example:"/src/webapp"`
	// Lifecycle state (starting, idle, leased, restarting, dead).
	// example: leased
	State string `json:"state" example:"leased"`
	// Primary holders.
	// example: 1
	PrimaryRefs int `json:"primary_refs" example:"1"`
	// Predictive (prefetch) holders.
	// example: 0
	PredictiveRefs int `json:"predictive_refs" example:"0"`
	// Crashes of this record.
	// example: 0
	CrashCount int `json:"crash_count" example:"0"`
	// Process ID of the current process; zero while no process runs.
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// Last time the instance went idle (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Creation time (unix seconds).
	// example: 1700000000
	CreatedAt int64 `json:"created_at_unix" example:"1700000000"`
	// Set once a restart or recycle retired the instance; it is terminated
	// when its last holder releases it.
	// example: false
	Retiring bool `json:"retiring,omitempty" example:"false"`
}

// PrefetchStats reports predictive loader counters.
type PrefetchStats struct {
	// Whether predictive prefetch is enabled.
	// example: true
	Enabled bool `json:"enabled" example:"true"`
	// Preload records currently in flight.
	// example: 0
	InFlight int `json:"in_flight" example:"0"`
	// Files currently recorded as open.
	// example: 12
	Warmed int `json:"warmed" example:"12"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Keys      []KeyStats       `json:"keys"`
	Instances []InstanceStatus `json:"instances"`
	// Prefetch counters, omitted when the loader is not configured.
	Prefetch *PrefetchStats `json:"prefetch,omitempty"`
	// Seconds since the pool was created.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server wall clock (unix seconds).
	// example: 1700000000
	ServerTime int64 `json:"server_time_unix" example:"1700000000"`
}
