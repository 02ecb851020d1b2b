package pool

import (
	"context"
	"path/filepath"
	"time"
)

// Key identifies a class of interchangeable server instances.
type Key struct {
	Project   string
	Language  string
	Workspace string
}

// Valid reports whether the key names a project and a language.
func (k Key) Valid() bool { return k.Project != "" && k.Language != "" }

func (k Key) String() string {
	return k.Project + "/" + k.Language + "@" + k.Workspace
}

// Normalize cleans the workspace path so equivalent spellings share instances.
func (k Key) Normalize() Key {
	if k.Workspace != "" {
		k.Workspace = filepath.Clean(k.Workspace)
	}
	return k
}

// State is the lifecycle state of a pooled instance.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateLeased
	StateRestarting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateRestarting:
		return "restarting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference to a running server process.
type Handle interface {
	PID() int
}

// Launcher starts and stops server processes.
//
// Spawn must not tie the process lifetime to ctx; ctx only bounds startup.
// The returned channel yields exactly one value when the process exits (nil
// for a clean exit) and is never written again.
type Launcher interface {
	Spawn(ctx context.Context, language, workspaceDir string) (Handle, <-chan error, error)
	Terminate(ctx context.Context, h Handle) error
}

// FileOpener makes a server aware of a file.
type FileOpener interface {
	OpenFile(ctx context.Context, h Handle, path string) error
}

// instance is a pooled server record. All fields are guarded by Pool.mu.
type instance struct {
	id             string
	key            Key
	handle         Handle
	state          State
	primaryRefs    int
	predictiveRefs int
	lastUsed       time.Time
	createdAt      time.Time
	// startedAt is when the current process became ready.
	startedAt  time.Time
	crashCount int
	// gen increments on every process start so a stale watcher can be told apart.
	gen int
	// detached is set once the record left the key map; its process exit is expected.
	detached     bool
	restartTimer *time.Timer
	// retire names why the record is terminated on its last release; empty
	// while it serves new leases.
	retire string
}

func (in *instance) refs() int { return in.primaryRefs + in.predictiveRefs }

// ready reports whether a process is running and can serve leases.
func (in *instance) ready() bool {
	return !in.detached && (in.state == StateIdle || in.state == StateLeased)
}

// available reports whether the record can take new leases.
func (in *instance) available() bool { return in.ready() && in.retire == "" }

// live reports whether the record counts against the language cap.
func (in *instance) live() bool { return !in.detached && in.state != StateDead }

func (in *instance) pid() int {
	if in.handle == nil {
		return 0
	}
	return in.handle.PID()
}
