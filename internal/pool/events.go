package pool

// Event names published by the pool.
const (
	EventSpawnStart       = "spawn_start"
	EventSpawnReady       = "spawn_ready"
	EventSpawnError       = "spawn_error"
	EventLease            = "lease"
	EventRelease          = "release"
	EventWaiterEnqueued   = "waiter_enqueued"
	EventWaiterTimeout    = "waiter_timeout"
	EventEvictIdle        = "evict_idle"
	EventEvictLRU         = "evict_lru"
	EventCrash            = "crash"
	EventRestartScheduled = "restart_scheduled"
	EventCircuitOpen      = "circuit_open"
	EventInstanceRemoved  = "instance_removed"
	EventRestartRequested = "restart_requested"
	EventRecycle          = "recycle"
)

// Event represents a pool lifecycle event.
// Minimal and stable: name + key + instance ID and optional fields via key/values.
type Event struct {
	Name       string
	Key        Key
	InstanceID string
	Fields     map[string]any
}

// EventPublisher receives events from the pool. Implementations should be
// lightweight and non-blocking; Publish must not panic. The pool never holds
// its lock while publishing.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// MultiPublisher fans events out to several publishers in order.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}
