package responsecache

import (
	"time"
)

// Notification names on the event bus.
const (
	EventHit        = "hit"
	EventMiss       = "missed"
	EventStore      = "stored"
	EventStoreError = "store-failed"
)

// Event describes one cache decision.
type Event struct {
	Key        string
	Method     string
	URL        string
	StatusCode int
	// TTL is the remaining lifetime of the served or stored entry.
	TTL  time.Duration
	Tags []string
	Err  error
}

// OnHit registers fn to be notified when a response is served from the store.
func (c *ResponseCache) OnHit(fn func(Event)) {
	c.on(EventHit, fn)
}

// OnMiss registers fn to be notified when an eligible request was not found in the store.
// The notification is sent before the handler runs.
func (c *ResponseCache) OnMiss(fn func(Event)) {
	c.on(EventMiss, fn)
}

// OnStore registers fn to be notified when a response was stored.
func (c *ResponseCache) OnStore(fn func(Event)) {
	c.on(EventStore, fn)
}

// OnStoreError registers fn to be notified when storing a response failed.
func (c *ResponseCache) OnStoreError(fn func(Event)) {
	c.on(EventStoreError, fn)
}

// Observers run synchronously on the request goroutine while the bus lock is
// held. They must return quickly and must not register further observers.
func (c *ResponseCache) on(name string, fn func(Event)) {
	c.observer.On(name, func(args ...interface{}) {
		if len(args) != 1 {
			return
		}
		if e, ok := args[0].(Event); ok {
			fn(e)
		}
	})
}

func (c *ResponseCache) trigger(name string, e Event) {
	c.observer.Trigger(name, e)
}
