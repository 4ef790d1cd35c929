// Package eventbus implements the in-process publish/subscribe broker that
// every other component routes lifecycle events through. Producers never
// know who (if anyone) is listening; observers never know who produced an
// event. The bus's only job is fan-out with error isolation.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haldane-systems/constellation/pkg/logging"
)

const subsystem = "EventBus"

// Observer receives events it subscribed to. Notify may return an error to
// report a handling failure; it must never rely on a panic to signal
// control flow, though the bus tolerates panics too (see notify below).
type Observer interface {
	Notify(event Event) error
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event) error

// Notify calls f.
func (f ObserverFunc) Notify(event Event) error { return f(event) }

// SubscriptionID identifies one Subscribe call; hand it to Unsubscribe to
// remove that registration. Observer values are not required to be
// comparable (a function-backed ObserverFunc is not), so identity is
// tracked through this handle rather than through the observer itself.
type SubscriptionID string

type subscription struct {
	id       SubscriptionID
	observer Observer
	// types is nil for a wildcard subscription (subscribe to everything).
	types map[EventType]struct{}
}

func (s *subscription) matches(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is an instance-scoped publish/subscribe broker. The zero value is not
// usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

// New creates an empty, ready-to-use event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers observer for the given event types and returns a
// handle for Unsubscribe. An empty types list subscribes to every event
// published on the bus.
func (b *Bus) Subscribe(observer Observer, types ...EventType) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	var typeSet map[EventType]struct{}
	if len(types) > 0 {
		typeSet = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			typeSet[t] = struct{}{}
		}
	}

	id := SubscriptionID(uuid.NewString())
	b.subs = append(b.subs, &subscription{id: id, observer: observer, types: typeSet})
	return id
}

// Unsubscribe removes the subscription identified by id, if any.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Publish fans out event to every matching observer concurrently and
// returns only once every observer's Notify has run to completion (or its
// failure was captured). A publisher that calls Publish sequentially from
// one goroutine therefore gets per-observer FIFO delivery for free: event N
// is fully delivered before Publish for event N+1 begins.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(event.Type) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(matched))
	for _, s := range matched {
		go func(s *subscription) {
			defer wg.Done()
			b.notify(s, event)
		}(s)
	}
	wg.Wait()
}

// notify invokes one observer, isolating both panics and returned errors so
// a misbehaving observer can never affect the publisher or its siblings.
func (b *Bus) notify(s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(subsystem, fmt.Errorf("observer panicked: %v", r), "observer notify panicked for event type %s", event.Type)
		}
	}()

	if err := s.observer.Notify(event); err != nil {
		logging.Error(subsystem, err, "observer returned error handling event type %s", event.Type)
	}
}
