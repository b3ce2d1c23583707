package dispatch

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wildcard matches every dispatched event.
const Wildcard = "*"

// Event is delivered to every matching handler.
type Event struct {
	Name    string
	Payload any
	Time    time.Time
}

// Handler processes a dispatched event.
type Handler func(Event)

// Options control listener registration.
type Options struct {
	Priority int // higher runs first; default 0
	Once     bool
}

// Handle identifies a registration for later removal.
type Handle struct {
	id    string
	event string
}

type listener struct {
	id       string
	event    string
	priority int
	once     bool
	seq      uint64
	fn       Handler
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	TotalDispatches uint64
	TotalListeners  int
	EventCounts     map[string]uint64
}

// Dispatcher is an in-process publish/subscribe registry with priority
// ordering, one-shot listeners and wildcard listeners. Safe for concurrent
// use; handlers run on the dispatching goroutine.
type Dispatcher struct {
	mu         sync.Mutex
	listeners  map[string][]*listener
	seq        uint64
	dispatches uint64
	counts     map[string]uint64
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		listeners: make(map[string][]*listener),
		counts:    make(map[string]uint64),
	}
}

// On registers a handler for an event and returns a handle usable with Off.
func (d *Dispatcher) On(event string, fn Handler, opts ...Options) Handle {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	l := &listener{
		id:       uuid.NewString(),
		event:    event,
		priority: o.Priority,
		once:     o.Once,
		seq:      d.seq,
		fn:       fn,
	}
	d.listeners[event] = append(d.listeners[event], l)
	return Handle{id: l.id, event: event}
}

// Once registers a handler that is removed after its first invocation.
func (d *Dispatcher) Once(event string, fn Handler) Handle {
	return d.On(event, fn, Options{Once: true})
}

// Off removes the registration behind the handle. It reports whether a
// listener was actually removed.
func (d *Dispatcher) Off(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(h.event, h.id)
}

func (d *Dispatcher) removeLocked(event, id string) bool {
	ls := d.listeners[event]
	for i, l := range ls {
		if l.id == id {
			d.listeners[event] = append(ls[:i], ls[i+1:]...)
			if len(d.listeners[event]) == 0 {
				delete(d.listeners, event)
			}
			return true
		}
	}
	return false
}

// Dispatch invokes every handler registered for the event plus every
// wildcard handler, in descending priority order with ties broken by
// registration order. It returns the number of handlers invoked. A handler
// panic is logged and does not stop delivery to the remaining handlers.
func (d *Dispatcher) Dispatch(event string, payload any) int {
	d.mu.Lock()
	d.dispatches++
	d.counts[event]++

	matched := make([]*listener, 0, len(d.listeners[event])+len(d.listeners[Wildcard]))
	matched = append(matched, d.listeners[event]...)
	if event != Wildcard {
		matched = append(matched, d.listeners[Wildcard]...)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})

	// One-shot listeners come out of the registry before their handler runs
	// so a re-entrant dispatch cannot fire them twice.
	for _, l := range matched {
		if l.once {
			d.removeLocked(l.event, l.id)
		}
	}
	d.mu.Unlock()

	ev := Event{Name: event, Payload: payload, Time: time.Now()}
	for _, l := range matched {
		invoke(l, ev)
	}
	return len(matched)
}

func invoke(l *listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] handler for %q panicked: %v", ev.Name, r)
		}
	}()
	l.fn(ev)
}

// RemoveAllListeners drops every listener for the event and returns how many
// were removed.
func (d *Dispatcher) RemoveAllListeners(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.listeners[event])
	delete(d.listeners, event)
	return n
}

// HasListeners reports whether any listener is registered for the event.
func (d *Dispatcher) HasListeners(event string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[event]) > 0
}

// ListenerCount returns the number of listeners registered for the event.
func (d *Dispatcher) ListenerCount(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[event])
}

// Events returns the sorted list of event names with registered listeners.
func (d *Dispatcher) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.listeners))
	for name := range d.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of dispatch activity.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, ls := range d.listeners {
		total += len(ls)
	}
	counts := make(map[string]uint64, len(d.counts))
	for k, v := range d.counts {
		counts[k] = v
	}
	return Stats{
		TotalDispatches: d.dispatches,
		TotalListeners:  total,
		EventCounts:     counts,
	}
}

// Clear removes every listener and resets the counters.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = make(map[string][]*listener)
	d.counts = make(map[string]uint64)
	d.dispatches = 0
}
