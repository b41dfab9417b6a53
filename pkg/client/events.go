package client

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rafaeljc/heimdall-client/internal/observability"
)

// Event is the kind of notification delivered to handlers.
type Event string

const (
	// EventReady fires once, when the client finished initializing.
	EventReady Event = "ready"
	// EventChanged fires for every flag whose definition changed. A segment
	// change fires it for each flag referencing the segment.
	EventChanged Event = "changed"
)

// Handler receives an event. flagIdentifier is empty for EventReady.
type Handler func(event Event, flagIdentifier string)

// Subscription identifies a registered handler.
type Subscription uint64

type registration struct {
	id      Subscription
	handler Handler
}

type notification struct {
	event Event
	flag  string
}

// dispatcher delivers events on its own goroutine, so that handlers never run on
// a synchronizer goroutine. Handler lists are copy-on-write: a dispatch pass
// iterates a snapshot, and registrations made meanwhile apply to the next pass.
//
// emit never blocks. A notification identical to one still waiting is
// coalesced into it, so the backlog stays bounded by the number of flags.
type dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   Subscription
	handlers map[Event][]registration

	queueMu sync.Mutex
	pending []notification
	queued  map[notification]struct{}
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger:   logger,
		handlers: make(map[Event][]registration),
		queued:   make(map[notification]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run()
	}()
	return d
}

func (d *dispatcher) on(event Event, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	list := slices.Clone(d.handlers[event])
	d.handlers[event] = append(list, registration{id: id, handler: h})
	return id
}

func (d *dispatcher) off(id Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for event, list := range d.handlers {
		idx := slices.IndexFunc(list, func(r registration) bool { return r.id == id })
		if idx < 0 {
			continue
		}
		d.handlers[event] = slices.Delete(slices.Clone(list), idx, idx+1)
		return true
	}
	return false
}

func (d *dispatcher) offEvent(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, event)
}

func (d *dispatcher) offAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.handlers)
}

// emit queues an event. It drops the event once the dispatcher is closed.
func (d *dispatcher) emit(event Event, flag string) {
	n := notification{event: event, flag: flag}

	d.queueMu.Lock()
	if d.closed {
		d.queueMu.Unlock()
		return
	}
	if _, waiting := d.queued[n]; waiting {
		d.queueMu.Unlock()
		observability.ClientEventsCoalesced.Inc()
		return
	}
	d.queued[n] = struct{}{}
	d.pending = append(d.pending, n)
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// take hands the backlog to the dispatch loop.
func (d *dispatcher) take() []notification {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	batch := d.pending
	d.pending = nil
	clear(d.queued)
	return batch
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
			for _, n := range d.take() {
				select {
				case <-d.done:
					return
				default:
				}
				d.dispatch(n)
			}
		}
	}
}

func (d *dispatcher) dispatch(n notification) {
	d.mu.RLock()
	list := d.handlers[n.event]
	d.mu.RUnlock()

	observability.ClientEventsTotal.WithLabelValues(string(n.event)).Inc()
	for _, r := range list {
		d.invoke(r.handler, n)
	}
}

func (d *dispatcher) invoke(h Handler, n notification) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("event handler panicked",
				slog.String("event", string(n.event)),
				slog.String("flag", n.flag),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	h(n.event, n.flag)
}

// close stops dispatching and waits for an in-flight pass to finish.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		d.queueMu.Lock()
		d.closed = true
		d.pending = nil
		d.queueMu.Unlock()
		close(d.done)
	})
	d.wg.Wait()
}
