package client

import (
	"context"
	"fmt"
	"sync"
)

// readiness is the composite initialization state. Every transition happens
// under mu, and done is closed exactly once: when all required subsystems are
// ready or when the failure latch is set, whichever comes first.
type readiness struct {
	mu sync.Mutex

	needStream  bool
	needMetrics bool

	poll    bool
	stream  bool
	metrics bool

	initialized bool
	failure     error
	done        chan struct{}
}

func newReadiness(needStream, needMetrics bool) *readiness {
	return &readiness{
		needStream:  needStream,
		needMetrics: needMetrics,
		done:        make(chan struct{}),
	}
}

// markPoll, markStream and markMetrics record a subsystem as ready. They return
// true to the single caller whose mark completed initialization.
func (r *readiness) markPoll() bool    { return r.mark(&r.poll) }
func (r *readiness) markStream() bool  { return r.mark(&r.stream) }
func (r *readiness) markMetrics() bool { return r.mark(&r.metrics) }

func (r *readiness) mark(field *bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	*field = true
	if r.settledLocked() {
		return false
	}
	if !r.poll || (r.needStream && !r.stream) || (r.needMetrics && !r.metrics) {
		return false
	}
	r.initialized = true
	close(r.done)
	return true
}

// fail latches err unless initialization already settled. It returns true if
// the latch was set by this call.
func (r *readiness) fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settledLocked() {
		return false
	}
	r.failure = err
	close(r.done)
	return true
}

func (r *readiness) settledLocked() bool {
	return r.initialized || r.failure != nil
}

func (r *readiness) isInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// wait blocks until initialization settles or ctx is done.
func (r *readiness) wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for initialization: %w", ctx.Err())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}
