package client

import (
	"log/slog"

	"github.com/rafaeljc/heimdall-client/internal/analytics"
	"github.com/rafaeljc/heimdall-client/internal/auth"
	"github.com/rafaeljc/heimdall-client/internal/repository"
	"github.com/rafaeljc/heimdall-client/internal/syncer"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
)

// Compile-time checks to verify that hooks implements every subsystem listener.
var (
	_ auth.Listener         = hooks{}
	_ syncer.PollListener   = hooks{}
	_ syncer.StreamListener = hooks{}
	_ analytics.Listener    = hooks{}
	_ repository.Callback   = hooks{}
)

// hooks receives subsystem callbacks on behalf of the Client. It keeps the
// listener methods off the Client's public surface.
type hooks struct {
	c *Client
}

func (h hooks) OnAuthSuccess(_ connector.Session) {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return
	}
	c.authenticated = true
	if !c.streamConnected {
		c.poller.Start()
	}
	if c.cfg.StreamEnabled {
		c.streamer.Start()
	}
	if c.processor != nil {
		c.processor.Start()
	}
}

func (h hooks) OnAuthFailure(err error) {
	h.c.failed(err)
}

// OnUnauthorized pauses every subsystem and re-authenticates. Concurrent
// reports collapse into a single cycle.
func (h hooks) OnUnauthorized() {
	c := h.c
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.pauseLocked()
	c.mu.Unlock()

	c.auth.Reauthenticate()
}

func (h hooks) OnPollReady() {
	c := h.c
	if c.ready.markPoll() {
		c.initialized()
	}

	// A stream that connected before the cache was primed leaves the poller
	// running until this first cycle completes.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamConnected {
		c.poller.Stop()
	}
}

func (h hooks) OnStreamReady() {
	if h.c.ready.markStream() {
		h.c.initialized()
	}
}

// OnStreamConnected suspends polling, but only once a poll has succeeded:
// readiness needs one full fetch, which the stream never performs.
func (h hooks) OnStreamConnected() {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return
	}
	c.streamConnected = true
	if c.poller.Ready() {
		c.logger.Debug("stream connected, polling suspended")
		c.poller.Stop()
	}
}

func (h hooks) OnStreamDisconnected(err error) {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streamConnected = false
	if c.closing || !c.authenticated {
		return
	}
	c.logger.Info("stream disconnected, polling resumed", slog.String("error", err.Error()))
	c.poller.Start()
}

func (h hooks) OnMetricsReady() {
	if h.c.ready.markMetrics() {
		h.c.initialized()
	}
}

func (h hooks) OnMetricsFailure(err error) {
	h.c.failed(err)
}

func (h hooks) OnFlagChanged(identifier string, _ bool) {
	h.c.events.emit(EventChanged, identifier)
}

func (h hooks) OnSegmentChanged(_ string, dependents []string) {
	for _, flag := range dependents {
		h.c.events.emit(EventChanged, flag)
	}
}
