// Package client is the entry point of the SDK. A Client authenticates against
// the remote authority, keeps a local replica of flag and segment definitions in
// sync through polling and an update stream, evaluates flags locally and reports
// usage metrics.
//
// Evaluation never blocks on the network and never fails: when something is
// wrong, the caller-supplied default is served.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rafaeljc/heimdall-client/internal/analytics"
	"github.com/rafaeljc/heimdall-client/internal/auth"
	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/internal/repository"
	"github.com/rafaeljc/heimdall-client/internal/ruleengine"
	"github.com/rafaeljc/heimdall-client/internal/syncer"
	"github.com/rafaeljc/heimdall-client/internal/validation"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
	"github.com/rafaeljc/heimdall-client/pkg/store"
)

var (
	// ErrInitializationFailed is returned by WaitForInitialization when a
	// subsystem failed for good before the client became ready. It wraps the cause.
	ErrInitializationFailed = errors.New("client: initialization failed")

	// ErrClosed is returned by WaitForInitialization once the client is closed.
	ErrClosed = errors.New("client: closed")
)

// warmStartTimeout bounds loading persisted definitions in New.
const warmStartTimeout = 10 * time.Second

// Config tunes the client. Zero durations take the defaults of each subsystem;
// start from DefaultConfig to get streaming and analytics enabled.
type Config struct {
	PollInterval time.Duration

	StreamEnabled        bool
	StreamInitialBackoff time.Duration
	StreamMaxBackoff     time.Duration

	AnalyticsEnabled     bool
	MetricsFlushInterval time.Duration
	MetricsQueueSize     int

	AuthRefreshInterval time.Duration
	AuthInitialBackoff  time.Duration
	AuthMaxBackoff      time.Duration
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:         syncer.DefaultPollInterval,
		StreamEnabled:        true,
		AnalyticsEnabled:     true,
		MetricsFlushInterval: time.Minute,
		MetricsQueueSize:     10_000,
		AuthRefreshInterval:  time.Hour,
	}
}

// Client is safe for concurrent use.
type Client struct {
	logger *slog.Logger
	cfg    Config
	conn   connector.Connector

	repo      *repository.Repository
	engine    *ruleengine.Engine
	auth      *auth.Manager
	poller    *syncer.Poller
	streamer  *syncer.Streamer
	processor *analytics.Processor

	ready  *readiness
	events *dispatcher

	// mu arbitrates subsystem start/stop. It is never held while waiting on a
	// subsystem to exit.
	mu              sync.Mutex
	authenticated   bool
	streamConnected bool
	closing         bool
	closeOnce       sync.Once
}

// New builds a client and starts authenticating in the background. st is
// optional: when set, definitions are persisted to it and loaded back before
// the first poll. ctx bounds that initial load only.
func New(ctx context.Context, logger *slog.Logger, cfg Config, conn connector.Connector, st store.Store) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(conn, "client connector")

	c := &Client{
		logger: logger.With(slog.String("component", "client")),
		cfg:    cfg,
		conn:   conn,
		ready:  newReadiness(cfg.StreamEnabled, cfg.AnalyticsEnabled),
	}
	c.events = newDispatcher(c.logger)
	h := hooks{c: c}

	c.repo = repository.New(logger, st, h)

	var recorder ruleengine.Recorder
	if cfg.AnalyticsEnabled {
		proc, err := analytics.New(logger, analytics.Config{
			FlushInterval: cfg.MetricsFlushInterval,
			QueueSize:     cfg.MetricsQueueSize,
		}, conn, h)
		if err != nil {
			c.events.close()
			return nil, fmt.Errorf("failed to create analytics processor: %w", err)
		}
		c.processor = proc
		recorder = proc
	}
	c.engine = ruleengine.New(logger, c.repo, recorder)

	c.poller = syncer.NewPoller(logger, syncer.PollerConfig{Interval: cfg.PollInterval}, conn, c.repo, h)
	// The streamer also serves manual updates, so it exists even when streaming is off.
	c.streamer = syncer.NewStreamer(logger, syncer.StreamerConfig{
		InitialBackoff: cfg.StreamInitialBackoff,
		MaxBackoff:     cfg.StreamMaxBackoff,
	}, conn, c.repo, h)
	c.auth = auth.New(logger, auth.Config{
		RefreshInterval: cfg.AuthRefreshInterval,
		InitialBackoff:  cfg.AuthInitialBackoff,
		MaxBackoff:      cfg.AuthMaxBackoff,
	}, conn, h)

	if st != nil {
		loadCtx, cancel := context.WithTimeout(ctx, warmStartTimeout)
		err := c.repo.Load(loadCtx)
		cancel()
		if err != nil {
			c.logger.Warn("failed to load persisted definitions, starting cold", slog.String("error", err.Error()))
		}
	}

	c.logger.Info("starting client",
		slog.Bool("stream", cfg.StreamEnabled),
		slog.Bool("analytics", cfg.AnalyticsEnabled),
		slog.Duration("poll_interval", cfg.PollInterval),
	)
	c.auth.Start()
	return c, nil
}

// BoolVariation returns the boolean served to target, or def.
func (c *Client) BoolVariation(flagIdentifier string, target *model.Target, def bool) bool {
	return c.engine.BoolVariation(flagIdentifier, target, def)
}

// StringVariation returns the string served to target, or def.
func (c *Client) StringVariation(flagIdentifier string, target *model.Target, def string) string {
	return c.engine.StringVariation(flagIdentifier, target, def)
}

// NumberVariation returns the number served to target, or def.
func (c *Client) NumberVariation(flagIdentifier string, target *model.Target, def float64) float64 {
	return c.engine.NumberVariation(flagIdentifier, target, def)
}

// JSONVariation returns the JSON document served to target, or def.
func (c *Client) JSONVariation(flagIdentifier string, target *model.Target, def map[string]any) map[string]any {
	return c.engine.JSONVariation(flagIdentifier, target, def)
}

// On registers h for event. Handlers of the same event run in registration
// order on a dedicated goroutine; they must not call Close.
func (c *Client) On(event Event, h Handler) Subscription {
	return c.events.on(event, h)
}

// Off removes a single handler. It reports whether the handler was registered.
func (c *Client) Off(sub Subscription) bool {
	return c.events.off(sub)
}

// OffEvent removes every handler of event.
func (c *Client) OffEvent(event Event) {
	c.events.offEvent(event)
}

// OffAll removes every handler.
func (c *Client) OffAll() {
	c.events.offAll()
}

// WaitForInitialization blocks until the client is ready. It fails with
// ErrInitializationFailed when a subsystem failed for good first, with ErrClosed
// when the client was closed first, or with ctx's error.
func (c *Client) WaitForInitialization(ctx context.Context) error {
	return c.ready.wait(ctx)
}

// Initialized reports whether the client became ready.
func (c *Client) Initialized() bool {
	return c.ready.isInitialized()
}

// Update applies a notification by hand, the way the update stream would.
func (c *Client) Update(ctx context.Context, msg model.Message) {
	if c.cfg.StreamEnabled {
		c.logger.Warn("applying a manual update while streaming is enabled; disable the stream to avoid duplicate work",
			slog.String("identifier", msg.Identifier),
		)
	}
	c.streamer.Apply(ctx, msg)
}

// Status is a point-in-time view of the client's synchronization state.
type Status struct {
	Initialized     bool   `json:"initialized"`
	Authenticated   bool   `json:"authenticated"`
	StreamConnected bool   `json:"streamConnected"`
	Polling         bool   `json:"polling"`
	Flags           int    `json:"flags"`
	Segments        int    `json:"segments"`
	Instance        string `json:"instance,omitempty"`
}

// Status returns the current synchronization state.
func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{
		Authenticated:   c.authenticated,
		StreamConnected: c.streamConnected,
	}
	c.mu.Unlock()

	st.Initialized = c.Initialized()
	st.Polling = c.poller.Running()
	st.Flags = len(c.repo.FlagIDs())
	st.Segments = len(c.repo.SegmentIDs())
	if c.processor != nil {
		st.Instance = c.processor.Instance()
	}
	return st
}

// Checker reports the client's readiness to the diagnostics server.
func (c *Client) Checker() observability.Checker {
	return observability.NewChecker("client", func(_ context.Context) error {
		if !c.Initialized() {
			return errors.New("not initialized")
		}
		return nil
	})
}

// Close stops every subsystem, flushes pending metrics and releases the
// connector. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		c.logger.Info("closing client")
		c.events.offAll()
		c.events.close()
		c.ready.fail(ErrClosed)

		c.auth.Close()
		c.poller.Close()
		c.streamer.Close()
		if c.processor != nil {
			c.processor.Close()
		}

		observability.ClientInitialized.Set(0)
		if cerr := c.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close connector: %w", cerr)
		}
	})
	return err
}

// pauseLocked stops every synchronizing subsystem until the next successful
// authentication.
func (c *Client) pauseLocked() {
	c.authenticated = false
	c.streamConnected = false
	c.poller.Stop()
	c.streamer.Stop()
	if c.processor != nil {
		c.processor.Stop()
	}
}

func (c *Client) initialized() {
	observability.ClientInitialized.Set(1)
	c.logger.Info("client initialized")
	c.events.emit(EventReady, "")
}

func (c *Client) failed(cause error) {
	if c.ready.fail(fmt.Errorf("%w: %w", ErrInitializationFailed, cause)) {
		c.logger.Error("client initialization failed", slog.String("error", cause.Error()))
	}
}
