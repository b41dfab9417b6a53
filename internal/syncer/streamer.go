package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/internal/ruleengine"
	"github.com/rafaeljc/heimdall-client/internal/validation"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// StreamState is the connection state of the Streamer.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StreamListener is notified by the Streamer. Callbacks run on the stream
// goroutine and must not block.
type StreamListener interface {
	// OnStreamReady fires once, on the first successful connection.
	OnStreamReady()
	// OnStreamConnected fires on every (re)connection.
	OnStreamConnected()
	// OnStreamDisconnected fires when an established connection drops.
	// It does not fire when the stream is stopped on purpose.
	OnStreamDisconnected(err error)
	// OnUnauthorized fires when the authority rejects the credential.
	OnUnauthorized()
}

// StreamerConfig tunes reconnection and buffering. Zero values take defaults.
type StreamerConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// QueueSize bounds notifications waiting to be applied.
	QueueSize int
}

func (c *StreamerConfig) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Streamer keeps the update stream open and applies each notification by
// re-fetching only the entity it names.
type Streamer struct {
	logger   *slog.Logger
	cfg      StreamerConfig
	conn     connector.Connector
	repo     Repository
	listener StreamListener

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	closed  bool
	wg      sync.WaitGroup

	state atomic.Int32
	ready atomic.Bool
}

// NewStreamer creates a Streamer. Nothing runs until Start.
func NewStreamer(logger *slog.Logger, cfg StreamerConfig, conn connector.Connector, repo Repository, listener StreamListener) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(conn, "streamer connector")
	validation.AssertNotNil(repo, "streamer repository")
	validation.AssertNotNil(listener, "streamer listener")
	cfg.applyDefaults()

	return &Streamer{
		logger:   logger.With(slog.String("component", "stream")),
		cfg:      cfg,
		conn:     conn,
		repo:     repo,
		listener: listener,
	}
}

// Start launches the connect/reconnect loop. Starting a running or closed
// streamer is a no-op.
func (s *Streamer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	updates := make(chan model.Message, s.cfg.QueueSize)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.connectLoop(ctx, updates)
	}()
	go func() {
		defer s.wg.Done()
		s.applyLoop(ctx, updates)
	}()
}

// Stop tears the connection down without waiting.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Streamer) stopLocked() {
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	s.state.Store(int32(StreamDisconnected))
}

// Close stops the streamer for good and waits for its goroutines to exit.
func (s *Streamer) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()

	s.wg.Wait()
}

// State returns the current connection state.
func (s *Streamer) State() StreamState {
	return StreamState(s.state.Load())
}

// Ready reports whether the stream has ever connected.
func (s *Streamer) Ready() bool {
	return s.ready.Load()
}

// transition records state unless ctx belongs to a stopped run, so a loop
// that is winding down never overwrites the state of its successor.
func (s *Streamer) transition(ctx context.Context, state StreamState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.state.Store(int32(state))
	return true
}

// connectLoop holds the stream open, reconnecting with exponential backoff.
// The backoff resets after every successful connection.
func (s *Streamer) connectLoop(ctx context.Context, updates chan<- model.Message) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if !s.transition(ctx, StreamConnecting) {
			return
		}
		u := &streamUpdater{streamer: s, ctx: ctx, updates: updates, backoff: b}

		err := s.conn.Stream(ctx, u)

		wasConnected := u.connected.Load()
		if wasConnected {
			observability.StreamConnected.Set(0)
		}
		if !s.transition(ctx, StreamDisconnected) {
			s.logger.Debug("stream stopped")
			return
		}

		if err == nil {
			err = errors.New("stream closed by remote")
		}
		if wasConnected {
			s.logger.Warn("stream disconnected", slog.String("error", err.Error()))
			s.listener.OnStreamDisconnected(err)
		}
		if connector.IsUnauthorized(err) {
			s.listener.OnUnauthorized()
		}

		wait := b.NextBackOff()
		observability.StreamReconnectsTotal.Inc()
		s.logger.Info("reconnecting stream",
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// applyLoop applies queued notifications in arrival order.
func (s *Streamer) applyLoop(ctx context.Context, updates <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-updates:
			s.Apply(ctx, msg)
		}
	}
}

// Apply processes one notification: deletions are applied directly, anything
// else re-fetches the single entity it names. A notification whose version is
// not newer than the cached one is skipped without a fetch.
func (s *Streamer) Apply(ctx context.Context, msg model.Message) {
	var status string
	var err error

	switch msg.Domain {
	case model.DomainFlag:
		status, err = s.applyFlag(ctx, msg)
	case model.DomainSegment:
		status, err = s.applySegment(ctx, msg)
	default:
		s.logger.Warn("ignoring notification for unknown domain",
			slog.String("domain", string(msg.Domain)),
			slog.String("identifier", msg.Identifier),
		)
		observability.StreamMessagesTotal.WithLabelValues(string(msg.Domain), "skipped").Inc()
		return
	}

	if err != nil {
		status = "fail"
		if ctx.Err() == nil {
			s.logger.Error("failed to apply notification",
				slog.String("domain", string(msg.Domain)),
				slog.String("identifier", msg.Identifier),
				slog.String("error", err.Error()),
			)
		}
		if connector.IsUnauthorized(err) {
			s.listener.OnUnauthorized()
		}
	}
	observability.StreamMessagesTotal.WithLabelValues(string(msg.Domain), status).Inc()
}

func (s *Streamer) applyFlag(ctx context.Context, msg model.Message) (string, error) {
	if msg.IsDelete() {
		return statusOf(s.repo.DeleteFlag(ctx, msg.Identifier)), nil
	}
	if cached, ok := s.repo.GetFlag(msg.Identifier); ok && msg.Version > 0 && msg.Version <= cached.Version {
		return "skipped", nil
	}

	def, err := s.conn.FetchFlag(ctx, msg.Identifier)
	if errors.Is(err, connector.ErrNotFound) {
		return statusOf(s.repo.DeleteFlag(ctx, msg.Identifier)), nil
	}
	if err != nil {
		return "", err
	}
	if err := ruleengine.ValidateFlag(&def); err != nil {
		return "", err
	}
	return statusOf(s.repo.SetFlag(ctx, def)), nil
}

func (s *Streamer) applySegment(ctx context.Context, msg model.Message) (string, error) {
	if msg.IsDelete() {
		return statusOf(s.repo.DeleteSegment(ctx, msg.Identifier)), nil
	}
	if cached, ok := s.repo.GetSegment(msg.Identifier); ok && msg.Version > 0 && msg.Version <= cached.Version {
		return "skipped", nil
	}

	seg, err := s.conn.FetchSegment(ctx, msg.Identifier)
	if errors.Is(err, connector.ErrNotFound) {
		return statusOf(s.repo.DeleteSegment(ctx, msg.Identifier)), nil
	}
	if err != nil {
		return "", err
	}
	if err := ruleengine.ValidateSegment(&seg); err != nil {
		return "", err
	}
	return statusOf(s.repo.SetSegment(ctx, seg)), nil
}

// streamUpdater adapts one connection attempt to connector.Updater.
type streamUpdater struct {
	streamer *Streamer
	ctx      context.Context
	updates  chan<- model.Message
	backoff  backoff.BackOff

	connected atomic.Bool
}

func (u *streamUpdater) OnConnected() {
	s := u.streamer
	if !s.transition(u.ctx, StreamConnected) {
		return
	}
	u.connected.Store(true)
	u.backoff.Reset()
	observability.StreamConnected.Set(1)
	s.logger.Info("stream connected")

	if s.ready.CompareAndSwap(false, true) {
		s.listener.OnStreamReady()
	}
	s.listener.OnStreamConnected()
}

func (u *streamUpdater) Update(msg model.Message) {
	select {
	case u.updates <- msg:
	case <-u.ctx.Done():
	}
}

// Compile-time check to verify that streamUpdater implements connector.Updater.
var _ connector.Updater = (*streamUpdater)(nil)
