// Package auth owns the client's session with the remote authority: the initial
// authentication, retries with exponential backoff, the periodic credential
// refresh and re-authentication after the authority rejects the credential.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/internal/validation"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
)

// State is the authentication state of the manager.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Listener receives the outcome of authentication cycles. Callbacks run on the
// manager's goroutines and must not block for long.
type Listener interface {
	// OnAuthSuccess is called after every successful (re)authentication cycle.
	OnAuthSuccess(session connector.Session)
	// OnAuthFailure is called when the credential is rejected for good.
	OnAuthFailure(err error)
	// OnUnauthorized is called when a scheduled refresh finds the credential revoked.
	OnUnauthorized()
}

// Config tunes retries and refresh. Zero values take defaults.
type Config struct {
	// RefreshInterval is how often the credential is renewed while authenticated.
	RefreshInterval time.Duration
	// InitialBackoff and MaxBackoff bound the retry delay for transient failures.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(time.Minute, c.InitialBackoff)
	}
}

// Manager drives the UNAUTHENTICATED → AUTHENTICATING → AUTHENTICATED cycle.
type Manager struct {
	logger   *slog.Logger
	conn     connector.Connector
	listener Listener
	cfg      Config

	baseCtx    context.Context
	baseCancel context.CancelFunc
	scheduler  *cron.Cron
	wg         sync.WaitGroup

	mu        sync.Mutex
	state     State
	session   connector.Session
	cancel    context.CancelFunc
	scheduled bool
	closed    bool
}

// New creates a Manager. Nothing happens until Start is called.
func New(logger *slog.Logger, cfg Config, conn connector.Connector, listener Listener) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(conn, "auth connector")
	validation.AssertNotNil(listener, "auth listener")
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger.With(slog.String("component", "auth")),
		conn:       conn,
		listener:   listener,
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		scheduler:  cron.New(),
	}
}

// Start triggers authentication in the background. It is a no-op while a cycle
// is in flight or a session is held.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state != StateUnauthenticated {
		return
	}
	m.beginLocked()
}

// Reauthenticate drops the current session, cancels any in-flight attempt and
// starts a fresh cycle. Called when the authority rejects the credential.
func (m *Manager) Reauthenticate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.state == StateAuthenticating {
		// A fresh attempt is already running; it will obtain a new credential.
		return
	}
	m.logger.Warn("credential rejected, re-authenticating")
	m.session = connector.Session{}
	m.beginLocked()
}

func (m *Manager) beginLocked() {
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancel = cancel
	m.state = StateAuthenticating

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.authenticate(ctx)
	}()
}

// authenticate retries transient failures with capped exponential backoff until
// it succeeds, the credential is rejected or ctx is cancelled.
func (m *Manager) authenticate(ctx context.Context) {
	var session connector.Session

	operation := func() error {
		s, err := m.conn.Authenticate(ctx)
		if err != nil {
			if connector.IsUnauthorized(err) {
				observability.AuthAttemptsTotal.WithLabelValues("rejected").Inc()
				return backoff.Permanent(err)
			}
			observability.AuthAttemptsTotal.WithLabelValues("error").Inc()
			return err
		}
		observability.AuthAttemptsTotal.WithLabelValues("success").Inc()
		session = s
		return nil
	}

	notify := func(err error, next time.Duration) {
		m.logger.Warn("authentication failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", next),
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(m.newBackOff(), ctx), notify)
	if ctx.Err() != nil {
		// Superseded by Reauthenticate or Close.
		return
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.state = StateUnauthenticated
		m.mu.Unlock()

		m.logger.Error("authentication rejected", slog.String("error", err.Error()))
		m.listener.OnAuthFailure(err)
		return
	}

	m.state = StateAuthenticated
	m.session = session
	m.scheduleRefreshLocked()
	m.mu.Unlock()

	m.logger.Info("authenticated",
		slog.String("environment", session.Environment),
		slog.String("cluster", session.Cluster),
	)
	m.listener.OnAuthSuccess(session)
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // never give up on transient errors
	return b
}

// scheduleRefreshLocked registers the periodic refresh job once.
func (m *Manager) scheduleRefreshLocked() {
	if m.scheduled {
		return
	}
	m.scheduler.Schedule(cron.Every(m.cfg.RefreshInterval), cron.FuncJob(m.refresh))
	m.scheduler.Start()
	m.scheduled = true
}

// refresh renews the credential while authenticated. A transient failure keeps
// the current session; a rejection is reported as unauthorized.
func (m *Manager) refresh() {
	m.mu.Lock()
	if m.closed || m.state != StateAuthenticated {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	session, err := m.conn.Authenticate(m.baseCtx)
	switch {
	case err == nil:
		observability.AuthAttemptsTotal.WithLabelValues("success").Inc()
		m.mu.Lock()
		if m.state == StateAuthenticated {
			m.session = session
		}
		m.mu.Unlock()
		m.logger.Debug("credential refreshed")

	case connector.IsUnauthorized(err):
		observability.AuthAttemptsTotal.WithLabelValues("rejected").Inc()
		m.mu.Lock()
		if m.state == StateAuthenticated {
			m.state = StateUnauthenticated
		}
		m.mu.Unlock()
		m.listener.OnUnauthorized()

	case errors.Is(err, context.Canceled):
		return

	default:
		observability.AuthAttemptsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("credential refresh failed, keeping current session", slog.String("error", err.Error()))
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session, or connector.ErrNotAuthenticated.
func (m *Manager) Session() (connector.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return connector.Session{}, connector.ErrNotAuthenticated
	}
	return m.session, nil
}

// Close cancels in-flight work, stops the refresh schedule and waits for the
// manager's goroutines to exit. It is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.baseCancel()
	m.mu.Unlock()

	<-m.scheduler.Stop().Done()
	m.wg.Wait()
}
