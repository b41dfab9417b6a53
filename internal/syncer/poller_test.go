package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-client/internal/testsupport"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

func newTestPoller(conn connector.Connector, repo Repository, l PollListener) *Poller {
	return NewPoller(slog.New(slog.DiscardHandler), PollerConfig{Interval: 10 * time.Millisecond}, conn, repo, l)
}

func TestPoller_FirstCycle(t *testing.T) {
	t.Parallel()

	// Arrange
	conn := testsupport.NewFakeConnector()
	conn.SetFlag(boolFlag("dark_mode", 1))
	conn.SetSegment(segment("beta", 1))
	repo := newRepo()
	spy := &spyListener{}
	p := newTestPoller(conn, repo, spy)
	defer p.Close()

	// Act
	p.Start()

	// Assert
	eventually(t, func() bool { return spy.pollReady.Load() == 1 }, "poll-ready never fired")
	_, ok := repo.GetFlag("dark_mode")
	assert.True(t, ok)
	_, ok = repo.GetSegment("beta")
	assert.True(t, ok)

	// Later cycles never fire ready again.
	eventually(t, func() bool { return conn.FetchAllCalls.Load() >= 3 }, "poller did not keep cycling")
	assert.Equal(t, int32(1), spy.pollReady.Load())
	assert.True(t, p.Ready())
}

func TestPoller_RetriesAfterFailure(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	conn.SetFlag(boolFlag("dark_mode", 1))
	conn.FailFetch(fmt.Errorf("boom: %w", connector.ErrTransient))
	spy := &spyListener{}
	p := newTestPoller(conn, newRepo(), spy)
	defer p.Close()

	p.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, spy.pollReady.Load(), "failed cycles must not report ready")
	assert.True(t, p.Running(), "a failed cycle must not stop the poller")

	conn.FailFetch(nil)

	eventually(t, func() bool { return spy.pollReady.Load() == 1 }, "poller did not recover")
	assert.Zero(t, spy.unauthorized.Load())
}

func TestPoller_ReportsUnauthorized(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	conn.FailFetch(fmt.Errorf("401: %w", connector.ErrCredentialRejected))
	spy := &spyListener{}
	p := newTestPoller(conn, newRepo(), spy)
	defer p.Close()

	p.Start()

	eventually(t, func() bool { return spy.unauthorized.Load() >= 1 }, "unauthorized never reported")
}

func TestPoller_Reconcile(t *testing.T) {
	t.Parallel()

	// Arrange: the cache holds entries the authority no longer serves.
	conn := testsupport.NewFakeConnector()
	conn.SetFlag(boolFlag("kept", 1))
	repo := newRepo()
	repo.SetFlag(t.Context(), boolFlag("kept", 1))
	repo.SetFlag(t.Context(), boolFlag("gone", 4))
	repo.SetSegment(t.Context(), segment("old", 1))
	spy := &spyListener{}
	p := newTestPoller(conn, repo, spy)
	defer p.Close()

	// Act
	p.Start()
	eventually(t, func() bool { return spy.pollReady.Load() == 1 }, "poll-ready never fired")

	// Assert
	assert.Equal(t, []string{"kept"}, repo.FlagIDs())
	assert.Empty(t, repo.SegmentIDs())
}

// gatedConnector holds the first FetchFlags response, already taken from the
// authority, until release is closed.
type gatedConnector struct {
	*testsupport.FakeConnector
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedConnector() *gatedConnector {
	return &gatedConnector{
		FakeConnector: testsupport.NewFakeConnector(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedConnector) FetchFlags(ctx context.Context) ([]model.FlagDefinition, error) {
	flags, err := g.FakeConnector.FetchFlags(ctx)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return flags, err
}

func (g *gatedConnector) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		t.Fatal("fetch never started")
	}
}

func TestPoller_ReconcileDuringHandoff(t *testing.T) {
	t.Parallel()

	t.Run("Should keep entries written while the fetch was in flight", func(t *testing.T) {
		t.Parallel()

		// Arrange
		conn := newGatedConnector()
		conn.SetFlag(boolFlag("kept", 1))
		repo := newRepo()
		repo.SetFlag(t.Context(), boolFlag("kept", 1))
		repo.SetFlag(t.Context(), boolFlag("gone", 1))
		repo.SetFlag(t.Context(), boolFlag("bumped", 1))
		spy := &spyListener{}
		p := NewPoller(slog.New(slog.DiscardHandler), PollerConfig{Interval: time.Hour}, conn, repo, spy)
		defer p.Close()

		// Act: the stream applies updates between the fetch and the apply.
		p.Start()
		conn.waitEntered(t)
		repo.SetFlag(t.Context(), boolFlag("fresh", 1))
		repo.SetFlag(t.Context(), boolFlag("bumped", 2))
		close(conn.release)

		// Assert
		eventually(t, func() bool { return spy.pollReady.Load() == 1 }, "poll-ready never fired")
		assert.Equal(t, []string{"bumped", "fresh", "kept"}, repo.FlagIDs())
		bumped, ok := repo.GetFlag("bumped")
		require.True(t, ok)
		assert.Equal(t, int64(2), bumped.Version)
	})

	t.Run("Should not reconcile once stopped", func(t *testing.T) {
		t.Parallel()

		// Arrange
		conn := newGatedConnector()
		conn.SetFlag(boolFlag("kept", 1))
		repo := newRepo()
		repo.SetFlag(t.Context(), boolFlag("kept", 1))
		repo.SetFlag(t.Context(), boolFlag("stream_only", 1))
		p := NewPoller(slog.New(slog.DiscardHandler), PollerConfig{Interval: time.Hour}, conn, repo, &spyListener{})

		// Act: the stream connects and takes over before the fetch returns.
		p.Start()
		conn.waitEntered(t)
		repo.SetFlag(t.Context(), boolFlag("fresh", 1))
		p.Stop()
		close(conn.release)
		p.Close()

		// Assert
		assert.Equal(t, []string{"fresh", "kept", "stream_only"}, repo.FlagIDs())
		assert.False(t, p.Running())
	})
}

func TestPoller_SkipsMalformedDefinitions(t *testing.T) {
	t.Parallel()

	broken := boolFlag("broken", 2)
	broken.OffVariation = "ghost"

	conn := testsupport.NewFakeConnector()
	conn.SetFlag(boolFlag("ok", 1))
	conn.SetFlag(broken)
	repo := newRepo()
	// A previously valid version stays cached rather than being reconciled away.
	repo.SetFlag(t.Context(), boolFlag("broken", 1))
	spy := &spyListener{}
	p := newTestPoller(conn, repo, spy)
	defer p.Close()

	p.Start()
	eventually(t, func() bool { return spy.pollReady.Load() == 1 }, "poll-ready never fired")

	cached, ok := repo.GetFlag("broken")
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.Version)
	_, ok = repo.GetFlag("ok")
	assert.True(t, ok)
}

func TestPoller_StopAndRestart(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	p := newTestPoller(conn, newRepo(), spy)
	defer p.Close()

	p.Start()
	p.Start() // idempotent
	eventually(t, func() bool { return conn.FetchAllCalls.Load() >= 2 }, "poller did not cycle")

	// Act
	p.Stop()
	assert.False(t, p.Running())
	time.Sleep(30 * time.Millisecond) // let an in-flight cycle drain
	calls := conn.FetchAllCalls.Load()
	time.Sleep(50 * time.Millisecond)

	// Assert
	assert.Equal(t, calls, conn.FetchAllCalls.Load(), "no cycle may start while stopped")

	p.Start()
	eventually(t, func() bool { return conn.FetchAllCalls.Load() > calls }, "poller did not resume")
}

func TestPoller_CloseIsFinal(t *testing.T) {
	t.Parallel()

	p := newTestPoller(testsupport.NewFakeConnector(), newRepo(), &spyListener{})

	p.Start()
	p.Close()
	p.Close()
	p.Start()

	assert.False(t, p.Running())
}

func TestNewPoller_PanicsOnMissingDependencies(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewPoller(nil, PollerConfig{}, nil, newRepo(), &spyListener{}) })
	assert.Panics(t, func() { NewPoller(nil, PollerConfig{}, testsupport.NewFakeConnector(), nil, &spyListener{}) })
	p := NewPoller(nil, PollerConfig{}, testsupport.NewFakeConnector(), newRepo(), &spyListener{})
	assert.Equal(t, DefaultPollInterval, p.cfg.Interval)
}

func TestPoller_Metrics(t *testing.T) {
	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	p := NewPoller(slog.New(slog.DiscardHandler), PollerConfig{Interval: time.Hour}, conn, newRepo(), spy)
	defer p.Close()

	testsupport.AssertMetricDeltaAsync(t, "heimdall_poller_cycles_total", map[string]string{"status": "success"}, 1, func() {
		p.Start()
	})
	testsupport.AssertHistogramRecorded(t, "heimdall_poller_cycle_duration_seconds", nil)

	p.Stop()
	conn.FailFetch(errors.New("down"))
	testsupport.AssertMetricDeltaAsync(t, "heimdall_poller_cycles_total", map[string]string{"status": "fail"}, 1, func() {
		p.Start()
	})
}
