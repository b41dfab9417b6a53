package syncer

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-client/internal/testsupport"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

func newTestStreamer(conn connector.Connector, repo Repository, l StreamListener) *Streamer {
	cfg := StreamerConfig{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	return NewStreamer(slog.New(slog.DiscardHandler), cfg, conn, repo, l)
}

// startConnected starts s and waits for the first connection.
func startConnected(t *testing.T, s *Streamer, spy *spyListener) {
	t.Helper()
	s.Start()
	eventually(t, func() bool { return spy.connected.Load() >= 1 }, "stream never connected")
}

func TestStreamer_Connect(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	s := newTestStreamer(conn, newRepo(), spy)
	defer s.Close()

	assert.Equal(t, StreamDisconnected, s.State())

	startConnected(t, s, spy)

	assert.Equal(t, StreamConnected, s.State())
	assert.Equal(t, int32(1), spy.streamReady.Load())
	assert.True(t, s.Ready())
	assert.Zero(t, conn.FetchAllCalls.Load(), "connecting must not trigger a full fetch")
}

func TestStreamer_AppliesNotifications(t *testing.T) {
	t.Parallel()

	t.Run("Should fetch only the changed flag", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		conn.SetFlag(boolFlag("dark_mode", 3))
		conn.SetFlag(boolFlag("other", 1))
		repo := newRepo()
		spy := &spyListener{}
		s := newTestStreamer(conn, repo, spy)
		defer s.Close()
		startConnected(t, s, spy)

		conn.Push(model.Message{Domain: model.DomainFlag, Event: model.ActionPatch, Identifier: "dark_mode", Version: 3})

		eventually(t, func() bool { _, ok := repo.GetFlag("dark_mode"); return ok }, "flag never applied")
		assert.Equal(t, int32(1), conn.FetchOneCalls.Load())
		assert.Zero(t, conn.FetchAllCalls.Load())
		_, ok := repo.GetFlag("other")
		assert.False(t, ok)
	})

	t.Run("Should apply segment notifications", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		conn.SetSegment(segment("beta", 2))
		repo := newRepo()
		spy := &spyListener{}
		s := newTestStreamer(conn, repo, spy)
		defer s.Close()
		startConnected(t, s, spy)

		conn.Push(model.Message{Domain: model.DomainSegment, Event: model.ActionCreate, Identifier: "beta"})

		eventually(t, func() bool { _, ok := repo.GetSegment("beta"); return ok }, "segment never applied")
	})

	t.Run("Should delete without fetching", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		repo := newRepo()
		repo.SetFlag(t.Context(), boolFlag("dark_mode", 1))
		spy := &spyListener{}
		s := newTestStreamer(conn, repo, spy)
		defer s.Close()
		startConnected(t, s, spy)

		conn.Push(model.Message{Domain: model.DomainFlag, Event: model.ActionDelete, Identifier: "dark_mode"})

		eventually(t, func() bool { _, ok := repo.GetFlag("dark_mode"); return !ok }, "flag never deleted")
		assert.Zero(t, conn.FetchOneCalls.Load())
	})

	t.Run("Should delete when the authority no longer has the flag", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		repo := newRepo()
		repo.SetFlag(t.Context(), boolFlag("dark_mode", 1))
		spy := &spyListener{}
		s := newTestStreamer(conn, repo, spy)
		defer s.Close()
		startConnected(t, s, spy)

		conn.Push(model.Message{Domain: model.DomainFlag, Event: model.ActionPatch, Identifier: "dark_mode", Version: 2})

		eventually(t, func() bool { _, ok := repo.GetFlag("dark_mode"); return !ok }, "flag never deleted")
	})

	t.Run("Should skip stale versions without fetching", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		conn.SetFlag(boolFlag("fresh", 1))
		repo := newRepo()
		repo.SetFlag(t.Context(), boolFlag("dark_mode", 5))
		spy := &spyListener{}
		s := newTestStreamer(conn, repo, spy)
		defer s.Close()
		startConnected(t, s, spy)

		conn.Push(model.Message{Domain: model.DomainFlag, Event: model.ActionPatch, Identifier: "dark_mode", Version: 4})
		// A later message proves the stale one was already processed.
		conn.Push(model.Message{Domain: model.DomainFlag, Event: model.ActionCreate, Identifier: "fresh", Version: 1})

		eventually(t, func() bool { _, ok := repo.GetFlag("fresh"); return ok }, "fresh flag never applied")
		assert.Equal(t, int32(1), conn.FetchOneCalls.Load())
		cached, _ := repo.GetFlag("dark_mode")
		assert.Equal(t, int64(5), cached.Version)
	})
}

func TestStreamer_Reconnect(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	s := newTestStreamer(conn, newRepo(), spy)
	defer s.Close()
	startConnected(t, s, spy)

	// Act
	conn.Disconnect()

	// Assert
	eventually(t, func() bool { return spy.disconnected.Load() == 1 }, "disconnect never reported")
	eventually(t, func() bool { return spy.connected.Load() == 2 }, "stream never reconnected")
	assert.Equal(t, int32(1), spy.streamReady.Load(), "ready fires once")
	assert.GreaterOrEqual(t, conn.StreamOpens.Load(), int32(2))
}

func TestStreamer_RetriesFailedConnections(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	conn.FailStream(fmt.Errorf("503: %w", connector.ErrTransient))
	spy := &spyListener{}
	s := newTestStreamer(conn, newRepo(), spy)
	defer s.Close()

	s.Start()
	eventually(t, func() bool { return conn.StreamOpens.Load() >= 3 }, "stream not retried")
	assert.Zero(t, spy.streamReady.Load())
	assert.Zero(t, spy.disconnected.Load(), "never-established connections do not report a disconnect")

	conn.FailStream(nil)
	eventually(t, func() bool { return spy.streamReady.Load() == 1 }, "stream never recovered")
}

func TestStreamer_ReportsUnauthorized(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	conn.FailStream(fmt.Errorf("403: %w", connector.ErrCredentialRejected))
	spy := &spyListener{}
	s := newTestStreamer(conn, newRepo(), spy)
	defer s.Close()

	s.Start()

	eventually(t, func() bool { return spy.unauthorized.Load() >= 1 }, "unauthorized never reported")
}

func TestStreamer_Stop(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	s := newTestStreamer(conn, newRepo(), spy)
	defer s.Close()
	startConnected(t, s, spy)

	// Act
	s.Stop()

	// Assert
	eventually(t, func() bool { return !conn.StreamConnected.Load() }, "connection not torn down")
	assert.Equal(t, StreamDisconnected, s.State())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, spy.disconnected.Load(), "an intentional stop is not a disconnect")

	s.Start()
	eventually(t, func() bool { return spy.connected.Load() == 2 }, "stream did not restart")
}

func TestStreamer_Close(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	s := newTestStreamer(conn, newRepo(), spy)
	startConnected(t, s, spy)

	s.Close()
	s.Close()
	s.Start()

	require.False(t, conn.StreamConnected.Load())
	assert.Equal(t, StreamDisconnected, s.State())
}

func TestStreamer_Metrics(t *testing.T) {
	conn := testsupport.NewFakeConnector()
	conn.SetFlag(boolFlag("metered", 1))
	spy := &spyListener{}
	s := newTestStreamer(conn, newRepo(), spy)
	defer s.Close()

	startConnected(t, s, spy)
	assert.Equal(t, 1.0, testsupport.GetMetricValue(t, "heimdall_stream_connected", nil))

	testsupport.AssertMetricDeltaAsync(t, "heimdall_stream_messages_total", map[string]string{"domain": "flag", "status": "applied"}, 1, func() {
		conn.Push(model.Message{Domain: model.DomainFlag, Event: model.ActionCreate, Identifier: "metered", Version: 1})
	})
	testsupport.AssertMetricDeltaAsync(t, "heimdall_stream_reconnects_total", nil, 1, func() {
		conn.Disconnect()
	})
}
