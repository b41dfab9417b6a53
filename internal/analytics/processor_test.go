package analytics

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-client/internal/testsupport"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

type spyListener struct {
	ready        atomic.Int32
	failures     atomic.Int32
	unauthorized atomic.Int32
}

func (s *spyListener) OnMetricsReady()          { s.ready.Add(1) }
func (s *spyListener) OnMetricsFailure(_ error) { s.failures.Add(1) }
func (s *spyListener) OnUnauthorized()          { s.unauthorized.Add(1) }

var (
	flagA = &model.FlagDefinition{Identifier: "flag-a"}
	flagB = &model.FlagDefinition{Identifier: "flag-b"}
	on    = &model.Variation{Identifier: "on", Value: "true"}
	off   = &model.Variation{Identifier: "off", Value: "false"}
)

func newTestProcessor(t *testing.T, cfg Config, conn connector.Connector, l Listener) *Processor {
	t.Helper()
	p, err := New(slog.New(slog.DiscardHandler), cfg, conn, l)
	require.NoError(t, err)
	return p
}

func TestProcessor_FoldsRecordsIntoSummaries(t *testing.T) {
	t.Parallel()

	// Arrange
	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	p := newTestProcessor(t, Config{}, conn, spy)
	defer p.Close()
	user := &model.Target{Identifier: "u1"}

	// Act
	for range 1000 {
		p.Record(user, flagA, on)
	}
	p.Record(user, flagA, off)
	p.Record(user, flagB, on)
	require.NoError(t, p.Flush(t.Context()))

	// Assert
	batches := conn.Batches()
	require.Len(t, batches, 1)
	batch := batches[0]
	assert.Equal(t, p.Instance(), batch.SDKInstance)
	assert.NotZero(t, batch.Timestamp)
	assert.Equal(t, []model.MetricsSummary{
		{FlagIdentifier: "flag-a", VariationIdentifier: "off", Target: model.GlobalTarget, Count: 1},
		{FlagIdentifier: "flag-a", VariationIdentifier: "on", Target: model.GlobalTarget, Count: 1000},
		{FlagIdentifier: "flag-b", VariationIdentifier: "on", Target: model.GlobalTarget, Count: 1},
	}, batch.Summaries)
	assert.Equal(t, int32(1), spy.ready.Load())
}

func TestProcessor_TargetRegistration(t *testing.T) {
	t.Parallel()

	t.Run("Should register a target once with redacted attributes", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		p := newTestProcessor(t, Config{}, conn, &spyListener{})
		defer p.Close()
		user := &model.Target{
			Identifier:        "u1",
			Name:              "Ada",
			Attributes:        map[string]any{"email": "ada@example.com", "plan": "pro"},
			PrivateAttributes: []string{"email"},
		}

		p.Record(user, flagA, on)
		p.Record(user, flagB, on)
		require.NoError(t, p.Flush(t.Context()))
		p.Record(user, flagA, on)
		require.NoError(t, p.Flush(t.Context()))

		batches := conn.Batches()
		require.Len(t, batches, 2)
		assert.Equal(t, []model.TargetData{
			{Identifier: "u1", Name: "Ada", Attributes: map[string]any{"plan": "pro"}},
		}, batches[0].Targets)
		assert.Empty(t, batches[1].Targets, "a registered target is not sent again")
	})

	t.Run("Should never report private or anonymous targets", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		p := newTestProcessor(t, Config{}, conn, &spyListener{})
		defer p.Close()

		p.Record(&model.Target{Identifier: "secret", Private: true}, flagA, on)
		p.Record(&model.Target{}, flagA, on)
		p.Record(nil, flagA, on)
		require.NoError(t, p.Flush(t.Context()))

		batches := conn.Batches()
		require.Len(t, batches, 1)
		assert.Empty(t, batches[0].Targets)
		assert.Equal(t, int64(3), batches[0].Summaries[0].Count)
	})

	t.Run("Should resend a target whose batch failed", func(t *testing.T) {
		t.Parallel()

		conn := testsupport.NewFakeConnector()
		conn.FailMetrics(fmt.Errorf("503: %w", connector.ErrTransient))
		p := newTestProcessor(t, Config{}, conn, &spyListener{})
		defer p.Close()
		user := &model.Target{Identifier: "u1"}

		p.Record(user, flagA, on)
		require.Error(t, p.Flush(t.Context()))
		conn.FailMetrics(nil)
		p.Record(user, flagA, on)
		require.NoError(t, p.Flush(t.Context()))

		batches := conn.Batches()
		require.Len(t, batches, 1)
		assert.Len(t, batches[0].Targets, 1)
	})
}

func TestProcessor_FlushOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		err              error
		record           bool
		wantErr          error
		wantReady        int32
		wantFailures     int32
		wantUnauthorized int32
	}{
		{name: "empty queue counts as success", record: false, wantReady: 1},
		{name: "accepted batch", record: true, wantReady: 1},
		{
			name:         "rejected batch",
			err:          fmt.Errorf("400: %w", connector.ErrMetricsRejected),
			record:       true,
			wantErr:      connector.ErrMetricsRejected,
			wantFailures: 1,
		},
		{
			name:             "rejected credential",
			err:              fmt.Errorf("401: %w", connector.ErrCredentialRejected),
			record:           true,
			wantErr:          connector.ErrCredentialRejected,
			wantUnauthorized: 1,
		},
		{
			name:    "transient failure",
			err:     fmt.Errorf("502: %w", connector.ErrTransient),
			record:  true,
			wantErr: connector.ErrTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			conn := testsupport.NewFakeConnector()
			conn.FailMetrics(tt.err)
			spy := &spyListener{}
			p := newTestProcessor(t, Config{}, conn, spy)
			defer p.Close()
			if tt.record {
				p.Record(&model.Target{Identifier: "u1"}, flagA, on)
			}

			// Act
			err := p.Flush(t.Context())

			// Assert
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantReady, spy.ready.Load())
			assert.Equal(t, tt.wantFailures, spy.failures.Load())
			assert.Equal(t, tt.wantUnauthorized, spy.unauthorized.Load())
			assert.Equal(t, tt.wantReady == 1, p.Ready())
		})
	}
}

func TestProcessor_FlushesOnTimer(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	spy := &spyListener{}
	p := newTestProcessor(t, Config{FlushInterval: 10 * time.Millisecond}, conn, spy)
	defer p.Close()

	p.Start()
	p.Start()
	p.Record(&model.Target{Identifier: "u1"}, flagA, on)

	require.Eventually(t, func() bool { return len(conn.Batches()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), spy.ready.Load())
}

func TestProcessor_CloseFlushesRemainingRecords(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	p := newTestProcessor(t, Config{FlushInterval: time.Hour}, conn, &spyListener{})
	p.Start()
	p.Record(&model.Target{Identifier: "u1"}, flagA, on)

	p.Close()
	p.Close()

	require.Len(t, conn.Batches(), 1)
	p.Start()
	assert.False(t, p.running, "a closed processor cannot restart")
}

func TestProcessor_RecordIgnoresIncompleteInput(t *testing.T) {
	t.Parallel()

	conn := testsupport.NewFakeConnector()
	p := newTestProcessor(t, Config{}, conn, &spyListener{})
	defer p.Close()

	p.Record(&model.Target{Identifier: "u1"}, nil, on)
	p.Record(&model.Target{Identifier: "u1"}, flagA, nil)
	require.NoError(t, p.Flush(t.Context()))

	assert.Empty(t, conn.Batches())
}

func TestNew_PanicsOnMissingDependencies(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { _, _ = New(nil, Config{}, nil, &spyListener{}) })
	assert.Panics(t, func() { _, _ = New(nil, Config{}, testsupport.NewFakeConnector(), nil) })

	p, err := New(nil, Config{}, testsupport.NewFakeConnector(), &spyListener{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, p.cfg.FlushInterval)
	assert.Equal(t, 10_000, cap(p.queue))
}

func TestProcessor_Metrics(t *testing.T) {
	conn := testsupport.NewFakeConnector()
	p := newTestProcessor(t, Config{QueueSize: 2}, conn, &spyListener{})
	defer p.Close()
	user := &model.Target{Identifier: "u1"}

	testsupport.AssertMetricDelta(t, "heimdall_analytics_dropped_total", nil, 1, func() {
		p.Record(user, flagA, on)
		p.Record(user, flagA, on)
		p.Record(user, flagA, on)
	})
	assert.Equal(t, 2.0, testsupport.GetMetricValue(t, "heimdall_analytics_queue_depth", nil))

	testsupport.AssertMetricDelta(t, "heimdall_analytics_flushes_total", map[string]string{"status": "success"}, 1, func() {
		require.NoError(t, p.Flush(t.Context()))
	})
	assert.Zero(t, testsupport.GetMetricValue(t, "heimdall_analytics_queue_depth", nil))

	testsupport.AssertMetricDelta(t, "heimdall_analytics_flushes_total", map[string]string{"status": "empty"}, 1, func() {
		require.NoError(t, p.Flush(t.Context()))
	})

	conn.FailMetrics(errors.New("down"))
	p.Record(user, flagA, on)
	testsupport.AssertMetricDelta(t, "heimdall_analytics_flushes_total", map[string]string{"status": "fail"}, 1, func() {
		require.Error(t, p.Flush(t.Context()))
	})
}
