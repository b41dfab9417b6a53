package syncer

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-client/internal/repository"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// spyListener implements both PollListener and StreamListener.
type spyListener struct {
	pollReady    atomic.Int32
	streamReady  atomic.Int32
	connected    atomic.Int32
	disconnected atomic.Int32
	unauthorized atomic.Int32
}

func (s *spyListener) OnPollReady()                 { s.pollReady.Add(1) }
func (s *spyListener) OnStreamReady()               { s.streamReady.Add(1) }
func (s *spyListener) OnStreamConnected()           { s.connected.Add(1) }
func (s *spyListener) OnStreamDisconnected(_ error) { s.disconnected.Add(1) }
func (s *spyListener) OnUnauthorized()              { s.unauthorized.Add(1) }

func boolFlag(id string, version int64) model.FlagDefinition {
	return model.FlagDefinition{
		Identifier: id,
		Kind:       model.KindBoolean,
		State:      model.StateOn,
		Variations: []model.Variation{
			{Identifier: "true", Value: "true"},
			{Identifier: "false", Value: "false"},
		},
		OffVariation: "false",
		DefaultServe: model.Serve{Variation: "true"},
		Version:      version,
	}
}

func segment(id string, version int64) model.Segment {
	return model.Segment{Identifier: id, Included: []string{"u1"}, Version: version}
}

func newRepo() *repository.Repository {
	return repository.New(slog.New(slog.DiscardHandler), nil, nil)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msg)
}
