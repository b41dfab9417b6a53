package testsupport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// Compile-time check to verify that FakeConnector implements connector.Connector.
var _ connector.Connector = (*FakeConnector)(nil)

// FakeConnector is an in-memory authority used by unit tests.
// Every knob is safe to change while the client under test is running.
type FakeConnector struct {
	mu       sync.Mutex
	session  connector.Session
	flags    map[string]model.FlagDefinition
	segments map[string]model.Segment
	batches  []model.MetricsBatch

	authErrors []error // consumed one per Authenticate call
	fetchErr   error
	metricsErr error
	streamErr  error

	messages   chan model.Message
	disconnect chan struct{}

	AuthCalls       atomic.Int32
	FetchAllCalls   atomic.Int32
	FetchOneCalls   atomic.Int32
	StreamOpens     atomic.Int32
	StreamConnected atomic.Bool
	Closed          atomic.Bool
}

// NewFakeConnector returns a connector that authenticates successfully.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		session:    connector.Session{Token: "token", Environment: "env-1", Cluster: "1"},
		flags:      make(map[string]model.FlagDefinition),
		segments:   make(map[string]model.Segment),
		messages:   make(chan model.Message, 64),
		disconnect: make(chan struct{}, 1),
	}
}

// SetFlag adds or replaces a flag on the authority side.
func (f *FakeConnector) SetFlag(def model.FlagDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[def.Identifier] = def
}

func (f *FakeConnector) DeleteFlag(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, id)
}

func (f *FakeConnector) SetSegment(seg model.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments[seg.Identifier] = seg
}

func (f *FakeConnector) DeleteSegment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.segments, id)
}

// FailAuth queues errors returned by the next Authenticate calls, in order.
func (f *FakeConnector) FailAuth(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authErrors = append(f.authErrors, errs...)
}

// FailFetch makes every fetch return err (nil restores success).
func (f *FakeConnector) FailFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// FailMetrics makes PostMetrics return err (nil restores success).
func (f *FakeConnector) FailMetrics(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsErr = err
}

// FailStream makes Stream return err immediately, without connecting.
func (f *FakeConnector) FailStream(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamErr = err
}

// Push delivers a notification to the connected stream.
func (f *FakeConnector) Push(msg model.Message) {
	f.messages <- msg
}

// Disconnect drops the current stream connection.
func (f *FakeConnector) Disconnect() {
	select {
	case f.disconnect <- struct{}{}:
	default:
	}
}

// Batches returns a copy of every metrics batch received.
func (f *FakeConnector) Batches() []model.MetricsBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.batches)
}

func (f *FakeConnector) Authenticate(ctx context.Context) (connector.Session, error) {
	f.AuthCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return connector.Session{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.authErrors) > 0 {
		err := f.authErrors[0]
		f.authErrors = f.authErrors[1:]
		return connector.Session{}, err
	}
	return f.session, nil
}

func (f *FakeConnector) FetchFlags(ctx context.Context) ([]model.FlagDefinition, error) {
	f.FetchAllCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]model.FlagDefinition, 0, len(f.flags))
	for _, def := range f.flags {
		out = append(out, def)
	}
	slices.SortFunc(out, func(a, b model.FlagDefinition) int { return strings.Compare(a.Identifier, b.Identifier) })
	return out, nil
}

func (f *FakeConnector) FetchFlag(ctx context.Context, id string) (model.FlagDefinition, error) {
	f.FetchOneCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return model.FlagDefinition{}, f.fetchErr
	}
	def, ok := f.flags[id]
	if !ok {
		return model.FlagDefinition{}, fmt.Errorf("flag %q: %w", id, connector.ErrNotFound)
	}
	return def, nil
}

func (f *FakeConnector) FetchSegments(ctx context.Context) ([]model.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]model.Segment, 0, len(f.segments))
	for _, seg := range f.segments {
		out = append(out, seg)
	}
	slices.SortFunc(out, func(a, b model.Segment) int { return strings.Compare(a.Identifier, b.Identifier) })
	return out, nil
}

func (f *FakeConnector) FetchSegment(ctx context.Context, id string) (model.Segment, error) {
	f.FetchOneCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return model.Segment{}, f.fetchErr
	}
	seg, ok := f.segments[id]
	if !ok {
		return model.Segment{}, fmt.Errorf("segment %q: %w", id, connector.ErrNotFound)
	}
	return seg, nil
}

func (f *FakeConnector) PostMetrics(ctx context.Context, batch model.MetricsBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metricsErr != nil {
		return f.metricsErr
	}
	f.batches = append(f.batches, batch)
	return nil
}

// Stream connects, then relays pushed messages until Disconnect or ctx is done.
func (f *FakeConnector) Stream(ctx context.Context, updater connector.Updater) error {
	f.StreamOpens.Add(1)

	f.mu.Lock()
	streamErr := f.streamErr
	f.mu.Unlock()
	if streamErr != nil {
		return streamErr
	}

	f.StreamConnected.Store(true)
	defer f.StreamConnected.Store(false)
	updater.OnConnected()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.disconnect:
			return fmt.Errorf("stream dropped: %w", connector.ErrTransient)
		case msg := <-f.messages:
			updater.Update(msg)
		}
	}
}

func (f *FakeConnector) Close() error {
	f.Closed.Store(true)
	return nil
}
