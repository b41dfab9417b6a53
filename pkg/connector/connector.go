// Package connector defines the capability the client needs from the remote
// authority: authenticate, fetch flags and segments, post metrics and open an
// update stream. Transport details live in implementations such as httpconnector.
package connector

import (
	"context"

	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// Session is the result of a successful authentication.
// Environment and Cluster come from the bearer token claims and scope every
// subsequent call.
type Session struct {
	Token       string
	Environment string
	Cluster     string
}

// IsZero reports whether the session is empty (never authenticated).
func (s Session) IsZero() bool {
	return s.Token == ""
}

// Updater receives stream lifecycle events and notifications.
// Implementations must not block for long: the stream reader waits on them.
type Updater interface {
	// OnConnected is called once the stream is established.
	OnConnected()
	// Update is called for every notification, in arrival order.
	Update(msg model.Message)
}

// Connector is the abstract capability consumed by the client core.
//
// Every method must be safe for concurrent use. Errors returned must wrap one of
// the sentinel errors of this package so callers can classify them with errors.Is.
type Connector interface {
	// Authenticate exchanges the configured key for a session.
	// Fails with ErrCredentialRejected when the key is not accepted.
	Authenticate(ctx context.Context) (Session, error)

	FetchFlags(ctx context.Context) ([]model.FlagDefinition, error)
	// FetchFlag fails with ErrNotFound when the flag no longer exists.
	FetchFlag(ctx context.Context, identifier string) (model.FlagDefinition, error)

	FetchSegments(ctx context.Context) ([]model.Segment, error)
	// FetchSegment fails with ErrNotFound when the segment no longer exists.
	FetchSegment(ctx context.Context, identifier string) (model.Segment, error)

	// PostMetrics fails with ErrMetricsRejected when the authority refuses the
	// batch for good, or ErrTransient when a later attempt may succeed.
	PostMetrics(ctx context.Context, batch model.MetricsBatch) error

	// Stream opens the update stream and blocks while it is connected.
	// It returns when the connection drops or ctx is cancelled.
	Stream(ctx context.Context, updater Updater) error

	// Close releases pooled transport resources.
	Close() error
}
