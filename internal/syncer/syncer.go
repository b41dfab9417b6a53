// Package syncer keeps the local repository converged with the remote authority.
//
// Two synchronizers share the job: the Poller pulls the complete flag and
// segment sets on a fixed interval, the Streamer applies push notifications one
// entity at a time. Both write through the repository's version gate, so
// overlapping updates converge instead of racing. Deciding which of the two
// runs at a given moment is left to the caller.
package syncer

import (
	"context"

	"github.com/rafaeljc/heimdall-client/internal/repository"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// Repository is the part of the repository the synchronizers write to.
type Repository interface {
	GetFlag(identifier string) (*model.FlagDefinition, bool)
	GetSegment(identifier string) (*model.Segment, bool)
	FlagIDs() []string
	SegmentIDs() []string
	FlagVersions() map[string]int64
	SegmentVersions() map[string]int64

	SetFlag(ctx context.Context, def model.FlagDefinition) repository.SetResult
	DeleteFlag(ctx context.Context, identifier string) repository.SetResult
	SetSegment(ctx context.Context, seg model.Segment) repository.SetResult
	DeleteSegment(ctx context.Context, identifier string) repository.SetResult
	DeleteFlagVersion(ctx context.Context, identifier string, version int64) repository.SetResult
	DeleteSegmentVersion(ctx context.Context, identifier string, version int64) repository.SetResult
}

// Compile-time check to verify that the repository satisfies the interface.
var _ Repository = (*repository.Repository)(nil)

func statusOf(result repository.SetResult) string {
	if result == repository.SetResultUpdated {
		return "applied"
	}
	return "skipped"
}
