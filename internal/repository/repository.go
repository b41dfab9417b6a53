// Package repository implements the local replica of flag and segment definitions.
//
// Reads are lock-free (xsync maps holding immutable values). Writers are serialized
// by a single mutex so that the version check, the map swap and the
// segment→flags index update happen as one atomic step. Write-through to the
// pluggable store happens outside that mutex.
package repository

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/pkg/model"
	"github.com/rafaeljc/heimdall-client/pkg/store"
)

// SetResult reports what a store/delete call did.
type SetResult int

const (
	// SetResultSkipped means the write was a no-op (stale version or missing entry).
	SetResultSkipped SetResult = iota
	// SetResultUpdated means the cached state changed.
	SetResultUpdated
)

// persistTimeout bounds a single write-through call to the pluggable store.
const persistTimeout = 5 * time.Second

// Callback receives change notifications. It is invoked after the write lock
// is released, so implementations may read the repository.
type Callback interface {
	OnFlagChanged(identifier string, deleted bool)
	// OnSegmentChanged carries the flags that referenced the segment at the
	// time of the change.
	OnSegmentChanged(identifier string, dependents []string)
}

// Repository is the single source of truth for evaluation.
type Repository struct {
	logger   *slog.Logger
	store    store.Store
	callback Callback

	mu         sync.Mutex
	flags      *xsync.Map[string, *model.FlagDefinition]
	segments   *xsync.Map[string, *model.Segment]
	dependents *xsync.Map[string, []string]

	// Write-through runs after mu is released. Every write claims a token under
	// mu; a persist whose token is no longer the newest for its key is dropped,
	// so the store never regresses behind the cache.
	writeSeq uint64
	latest   *xsync.Map[string, uint64]
	keyLocks *xsync.Map[string, *sync.Mutex]
}

// anyVersion disables the version match of a delete.
const anyVersion int64 = -1

// New creates an empty repository. st may be nil (no persistence) and cb may be
// nil (no notifications).
func New(logger *slog.Logger, st store.Store, cb Callback) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		logger:     logger.With(slog.String("component", "repository")),
		store:      st,
		callback:   cb,
		flags:      xsync.NewMap[string, *model.FlagDefinition](),
		segments:   xsync.NewMap[string, *model.Segment](),
		dependents: xsync.NewMap[string, []string](),
		latest:     xsync.NewMap[string, uint64](),
		keyLocks:   xsync.NewMap[string, *sync.Mutex](),
	}
}

// GetFlag returns the cached flag. The returned value must not be mutated.
func (r *Repository) GetFlag(identifier string) (*model.FlagDefinition, bool) {
	return r.flags.Load(identifier)
}

// GetSegment returns the cached segment. The returned value must not be mutated.
func (r *Repository) GetSegment(identifier string) (*model.Segment, bool) {
	return r.segments.Load(identifier)
}

// FindFlagsBySegment returns the identifiers of the flags that reference segment.
func (r *Repository) FindFlagsBySegment(segment string) []string {
	ids, _ := r.dependents.Load(segment)
	return slices.Clone(ids)
}

// FlagIDs lists the cached flag identifiers.
func (r *Repository) FlagIDs() []string {
	return mapKeys(r.flags)
}

// SegmentIDs lists the cached segment identifiers.
func (r *Repository) SegmentIDs() []string {
	return mapKeys(r.segments)
}

// FlagVersions maps every cached flag to its version.
func (r *Repository) FlagVersions() map[string]int64 {
	versions := make(map[string]int64, r.flags.Size())
	r.flags.Range(func(id string, def *model.FlagDefinition) bool {
		versions[id] = def.Version
		return true
	})
	return versions
}

// SegmentVersions maps every cached segment to its version.
func (r *Repository) SegmentVersions() map[string]int64 {
	versions := make(map[string]int64, r.segments.Size())
	r.segments.Range(func(id string, seg *model.Segment) bool {
		versions[id] = seg.Version
		return true
	})
	return versions
}

// SetFlag stores def unless a definition with the same or a newer version is cached.
func (r *Repository) SetFlag(ctx context.Context, def model.FlagDefinition) SetResult {
	return r.setFlag(ctx, def, true)
}

func (r *Repository) setFlag(ctx context.Context, def model.FlagDefinition, persist bool) SetResult {
	if def.Identifier == "" {
		return SetResultSkipped
	}

	r.mu.Lock()
	current, exists := r.flags.Load(def.Identifier)
	if exists && def.Version <= current.Version {
		r.mu.Unlock()
		r.countWrite("flag", "skipped")
		r.logger.Debug("stale flag ignored",
			slog.String("flag", def.Identifier),
			slog.Int64("version", def.Version),
			slog.Int64("cached_version", current.Version),
		)
		return SetResultSkipped
	}

	stored := &def
	r.flags.Store(def.Identifier, stored)
	if exists {
		r.unindex(current)
	}
	r.index(stored)
	key := flagKey(def.Identifier)
	token := r.claimLocked(key, persist)
	r.mu.Unlock()

	if persist {
		r.persist(ctx, key, token, def.Version, stored)
	}
	r.countWrite("flag", "updated")
	observability.RepositoryEntries.WithLabelValues("flag").Set(float64(r.flags.Size()))
	if r.callback != nil {
		r.callback.OnFlagChanged(def.Identifier, false)
	}
	return SetResultUpdated
}

// DeleteFlag removes the flag and its index entries.
func (r *Repository) DeleteFlag(ctx context.Context, identifier string) SetResult {
	return r.deleteFlag(ctx, identifier, anyVersion)
}

// DeleteFlagVersion removes the flag only while the cached version is still
// version. A flag rewritten in the meantime is kept.
func (r *Repository) DeleteFlagVersion(ctx context.Context, identifier string, version int64) SetResult {
	return r.deleteFlag(ctx, identifier, version)
}

func (r *Repository) deleteFlag(ctx context.Context, identifier string, version int64) SetResult {
	r.mu.Lock()
	current, exists := r.flags.Load(identifier)
	if !exists || (version != anyVersion && current.Version != version) {
		r.mu.Unlock()
		return SetResultSkipped
	}
	r.flags.Delete(identifier)
	r.unindex(current)
	key := flagKey(identifier)
	token := r.claimLocked(key, true)
	r.mu.Unlock()

	r.unpersist(ctx, key, token)
	r.countWrite("flag", "deleted")
	observability.RepositoryEntries.WithLabelValues("flag").Set(float64(r.flags.Size()))
	if r.callback != nil {
		r.callback.OnFlagChanged(identifier, true)
	}
	return SetResultUpdated
}

// SetSegment stores seg unless a segment with the same or a newer version is cached.
// Every flag that references the segment is reported as changed.
func (r *Repository) SetSegment(ctx context.Context, seg model.Segment) SetResult {
	return r.setSegment(ctx, seg, true)
}

func (r *Repository) setSegment(ctx context.Context, seg model.Segment, persist bool) SetResult {
	if seg.Identifier == "" {
		return SetResultSkipped
	}

	r.mu.Lock()
	current, exists := r.segments.Load(seg.Identifier)
	if exists && seg.Version <= current.Version {
		r.mu.Unlock()
		r.countWrite("segment", "skipped")
		return SetResultSkipped
	}
	stored := &seg
	r.segments.Store(seg.Identifier, stored)
	key := segmentKey(seg.Identifier)
	token := r.claimLocked(key, persist)
	dependents, _ := r.dependents.Load(seg.Identifier)
	r.mu.Unlock()

	if persist {
		r.persist(ctx, key, token, seg.Version, stored)
	}
	r.countWrite("segment", "updated")
	observability.RepositoryEntries.WithLabelValues("segment").Set(float64(r.segments.Size()))
	if r.callback != nil {
		r.callback.OnSegmentChanged(seg.Identifier, slices.Clone(dependents))
	}
	return SetResultUpdated
}

// DeleteSegment removes the segment. Flags keep referencing it; membership
// checks against a missing segment simply fail.
func (r *Repository) DeleteSegment(ctx context.Context, identifier string) SetResult {
	return r.deleteSegment(ctx, identifier, anyVersion)
}

// DeleteSegmentVersion removes the segment only while the cached version is
// still version.
func (r *Repository) DeleteSegmentVersion(ctx context.Context, identifier string, version int64) SetResult {
	return r.deleteSegment(ctx, identifier, version)
}

func (r *Repository) deleteSegment(ctx context.Context, identifier string, version int64) SetResult {
	r.mu.Lock()
	current, exists := r.segments.Load(identifier)
	if !exists || (version != anyVersion && current.Version != version) {
		r.mu.Unlock()
		return SetResultSkipped
	}
	r.segments.Delete(identifier)
	key := segmentKey(identifier)
	token := r.claimLocked(key, true)
	dependents, _ := r.dependents.Load(identifier)
	r.mu.Unlock()

	r.unpersist(ctx, key, token)
	r.countWrite("segment", "deleted")
	observability.RepositoryEntries.WithLabelValues("segment").Set(float64(r.segments.Size()))
	if r.callback != nil {
		r.callback.OnSegmentChanged(identifier, slices.Clone(dependents))
	}
	return SetResultUpdated
}

// Load hydrates the repository from the pluggable store (warm start).
// Entries go through the normal version gate, so a concurrent poll wins over
// older persisted data. Corrupt entries are logged and skipped.
func (r *Repository) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	keys, err := r.store.Keys(ctx)
	if err != nil {
		return err
	}

	loaded := 0
	for _, key := range keys {
		raw, found, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}

		switch {
		case strings.HasPrefix(key, flagKeyPrefix):
			var def model.FlagDefinition
			if _, err := decodeEntry(raw, &def); err != nil {
				r.logger.Warn("skipping corrupt flag entry", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if r.setFlag(ctx, def, false) == SetResultUpdated {
				loaded++
			}
		case strings.HasPrefix(key, segmentKeyPrefix):
			var seg model.Segment
			if _, err := decodeEntry(raw, &seg); err != nil {
				r.logger.Warn("skipping corrupt segment entry", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if r.setSegment(ctx, seg, false) == SetResultUpdated {
				loaded++
			}
		}
	}

	r.logger.Info("repository loaded from store", slog.Int("entries", loaded))
	return nil
}

// Clear drops every cached entry without touching the store or notifying.
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags.Clear()
	r.segments.Clear()
	r.dependents.Clear()
}

// index adds flag to the dependents list of every segment it references.
// Must be called with mu held. Slices are replaced, never appended in place,
// so concurrent readers keep a consistent snapshot.
func (r *Repository) index(flag *model.FlagDefinition) {
	for _, seg := range flag.ReferencedSegments() {
		existing, _ := r.dependents.Load(seg)
		if slices.Contains(existing, flag.Identifier) {
			continue
		}
		next := make([]string, len(existing), len(existing)+1)
		copy(next, existing)
		r.dependents.Store(seg, append(next, flag.Identifier))
	}
}

// unindex removes flag from every dependents list. Must be called with mu held.
func (r *Repository) unindex(flag *model.FlagDefinition) {
	for _, seg := range flag.ReferencedSegments() {
		existing, ok := r.dependents.Load(seg)
		if !ok {
			continue
		}
		next := slices.DeleteFunc(slices.Clone(existing), func(id string) bool {
			return id == flag.Identifier
		})
		if len(next) == 0 {
			r.dependents.Delete(seg)
			continue
		}
		r.dependents.Store(seg, next)
	}
}

// claimLocked hands out the write token for key. Must be called with mu held.
func (r *Repository) claimLocked(key string, persist bool) uint64 {
	if r.store == nil || !persist {
		return 0
	}
	r.writeSeq++
	r.latest.Store(key, r.writeSeq)
	return r.writeSeq
}

// lockKey serializes store calls for one key and reports whether token is
// still the newest write for it. The caller must run the returned unlock.
func (r *Repository) lockKey(key string, token uint64) (func(), bool) {
	lock, _ := r.keyLocks.LoadOrStore(key, &sync.Mutex{})
	lock.Lock()
	newest, _ := r.latest.Load(key)
	return lock.Unlock, newest == token
}

func (r *Repository) persist(ctx context.Context, key string, token uint64, version int64, v any) {
	if r.store == nil {
		return
	}
	raw, err := encodeEntry(version, v)
	if err != nil {
		r.logger.Error("failed to encode entry", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	unlock, current := r.lockKey(key, token)
	defer unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.Set(ctx, key, raw); err != nil {
		observability.RepositoryPersistErrors.Inc()
		r.logger.Warn("failed to persist entry", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (r *Repository) unpersist(ctx context.Context, key string, token uint64) {
	if r.store == nil {
		return
	}

	unlock, current := r.lockKey(key, token)
	defer unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.Remove(ctx, key); err != nil {
		observability.RepositoryPersistErrors.Inc()
		r.logger.Warn("failed to remove persisted entry", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (r *Repository) countWrite(kind, result string) {
	observability.RepositoryWritesTotal.WithLabelValues(kind, result).Inc()
}

func mapKeys[V any](m *xsync.Map[string, V]) []string {
	keys := make([]string, 0, m.Size())
	m.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	return keys
}
