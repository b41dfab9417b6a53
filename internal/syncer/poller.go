package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/internal/repository"
	"github.com/rafaeljc/heimdall-client/internal/ruleengine"
	"github.com/rafaeljc/heimdall-client/internal/validation"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
)

// DefaultPollInterval is used when PollerConfig.Interval is not set.
const DefaultPollInterval = 60 * time.Second

// PollListener is notified by the Poller.
type PollListener interface {
	// OnPollReady fires once, after the first successful cycle.
	OnPollReady()
	// OnUnauthorized fires when the authority rejects the credential.
	OnUnauthorized()
}

// PollerConfig holds the configuration for the Poller.
type PollerConfig struct {
	// Interval is the duration between sync cycles.
	Interval time.Duration
}

// Poller pulls the full flag and segment sets on a fixed interval.
type Poller struct {
	logger   *slog.Logger
	cfg      PollerConfig
	conn     connector.Connector
	repo     Repository
	listener PollListener

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	closed  bool
	wg      sync.WaitGroup

	ready    atomic.Bool
	failures atomic.Int32
}

// NewPoller creates a Poller. Nothing runs until Start.
func NewPoller(logger *slog.Logger, cfg PollerConfig, conn connector.Connector, repo Repository, listener PollListener) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(conn, "poller connector")
	validation.AssertNotNil(repo, "poller repository")
	validation.AssertNotNil(listener, "poller listener")

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}

	return &Poller{
		logger:   logger.With(slog.String("component", "poller")),
		cfg:      cfg,
		conn:     conn,
		repo:     repo,
		listener: listener,
	}
}

// Start launches the polling loop. The first cycle runs immediately.
// Starting a running or closed poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop cancels the loop without waiting for an in-flight cycle.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if !p.running {
		return
	}
	p.cancel()
	p.running = false
	p.logger.Debug("poller stopped")
}

// Close stops the poller for good and waits for its goroutine to exit.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.stopLocked()
	p.mu.Unlock()

	p.wg.Wait()
}

// Running reports whether the loop is scheduled.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Ready reports whether a cycle has ever succeeded.
func (p *Poller) Ready() bool {
	return p.ready.Load()
}

func (p *Poller) run(ctx context.Context) {
	p.logger.Info("starting poller", slog.String("interval", p.cfg.Interval.String()))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs one sync and reports the outcome. A failed cycle is logged and
// retried on the next tick.
func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	err := p.sync(ctx)
	observability.PollDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.PollCyclesTotal.WithLabelValues("fail").Inc()
		failures := p.failures.Add(1)
		p.logger.Error("poll cycle failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", int(failures)),
		)
		if connector.IsUnauthorized(err) {
			p.listener.OnUnauthorized()
		}
		return
	}

	observability.PollCyclesTotal.WithLabelValues("success").Inc()
	if failures := p.failures.Swap(0); failures > 0 {
		p.logger.Info("poller recovered", slog.Int("after_failures", int(failures)))
	}
	if p.ready.CompareAndSwap(false, true) {
		p.listener.OnPollReady()
	}
}

// sync fetches both sets, then applies segments before flags so that a flag
// never lands before the segments it targets.
func (p *Poller) sync(ctx context.Context) error {
	// Only entries cached before the fetch may be reconciled away. Anything the
	// stream writes while the fetch is in flight is newer than the response.
	before := cacheSnapshot{flags: p.repo.FlagVersions(), segments: p.repo.SegmentVersions()}

	segments, err := p.conn.FetchSegments(ctx)
	if err != nil {
		return fmt.Errorf("fetch segments: %w", err)
	}
	flags, err := p.conn.FetchFlags(ctx)
	if err != nil {
		return fmt.Errorf("fetch flags: %w", err)
	}

	seenSegments := make(map[string]struct{}, len(segments))
	updated, skipped := 0, 0
	for _, seg := range segments {
		seenSegments[seg.Identifier] = struct{}{}
		if err := ruleengine.ValidateSegment(&seg); err != nil {
			p.logger.Warn("skipping malformed segment", slog.String("segment", seg.Identifier), slog.String("error", err.Error()))
			skipped++
			continue
		}
		if p.repo.SetSegment(ctx, seg) == repository.SetResultUpdated {
			updated++
		}
	}

	seenFlags := make(map[string]struct{}, len(flags))
	for _, def := range flags {
		seenFlags[def.Identifier] = struct{}{}
		if err := ruleengine.ValidateFlag(&def); err != nil {
			p.logger.Warn("skipping malformed flag", slog.String("flag", def.Identifier), slog.String("error", err.Error()))
			skipped++
			continue
		}
		if p.repo.SetFlag(ctx, def) == repository.SetResultUpdated {
			updated++
		}
	}

	deleted := 0
	if ctx.Err() == nil {
		deleted = p.reconcile(ctx, before, seenFlags, seenSegments)
	}

	if updated > 0 || deleted > 0 || skipped > 0 {
		p.logger.Info("poll cycle completed",
			slog.Int("updated", updated),
			slog.Int("deleted", deleted),
			slog.Int("malformed", skipped),
		)
	}
	return nil
}

type cacheSnapshot struct {
	flags    map[string]int64
	segments map[string]int64
}

// reconcile drops cached entries the authority no longer serves. Deletions
// missed while the stream was down converge this way. An entry is only removed
// if it predates the fetch and still holds the version seen then.
func (p *Poller) reconcile(ctx context.Context, before cacheSnapshot, flags, segments map[string]struct{}) int {
	deleted := 0
	for id, version := range before.flags {
		if _, ok := flags[id]; !ok && p.repo.DeleteFlagVersion(ctx, id, version) == repository.SetResultUpdated {
			deleted++
		}
	}
	for id, version := range before.segments {
		if _, ok := segments[id]; !ok && p.repo.DeleteSegmentVersion(ctx, id, version) == repository.SetResultUpdated {
			deleted++
		}
	}
	return deleted
}
