// Package analytics aggregates evaluation records and ships them to the
// authority in periodic batches.
//
// Recording is a non-blocking enqueue on a bounded channel: when the queue is
// full the record is dropped, so evaluation latency never depends on metrics
// delivery. On every flush the queue is drained and folded into one summary per
// (flag, variation) pair with an occurrence count.
package analytics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/internal/ruleengine"
	"github.com/rafaeljc/heimdall-client/internal/validation"
	"github.com/rafaeljc/heimdall-client/pkg/connector"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// finalFlushTimeout bounds the flush attempted by Close.
const finalFlushTimeout = 5 * time.Second

// Listener is notified by the Processor.
type Listener interface {
	// OnMetricsReady fires once, after the first successful (or empty) flush.
	OnMetricsReady()
	// OnMetricsFailure fires when the authority refuses metrics for good.
	OnMetricsFailure(err error)
	// OnUnauthorized fires when the authority rejects the credential.
	OnUnauthorized()
}

// Config tunes the processor. Zero values take defaults.
type Config struct {
	FlushInterval time.Duration
	QueueSize     int
	// TargetCacheSize and TargetTTL bound the memory of already registered targets.
	TargetCacheSize int
	TargetTTL       time.Duration
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10_000
	}
	if c.TargetCacheSize <= 0 {
		c.TargetCacheSize = 10_000
	}
	if c.TargetTTL <= 0 {
		c.TargetTTL = time.Hour
	}
}

// record is one served evaluation. target is nil when the identity was already
// registered or is private.
type record struct {
	flag      string
	variation string
	target    *model.TargetData
}

type summaryKey struct {
	flag      string
	variation string
}

// Compile-time check to verify that Processor implements ruleengine.Recorder.
var _ ruleengine.Recorder = (*Processor)(nil)

// Processor buffers evaluation records and flushes them on a timer.
type Processor struct {
	logger   *slog.Logger
	cfg      Config
	conn     connector.Connector
	listener Listener
	instance string

	queue chan record
	seen  otter.Cache[string, struct{}]

	// flushMu serializes flushes (ticker and Close).
	flushMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	closed  bool
	wg      sync.WaitGroup

	ready atomic.Bool
}

// New creates a Processor. Records are accepted right away; flushing starts with Start.
func New(logger *slog.Logger, cfg Config, conn connector.Connector, listener Listener) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(conn, "analytics connector")
	validation.AssertNotNil(listener, "analytics listener")
	cfg.applyDefaults()

	seen, err := otter.MustBuilder[string, struct{}](cfg.TargetCacheSize).
		WithTTL(cfg.TargetTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build target cache: %w", err)
	}

	return &Processor{
		logger:   logger.With(slog.String("component", "analytics")),
		cfg:      cfg,
		conn:     conn,
		listener: listener,
		instance: uuid.NewString(),
		queue:    make(chan record, cfg.QueueSize),
		seen:     seen,
	}, nil
}

// Instance returns the SDK instance id attached to every batch.
func (p *Processor) Instance() string {
	return p.instance
}

// Record enqueues one evaluation. It never blocks.
func (p *Processor) Record(target *model.Target, flag *model.FlagDefinition, variation *model.Variation) {
	if flag == nil || variation == nil {
		return
	}

	rec := record{flag: flag.Identifier, variation: variation.Identifier}
	if target != nil && target.IsValid() && !target.Private {
		if _, known := p.seen.Get(target.Identifier); !known {
			rec.target = &model.TargetData{
				Identifier: target.Identifier,
				Name:       target.Name,
				Attributes: target.Redacted(),
			}
		}
	}

	select {
	case p.queue <- rec:
		observability.AnalyticsQueueDepth.Set(float64(len(p.queue)))
	default:
		observability.AnalyticsDroppedTotal.Inc()
	}
}

// Start launches the flush loop; the first flush runs immediately. Starting a running or closed processor is a no-op.
func (p *Processor) Start() {
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

// Stop cancels the flush timer. Records keep queueing until the queue is full.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Processor) stopLocked() {
	if !p.running {
		return
	}
	p.cancel()
	p.running = false
}

// Close stops the timer, waits for it and attempts one final flush.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopLocked()
	p.mu.Unlock()

	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("final metrics flush failed", slog.String("error", err.Error()))
	}
	p.seen.Close()
}

// Ready reports whether a flush has ever succeeded.
func (p *Processor) Ready() bool {
	return p.ready.Load()
}

// run flushes immediately, then on every tick.
func (p *Processor) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("metrics flush failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush drains the queue and posts one aggregated batch. An empty queue
// counts as a successful flush.
func (p *Processor) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	batch := p.drain()
	observability.AnalyticsQueueDepth.Set(float64(len(p.queue)))

	if batch.IsEmpty() {
		observability.AnalyticsFlushesTotal.WithLabelValues("empty").Inc()
		p.markReady()
		return nil
	}

	err := p.conn.PostMetrics(ctx, batch)
	switch {
	case err == nil:
		observability.AnalyticsFlushesTotal.WithLabelValues("success").Inc()
		for _, t := range batch.Targets {
			p.seen.Set(t.Identifier, struct{}{})
		}
		p.logger.Debug("metrics flushed",
			slog.Int("summaries", len(batch.Summaries)),
			slog.Int("targets", len(batch.Targets)),
		)
		p.markReady()
		return nil

	case errors.Is(err, connector.ErrMetricsRejected):
		observability.AnalyticsFlushesTotal.WithLabelValues("fail").Inc()
		p.logger.Error("metrics rejected by authority", slog.String("error", err.Error()))
		p.listener.OnMetricsFailure(err)

	case connector.IsUnauthorized(err):
		observability.AnalyticsFlushesTotal.WithLabelValues("fail").Inc()
		p.listener.OnUnauthorized()

	default:
		observability.AnalyticsFlushesTotal.WithLabelValues("fail").Inc()
	}
	return fmt.Errorf("post metrics: %w", err)
}

func (p *Processor) markReady() {
	if p.ready.CompareAndSwap(false, true) {
		p.listener.OnMetricsReady()
	}
}

// drain folds every queued record into a batch.
func (p *Processor) drain() model.MetricsBatch {
	counts := make(map[summaryKey]int64)
	var targets []model.TargetData
	registered := make(map[string]struct{})

	for {
		select {
		case rec := <-p.queue:
			counts[summaryKey{flag: rec.flag, variation: rec.variation}]++
			if rec.target != nil {
				if _, dup := registered[rec.target.Identifier]; !dup {
					registered[rec.target.Identifier] = struct{}{}
					targets = append(targets, *rec.target)
				}
			}
			continue
		default:
		}
		break
	}

	summaries := make([]model.MetricsSummary, 0, len(counts))
	for key, count := range counts {
		summaries = append(summaries, model.MetricsSummary{
			FlagIdentifier:      key.flag,
			VariationIdentifier: key.variation,
			Target:              model.GlobalTarget,
			Count:               count,
		})
	}
	slices.SortFunc(summaries, func(a, b model.MetricsSummary) int {
		return cmp.Or(
			cmp.Compare(a.FlagIdentifier, b.FlagIdentifier),
			cmp.Compare(a.VariationIdentifier, b.VariationIdentifier),
		)
	})

	return model.MetricsBatch{
		SDKInstance: p.instance,
		Timestamp:   time.Now().UnixMilli(),
		Summaries:   summaries,
		Targets:     targets,
	}
}
