// Package aggregator owns the entity registry and pose cache, accepts pose
// updates from any number of producers and drives the fixed-rate
// publication loop.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap-obstacles/internal/bus"
	"github.com/banshee-data/mocap-obstacles/internal/geom"
	"github.com/banshee-data/mocap-obstacles/internal/kinematics"
	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
	"github.com/banshee-data/mocap-obstacles/internal/posecache"
	"github.com/banshee-data/mocap-obstacles/internal/registry"
	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
	"github.com/banshee-data/mocap-obstacles/internal/timeutil"
)

// DefaultRate is the publication rate when Config.Rate is zero.
const DefaultRate = 50.0

// Sink receives every published snapshot. Implementations must not block.
type Sink interface {
	PublishSnapshot(*snapshot.Snapshot) error
}

// Subscriber is the bus side of the inbound pose topics.
type Subscriber interface {
	SubscribeLatest(topic string) (string, <-chan bus.Message)
	Unsubscribe(id string)
}

// Config wires an Aggregator.
type Config struct {
	Registry *registry.Registry
	// Adapter defaults to kinematics.Passthrough.
	Adapter kinematics.Adapter
	Order   snapshot.Order
	FrameID string
	// Rate is the tick rate in Hz.
	Rate  float64
	Clock timeutil.Clock
	// Logger receives operational messages. Defaults to an info logger.
	Logger *monitoring.Logger
	// StatsInterval is how often Run logs loop statistics. Zero disables.
	StatsInterval time.Duration
}

// Aggregator is constructed once at startup and handed to both the
// producers and the publication loop.
type Aggregator struct {
	reg           *registry.Registry
	cache         *posecache.Cache
	adapter       kinematics.Adapter
	builder       *snapshot.Builder
	clock         timeutil.Clock
	logger        *monitoring.Logger
	period        time.Duration
	statsInterval time.Duration

	sinksMu sync.RWMutex
	sinks   []Sink

	latest atomic.Pointer[snapshot.Snapshot]

	seq           atomic.Uint64
	ticks         atomic.Uint64
	published     atomic.Uint64
	skipped       atomic.Uint64
	adapterErrors atomic.Uint64
	sinkErrors    atomic.Uint64
	lastTickNs    atomic.Int64
}

// New validates cfg and builds an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("aggregator: registry is required")
	}
	rate := cfg.Rate
	if rate == 0 {
		rate = DefaultRate
	}
	if rate < 0 {
		return nil, fmt.Errorf("aggregator: rate %g must be positive", rate)
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = kinematics.Passthrough
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = monitoring.NewLogger(monitoring.LoggerConfig{Mode: monitoring.ModeInfo})
	}
	frameID := cfg.FrameID
	if frameID == "" {
		frameID = "world"
	}

	return &Aggregator{
		reg:           cfg.Registry,
		cache:         posecache.New(),
		adapter:       adapter,
		builder:       snapshot.NewBuilder(cfg.Registry, cfg.Order, frameID),
		clock:         clock,
		logger:        logger,
		period:        time.Duration(float64(time.Second) / rate),
		statsInterval: cfg.StatsInterval,
	}, nil
}

// AddSink registers s for every subsequent snapshot.
func (a *Aggregator) AddSink(s Sink) {
	a.sinksMu.Lock()
	defer a.sinksMu.Unlock()
	a.sinks = append(a.sinks, s)
}

// Period returns the tick interval.
func (a *Aggregator) Period() time.Duration { return a.period }

// HandlePose records the latest sample for name. It never blocks on the
// publication loop and never fails.
func (a *Aggregator) HandlePose(name string, sample geom.PoseSample) {
	a.cache.Update(name, sample)
}

// RunSubscriptions subscribes to <prefix>/<entity> for every tracked entity
// and feeds deliveries into the cache, one goroutine per entity. The
// subscriptions are latest-value, so a burst the reader cannot keep up with
// still leaves the newest sample in the cache. It blocks until ctx is
// cancelled, then unsubscribes and returns nil.
func (a *Aggregator) RunSubscriptions(ctx context.Context, sub Subscriber, prefix string) error {
	names := a.reg.Tracked()
	ids := make([]string, 0, len(names))
	var wg sync.WaitGroup

	for _, name := range names {
		topic := bus.Topic(prefix, name)
		id, ch := sub.SubscribeLatest(topic)
		ids = append(ids, id)

		wg.Add(1)
		go func(name string, ch <-chan bus.Message) {
			defer wg.Done()
			for msg := range ch {
				sample, ok := msg.Payload.(geom.PoseSample)
				if !ok {
					monitoring.Logf("[Aggregator] Ignoring %T on %s", msg.Payload, msg.Topic)
					continue
				}
				a.HandlePose(name, sample)
			}
		}(name, ch)
	}
	a.logger.Logf("subscribed to %d entity topics under %s", len(names), prefix)

	<-ctx.Done()
	for _, id := range ids {
		sub.Unsubscribe(id)
	}
	wg.Wait()
	return nil
}

// Tick runs one adapter -> builder -> publish cycle stamped with now. An
// adapter failure skips the tick and is returned; sink failures are logged
// and counted but do not fail the tick. A cancelled ctx prevents publishing.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) (*snapshot.Snapshot, error) {
	start := time.Now()
	defer func() { a.lastTickNs.Store(int64(time.Since(start))) }()
	a.ticks.Add(1)

	poses := a.cache.Snapshot()
	res, err := a.adapter.Compute(ctx, a.reg.Tracked(), poses)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.skipped.Add(1)
		a.adapterErrors.Add(1)
		a.logger.LogAs(monitoring.ModeWarn, fmt.Sprintf("kinematics adapter failed, skipping tick: %v", err))
		return nil, err
	}

	snap := a.builder.Build(a.seq.Add(1), now, res)

	// Nothing is published once shutdown has started.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.sinksMu.RLock()
	sinks := a.sinks
	a.sinksMu.RUnlock()
	for _, s := range sinks {
		if err := s.PublishSnapshot(snap); err != nil {
			a.sinkErrors.Add(1)
			a.logger.LogAs(monitoring.ModeWarn, fmt.Sprintf("snapshot %d not delivered: %v", snap.Seq, err))
		}
	}
	a.latest.Store(snap)
	a.published.Add(1)
	return snap, nil
}

// Run ticks at the configured rate until ctx is cancelled. The ticker keeps
// its phase, so a slow tick does not shift later ones.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.period)
	defer ticker.Stop()

	a.logger.Logf("publishing %d tracked entities every %v", len(a.reg.Tracked()), a.period)
	lastStats := a.clock.Now()

	for {
		select {
		case <-ctx.Done():
			a.logger.Logf("publication loop stopped after %d snapshots", a.published.Load())
			return nil
		case now := <-ticker.C():
			// Tick errors are already logged and counted.
			_, _ = a.Tick(ctx, now)

			if a.statsInterval > 0 && a.clock.Since(lastStats) >= a.statsInterval {
				a.logStats()
				lastStats = a.clock.Now()
			}
		}
	}
}

func (a *Aggregator) logStats() {
	s := a.Stats()
	monitoring.Logf("[Aggregator] Stats: ticks=%d published=%d skipped=%d adapter_errors=%d sink_errors=%d cached=%d last_tick=%v",
		s.Ticks, s.Published, s.Skipped, s.AdapterErrors, s.SinkErrors, s.CachedEntities, s.LastTick)
}

// Latest returns the most recently published snapshot, or nil.
func (a *Aggregator) Latest() *snapshot.Snapshot {
	return a.latest.Load()
}

// Poses returns a copy of the pose cache.
func (a *Aggregator) Poses() map[string]geom.PoseSample {
	return a.cache.Snapshot()
}

// LoopStats is a point-in-time view of the loop counters.
type LoopStats struct {
	Ticks          uint64        `json:"ticks"`
	Published      uint64        `json:"published"`
	Skipped        uint64        `json:"skipped"`
	AdapterErrors  uint64        `json:"adapter_errors"`
	SinkErrors     uint64        `json:"sink_errors"`
	PoseUpdates    uint64        `json:"pose_updates"`
	CachedEntities int           `json:"cached_entities"`
	LastTick       time.Duration `json:"last_tick_ns"`
}

// Stats returns the loop counters.
func (a *Aggregator) Stats() LoopStats {
	return LoopStats{
		Ticks:          a.ticks.Load(),
		Published:      a.published.Load(),
		Skipped:        a.skipped.Load(),
		AdapterErrors:  a.adapterErrors.Load(),
		SinkErrors:     a.sinkErrors.Load(),
		PoseUpdates:    a.cache.Updates(),
		CachedEntities: a.cache.Len(),
		LastTick:       time.Duration(a.lastTickNs.Load()),
	}
}
