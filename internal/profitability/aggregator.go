package profitability

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/defpool/defpool-server/internal/registry"
	"github.com/defpool/defpool-server/internal/util"
)

// Config controls tick cadence and staleness handling.
type Config struct {
	Interval        time.Duration
	FetchTimeout    time.Duration
	StaleAfterTicks int
	StalePenalty    float64
	MaxConcurrent   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		FetchTimeout:    5 * time.Second,
		StaleAfterTicks: 2,
		StalePenalty:    0.05,
		MaxConcurrent:   16,
	}
}

type targetState struct {
	raw       float64
	scored    bool
	missed    int
	updatedAt time.Time
}

type fetchResult struct {
	signals Signals
	err     error
}

// Aggregator fetches signals for every registered target each tick and
// publishes a complete Snapshot. Ticks are serialized.
type Aggregator struct {
	cfg      Config
	registry *registry.Registry
	feed     FeedSource
	log      *zap.SugaredLogger
	now      func() time.Time

	tickMu sync.Mutex
	tick   uint64
	state  map[string]*targetState

	latest atomic.Pointer[Snapshot]

	subMu       sync.RWMutex
	subscribers []func(*Snapshot)
	feedErrHook func(*FeedError)
	tickHook    func(time.Duration)
}

// NewAggregator creates an aggregator over reg using feed for signals.
func NewAggregator(cfg Config, reg *registry.Registry, feed FeedSource) *Aggregator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.StaleAfterTicks <= 0 {
		cfg.StaleAfterTicks = def.StaleAfterTicks
	}
	if cfg.StalePenalty < 0 || cfg.StalePenalty >= 1 {
		cfg.StalePenalty = def.StalePenalty
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &Aggregator{
		cfg:      cfg,
		registry: reg,
		feed:     feed,
		log:      util.Named("scoring"),
		now:      time.Now,
		state:    make(map[string]*targetState),
	}
}

// OnSnapshot registers fn to receive every published snapshot, in tick
// order, on the scoring goroutine. fn must not block for long.
func (a *Aggregator) OnSnapshot(fn func(*Snapshot)) {
	a.subMu.Lock()
	a.subscribers = append(a.subscribers, fn)
	a.subMu.Unlock()
}

// OnFeedError registers a hook for per-target feed failures.
func (a *Aggregator) OnFeedError(fn func(*FeedError)) {
	a.subMu.Lock()
	a.feedErrHook = fn
	a.subMu.Unlock()
}

// OnTickDone registers a hook receiving the wall time of every tick.
func (a *Aggregator) OnTickDone(fn func(time.Duration)) {
	a.subMu.Lock()
	a.tickHook = fn
	a.subMu.Unlock()
}

// Latest returns the most recent snapshot, or nil before the first tick.
func (a *Aggregator) Latest() *Snapshot {
	return a.latest.Load()
}

// View returns a snapshot covering exactly the registered targets. Before
// the first tick, or after a reconfiguration not yet scored, missing
// targets appear unscored and stale.
func (a *Aggregator) View() *Snapshot {
	snap := a.latest.Load()
	version := a.registry.Version()
	if snap != nil && snap.RegistryVersion == version {
		return snap
	}

	targets := a.registry.List()
	scores := make([]ProfitabilityScore, 0, len(targets))
	var tick uint64
	var takenAt time.Time
	if snap != nil {
		tick, takenAt = snap.Tick, snap.TakenAt
	}
	for _, t := range targets {
		if sc, ok := snap.Lookup(t.Name); ok {
			scores = append(scores, sc)
			continue
		}
		scores = append(scores, ProfitabilityScore{
			TargetName: t.Name,
			Coin:       t.Coin,
			Algorithm:  t.Algorithm,
			Stale:      true,
		})
	}
	return NewSnapshot(tick, takenAt, version, scores)
}

// Run ticks immediately and then every Interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	a.Tick(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one scoring round and publishes its snapshot. A failing feed
// only affects its own target.
func (a *Aggregator) Tick(ctx context.Context) *Snapshot {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	start := time.Now()
	version := a.registry.Version()
	targets := a.registry.List()
	results := a.fetchAll(ctx, targets)

	now := a.now()
	prevSnap := a.latest.Load()
	a.tick++

	scores := make([]ProfitabilityScore, len(targets))
	live := make(map[string]struct{}, len(targets))
	var failures []*FeedError

	for i, target := range targets {
		live[target.Name] = struct{}{}
		st, ok := a.state[target.Name]
		if !ok {
			st = &targetState{}
			a.state[target.Name] = st
		}

		res := results[i]
		if res.err == nil {
			raw, err := Score(target.Algorithm, res.signals)
			if err != nil {
				res.err = err
			} else {
				st.raw = raw
				st.scored = true
				st.missed = 0
				st.updatedAt = now
			}
		}
		if res.err != nil {
			st.missed++
			failures = append(failures, &FeedError{Target: target.Name, Err: res.err})
		}

		score := ProfitabilityScore{
			TargetName:  target.Name,
			Coin:        target.Coin,
			Algorithm:   target.Algorithm,
			Score:       a.effectiveScore(st),
			Stale:       st.missed > 0 || !st.scored,
			Scored:      st.scored,
			MissedTicks: st.missed,
			UpdatedAt:   st.updatedAt,
		}
		if prev, ok := prevSnap.Lookup(target.Name); ok && prev.Scored {
			score.PreviousScore = prev.Score
			score.ChangePercent = changePercent(prev.Score, score.Score)
		}
		scores[i] = score
	}

	for name := range a.state {
		if _, ok := live[name]; !ok {
			delete(a.state, name)
		}
	}

	snap := NewSnapshot(a.tick, now, version, scores)
	a.latest.Store(snap)

	a.report(snap, failures, time.Since(start))
	return snap
}

func (a *Aggregator) fetchAll(ctx context.Context, targets []registry.MiningTarget) []fetchResult {
	results := make([]fetchResult, len(targets))

	var g errgroup.Group
	g.SetLimit(a.cfg.MaxConcurrent)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = a.fetch(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetch bounds one feed call by FetchTimeout. A feed that ignores its
// context is abandoned; its late result lands in a buffered channel nobody
// reads.
func (a *Aggregator) fetch(ctx context.Context, target registry.MiningTarget) fetchResult {
	fctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		sig, err := a.feed.FetchSignals(fctx, target)
		done <- fetchResult{signals: sig, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && fctx.Err() != nil {
			res.err = fctx.Err()
		}
		return res
	case <-fctx.Done():
		return fetchResult{err: fctx.Err()}
	}
}

// effectiveScore applies the stale decay once a target has missed more
// than StaleAfterTicks rounds in a row.
func (a *Aggregator) effectiveScore(st *targetState) float64 {
	if !st.scored {
		return 0
	}
	over := st.missed - a.cfg.StaleAfterTicks
	if over <= 0 {
		return st.raw
	}
	return st.raw * math.Pow(1-a.cfg.StalePenalty, float64(over))
}

func changePercent(prev, cur float64) float64 {
	if prev <= 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}

func (a *Aggregator) report(snap *Snapshot, failures []*FeedError, took time.Duration) {
	a.subMu.RLock()
	subs := a.subscribers
	hook := a.feedErrHook
	tickHook := a.tickHook
	a.subMu.RUnlock()

	if tickHook != nil {
		tickHook(took)
	}

	for _, fe := range failures {
		if errors.Is(fe.Err, context.DeadlineExceeded) {
			a.log.Warnf("Feed timeout for %s after %v", fe.Target, a.cfg.FetchTimeout)
		} else {
			a.log.Warnf("Feed error: %v", fe)
		}
		if hook != nil {
			hook(fe)
		}
	}

	if len(snap.Scores) > 0 {
		a.log.Debugf("Tick %d scored %d targets (%d stale)", snap.Tick, len(snap.Scores), len(failures))
	}

	for _, fn := range subs {
		fn(snap)
	}
}
