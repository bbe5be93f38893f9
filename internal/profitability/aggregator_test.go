package profitability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defpool/defpool-server/internal/registry"
)

type fakeFeed struct {
	mu      sync.Mutex
	signals map[string]Signals
	errs    map[string]error
	block   map[string]bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		signals: make(map[string]Signals),
		errs:    make(map[string]error),
		block:   make(map[string]bool),
	}
}

func (f *fakeFeed) set(name string, s Signals) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[name] = s
	delete(f.errs, name)
}

func (f *fakeFeed) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
}

func (f *fakeFeed) FetchSignals(ctx context.Context, target registry.MiningTarget) (Signals, error) {
	f.mu.Lock()
	block := f.block[target.Name]
	err := f.errs[target.Name]
	sig := f.signals[target.Name]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return Signals{}, ctx.Err()
	}
	return sig, err
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.MiningTarget{
		{Name: "KAS", Coin: "KAS", Algorithm: registry.KHeavyHash, Protocol: "stratum", PoolEndpoint: "kas:1", Address: "kaspa:q1"},
		{Name: "RVN", Coin: "RVN", Algorithm: registry.KawPow, Protocol: "stratum", PoolEndpoint: "rvn:1", Address: "R1"},
	})
	require.NoError(t, err)
	return reg
}

func kawpowSignals(price float64) Signals {
	return Signals{Difficulty: 80000, Price: price, BlockReward: 2500}
}

func TestTickScoresEveryTarget(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12, BlockReward: 55})
	feed.set("RVN", kawpowSignals(0.02))

	agg := NewAggregator(Config{FetchTimeout: time.Second}, reg, feed)
	snap := agg.Tick(context.Background())

	require.Len(t, snap.Scores, 2)
	assert.Equal(t, uint64(1), snap.Tick)
	for _, sc := range snap.Scores {
		assert.True(t, sc.Scored, sc.TargetName)
		assert.False(t, sc.Stale, sc.TargetName)
		assert.Greater(t, sc.Score, 0.0, sc.TargetName)
		assert.Zero(t, sc.PreviousScore)
	}
	assert.Same(t, snap, agg.Latest())
}

func TestChangePercentAgainstPreviousTick(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.set("RVN", kawpowSignals(0.02))

	agg := NewAggregator(Config{}, reg, feed)
	first := agg.Tick(context.Background())

	feed.set("RVN", kawpowSignals(0.022))
	second := agg.Tick(context.Background())

	rvn1, _ := first.Lookup("RVN")
	rvn2, ok := second.Lookup("RVN")
	require.True(t, ok)
	assert.InDelta(t, rvn1.Score, rvn2.PreviousScore, 1e-12)
	assert.InDelta(t, 10.0, rvn2.ChangePercent, 1e-9)
}

func TestFeedFailureRetainsScoreAndDecays(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.set("RVN", kawpowSignals(0.02))

	agg := NewAggregator(Config{StalePenalty: 0.1}, reg, feed)
	base, _ := agg.Tick(context.Background()).Lookup("RVN")

	var hooked []string
	agg.OnFeedError(func(fe *FeedError) { hooked = append(hooked, fe.Target) })
	feed.fail("RVN", errors.New("daemon down"))

	// two missed ticks keep the raw score
	for i := 1; i <= 2; i++ {
		sc, _ := agg.Tick(context.Background()).Lookup("RVN")
		assert.True(t, sc.Stale)
		assert.Equal(t, i, sc.MissedTicks)
		assert.InDelta(t, base.Score, sc.Score, 1e-12)
		assert.Equal(t, base.UpdatedAt, sc.UpdatedAt)
	}

	sc, _ := agg.Tick(context.Background()).Lookup("RVN")
	assert.InDelta(t, base.Score*0.9, sc.Score, 1e-12)

	sc, _ = agg.Tick(context.Background()).Lookup("RVN")
	assert.InDelta(t, base.Score*0.81, sc.Score, 1e-12)

	kas, _ := agg.Latest().Lookup("KAS")
	assert.False(t, kas.Stale, "one failing feed must not affect others")
	assert.Equal(t, []string{"RVN", "RVN", "RVN", "RVN"}, hooked)

	feed.set("RVN", kawpowSignals(0.02))
	sc, _ = agg.Tick(context.Background()).Lookup("RVN")
	assert.False(t, sc.Stale)
	assert.Zero(t, sc.MissedTicks)
	assert.InDelta(t, base.Score, sc.Score, 1e-12)
}

func TestNeverScoredTargetIsStaleZero(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.fail("RVN", errors.New("no price"))

	snap := NewAggregator(Config{}, reg, feed).Tick(context.Background())
	sc, ok := snap.Lookup("RVN")
	require.True(t, ok, "failed targets stay in the snapshot")
	assert.False(t, sc.Scored)
	assert.True(t, sc.Stale)
	assert.Zero(t, sc.Score)
}

func TestInvalidSignalsAreFeedErrors(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 0, Price: 0.12})
	feed.set("RVN", kawpowSignals(-1))

	var errs []*FeedError
	agg := NewAggregator(Config{}, reg, feed)
	agg.OnFeedError(func(fe *FeedError) { errs = append(errs, fe) })
	snap := agg.Tick(context.Background())

	assert.Len(t, errs, 2)
	for _, sc := range snap.Scores {
		assert.True(t, sc.Stale)
	}
}

func TestFetchTimeoutDoesNotBlockTick(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.block["RVN"] = true

	var got *FeedError
	agg := NewAggregator(Config{FetchTimeout: 50 * time.Millisecond}, reg, feed)
	agg.OnFeedError(func(fe *FeedError) { got = fe })

	start := time.Now()
	snap := agg.Tick(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	kas, _ := snap.Lookup("KAS")
	assert.True(t, kas.Scored)
	require.NotNil(t, got)
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestFeedIgnoringContextIsAbandoned(t *testing.T) {
	reg := newTestRegistry(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	feed := FeedFunc(func(ctx context.Context, target registry.MiningTarget) (Signals, error) {
		if target.Name == "RVN" {
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			return kawpowSignals(0.02), nil
		}
		return Signals{Difficulty: 1e14, Price: 0.12}, nil
	})

	var errs []*FeedError
	agg := NewAggregator(Config{FetchTimeout: 50 * time.Millisecond}, reg, feed)
	agg.OnFeedError(func(fe *FeedError) { errs = append(errs, fe) })

	start := time.Now()
	snap := agg.Tick(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	kas, _ := snap.Lookup("KAS")
	assert.True(t, kas.Scored)
	assert.False(t, kas.Stale)
	rvn, ok := snap.Lookup("RVN")
	require.True(t, ok)
	assert.True(t, rvn.Stale)
	assert.False(t, rvn.Scored)
	require.Len(t, errs, 1)
	assert.Equal(t, "RVN", errs[0].Target)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestTickDurationReported(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.set("RVN", kawpowSignals(0.02))

	agg := NewAggregator(Config{}, reg, feed)
	var took []time.Duration
	agg.OnTickDone(func(d time.Duration) { took = append(took, d) })

	agg.Tick(context.Background())
	agg.Tick(context.Background())
	require.Len(t, took, 2)
	assert.GreaterOrEqual(t, took[0], time.Duration(0))
}

func TestSubscribersSeeCompleteSnapshots(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.set("RVN", kawpowSignals(0.02))

	agg := NewAggregator(Config{}, reg, feed)
	var seen []uint64
	agg.OnSnapshot(func(s *Snapshot) {
		assert.Len(t, s.Scores, 2)
		seen = append(seen, s.Tick)
	})

	agg.Tick(context.Background())
	agg.Tick(context.Background())
	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestViewFollowsRegistry(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.set("RVN", kawpowSignals(0.02))
	agg := NewAggregator(Config{}, reg, feed)

	before := agg.View()
	require.Len(t, before.Scores, 2)
	for _, sc := range before.Scores {
		assert.True(t, sc.Stale)
		assert.False(t, sc.Scored)
		assert.Zero(t, sc.Score)
	}

	snap := agg.Tick(context.Background())
	assert.Same(t, snap, agg.View())

	require.NoError(t, reg.Replace(append(reg.List()[1:], registry.MiningTarget{
		Name: "XMR", Coin: "XMR", Algorithm: registry.RandomX, Protocol: "stratum", PoolEndpoint: "xmr:1", Address: "48x",
	})))
	view := agg.View()
	require.Len(t, view.Scores, 2)
	assert.Equal(t, "RVN", view.Scores[0].TargetName)
	assert.True(t, view.Scores[0].Scored)
	assert.Equal(t, "XMR", view.Scores[1].TargetName)
	assert.False(t, view.Scores[1].Scored)
}

func TestETagStableForUnchangedScores(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	feed.set("KAS", Signals{Difficulty: 1e14, Price: 0.12})
	feed.set("RVN", kawpowSignals(0.02))
	agg := NewAggregator(Config{}, reg, feed)

	agg.Tick(context.Background())
	a := agg.Tick(context.Background())
	b := agg.Tick(context.Background())
	assert.Equal(t, a.ETag, b.ETag)

	feed.set("RVN", kawpowSignals(0.03))
	c := agg.Tick(context.Background())
	assert.NotEqual(t, b.ETag, c.ETag)
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := newTestRegistry(t)
	feed := newFakeFeed()
	agg := NewAggregator(Config{Interval: 10 * time.Millisecond}, reg, feed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s := agg.Latest()
		return s != nil && s.Tick >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
