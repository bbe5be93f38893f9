package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defpool/defpool-server/internal/registry"
)

type staticTarget struct {
	mu     sync.Mutex
	target *registry.MiningTarget
}

func (s *staticTarget) CurrentTarget() (registry.MiningTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return registry.MiningTarget{}, false
	}
	return *s.target, true
}

func (s *staticTarget) set(name string, minDiff float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = &registry.MiningTarget{Name: name, MinShareDifficulty: minDiff}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T) (*Ledger, *staticTarget, *testClock) {
	t.Helper()
	cur := &staticTarget{}
	cur.set("KAS", 1)
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{HashrateWindow: 10 * time.Minute, ActiveWindow: time.Hour, Shards: 4}, cur)
	l.now = clock.Now
	return l, cur, clock
}

func share(wallet, worker, target string, diff float64, valid bool) ShareSubmission {
	return ShareSubmission{WalletAddress: wallet, WorkerName: worker, TargetName: target, Difficulty: diff, Valid: valid}
}

func TestFirstShareCreatesRecords(t *testing.T) {
	l, _, clock := newTestLedger(t)

	ev, err := l.Submit(share("walletA", "rig1", "KAS", 4, true))
	require.NoError(t, err)
	assert.True(t, ev.Valid)
	assert.True(t, ev.NewMiner)
	assert.True(t, ev.NewWorker)

	stats, err := l.MinerStats("walletA")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalShares)
	assert.Equal(t, uint64(1), stats.ValidShares)
	assert.Equal(t, 1, stats.WorkersCount)
	assert.Equal(t, clock.Now(), stats.LastSeen)

	workers, err := l.Workers("walletA")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "rig1", workers[0].WorkerName)
	assert.Equal(t, uint64(1), workers[0].TotalShares)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name   string
		sub    ShareSubmission
		valid  bool
		reason RejectReason
	}{
		{"accepted", share("w", "r", "KAS", 1, true), true, RejectNone},
		{"above minimum", share("w", "r", "KAS", 100, true), true, RejectNone},
		{"wrong target", share("w", "r", "RVN", 100, true), false, RejectTargetMismatch},
		{"below minimum", share("w", "r", "KAS", 0.5, true), false, RejectLowDifficulty},
		{"upstream rejected", share("w", "r", "KAS", 10, false), false, RejectUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := newTestLedger(t)
			ev, err := l.Submit(tt.sub)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, ev.Valid)
			assert.Equal(t, tt.reason, ev.Reason)

			stats, err := l.MinerStats("w")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), stats.TotalShares, "invalid shares still count")
		})
	}
}

func TestShareForOtherTargetIsInvalid(t *testing.T) {
	l, _, _ := newTestLedger(t)

	ev, err := l.Submit(share("walletR", "rig1", "RVN", 1000, true))
	require.NoError(t, err)
	assert.False(t, ev.Valid)

	stats, err := l.MinerStats("walletR")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.InvalidShares)
	assert.Equal(t, uint64(1), stats.TotalShares)
	assert.Zero(t, stats.ValidShares)
	assert.Zero(t, stats.Hashrate)
}

func TestNoActiveTarget(t *testing.T) {
	l := New(DefaultConfig(), &staticTarget{})
	ev, err := l.Submit(share("w", "r", "KAS", 1, true))
	require.NoError(t, err)
	assert.Equal(t, RejectNoActiveTarget, ev.Reason)
}

func TestMalformedSubmissions(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Submit(share("", "rig", "KAS", 1, true))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "wallet_address", verr.Field)
	sum := l.Summary()
	assert.Zero(t, sum.TotalMiners)
	assert.Zero(t, sum.TotalShares)

	for _, d := range []float64{-1, math.NaN(), math.Inf(1)} {
		ev, err := l.Submit(share("w", "rig", "KAS", d, true))
		require.True(t, errors.As(err, &verr), "difficulty %v", d)
		assert.Equal(t, RejectMalformed, ev.Reason)
	}
	stats, err := l.MinerStats("w")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.InvalidShares)
}

func TestEmptyWorkerCountsAgainstMinerOnly(t *testing.T) {
	l, _, _ := newTestLedger(t)

	ev, err := l.Submit(share("w", "  ", "KAS", 1, true))
	require.NoError(t, err)
	assert.False(t, ev.NewWorker)

	stats, _ := l.MinerStats("w")
	assert.Equal(t, uint64(1), stats.TotalShares)
	assert.Zero(t, stats.WorkersCount)

	workers, err := l.Workers("w")
	require.NoError(t, err)
	assert.NotNil(t, workers)
	assert.Empty(t, workers)
}

func TestUnknownWallet(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.MinerStats("ghost")
	assert.ErrorIs(t, err, ErrMinerNotFound)
	_, err = l.Workers("ghost")
	assert.ErrorIs(t, err, ErrMinerNotFound)
}

func TestCountersInvariant(t *testing.T) {
	l, cur, _ := newTestLedger(t)
	targets := []string{"KAS", "RVN"}

	for i := 0; i < 500; i++ {
		if i == 250 {
			cur.set("RVN", 2)
		}
		sub := share(fmt.Sprintf("w%d", i%7), fmt.Sprintf("rig%d", i%3), targets[i%2], float64(i%5), i%11 != 0)
		_, err := l.Submit(sub)
		require.NoError(t, err)
	}

	var total uint64
	for i := 0; i < 7; i++ {
		wallet := fmt.Sprintf("w%d", i)
		stats, err := l.MinerStats(wallet)
		require.NoError(t, err)
		assert.Equal(t, stats.TotalShares, stats.ValidShares+stats.InvalidShares)
		total += stats.TotalShares

		workers, err := l.Workers(wallet)
		require.NoError(t, err)
		var workerTotal uint64
		for _, w := range workers {
			assert.Equal(t, w.TotalShares, w.ValidShares+w.InvalidShares)
			assert.LessOrEqual(t, w.TotalShares, stats.TotalShares)
			workerTotal += w.TotalShares
		}
		assert.Equal(t, stats.TotalShares, workerTotal)
	}
	assert.Equal(t, uint64(500), total)

	sum := l.Summary()
	assert.Equal(t, uint64(500), sum.TotalShares)
	assert.Equal(t, sum.TotalShares, sum.ValidShares+sum.InvalidShares)
	assert.Equal(t, 7, sum.TotalMiners)
	assert.Equal(t, 21, sum.TotalWorkers)
}

func TestHashrateWindow(t *testing.T) {
	l, _, clock := newTestLedger(t)

	// 600 shares of difficulty 1 spread over ten minutes
	for i := 0; i < 600; i++ {
		_, err := l.Submit(share("w", "rig", "KAS", 1, true))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	clock.Advance(-time.Second)

	stats, _ := l.MinerStats("w")
	assert.InDelta(t, 4294967296.0, stats.Hashrate, 1)

	workers, _ := l.Workers("w")
	assert.InDelta(t, 4294967296.0, workers[0].Hashrate, 1)

	// half the window later, half the samples remain
	clock.Advance(5 * time.Minute)
	stats, _ = l.MinerStats("w")
	assert.InDelta(t, 4294967296.0/2, stats.Hashrate, 4294967296.0/100)

	clock.Advance(time.Hour)
	stats, _ = l.MinerStats("w")
	assert.Zero(t, stats.Hashrate)
}

func TestInvalidSharesDoNotAddHashrate(t *testing.T) {
	l, _, _ := newTestLedger(t)
	l.Submit(share("w", "rig", "RVN", 1000, true))
	l.Submit(share("w", "rig", "KAS", 1000, false))

	stats, _ := l.MinerStats("w")
	assert.Zero(t, stats.Hashrate)
}

func TestWorkersOrderedByLastSeen(t *testing.T) {
	l, _, clock := newTestLedger(t)

	for _, name := range []string{"a", "b", "c"} {
		l.Submit(share("w", name, "KAS", 1, true))
		clock.Advance(time.Second)
	}
	l.Submit(share("w", "a", "KAS", 1, true))

	workers, err := l.Workers("w")
	require.NoError(t, err)
	require.Len(t, workers, 3)
	assert.Equal(t, "a", workers[0].WorkerName)
	assert.Equal(t, "c", workers[1].WorkerName)
	assert.Equal(t, "b", workers[2].WorkerName)
}

func TestSummaryActiveWindow(t *testing.T) {
	l, _, clock := newTestLedger(t)
	l.Submit(share("old", "rig", "KAS", 1, true))
	clock.Advance(2 * time.Hour)
	l.Submit(share("new", "rig", "KAS", 1, true))

	sum := l.Summary()
	assert.Equal(t, 2, sum.TotalMiners)
	assert.Equal(t, 1, sum.ActiveMiners)
	assert.Equal(t, 2, sum.TotalWorkers)
	assert.Equal(t, 1, sum.ActiveWorkers)
}

func TestOnShareHook(t *testing.T) {
	l, _, _ := newTestLedger(t)
	var events []ShareEvent
	l.OnShare(func(ev ShareEvent) { events = append(events, ev) })

	l.Submit(share("w", "rig", "KAS", 1, true))
	l.Submit(share("w", "rig", "RVN", 1, true))

	require.Len(t, events, 2)
	assert.True(t, events[0].NewMiner)
	assert.False(t, events[1].NewMiner)
	assert.Equal(t, RejectTargetMismatch, events[1].Reason)
}

func TestRestore(t *testing.T) {
	l, _, _ := newTestLedger(t)
	seen := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)

	ok := l.Restore(MinerStats{WalletAddress: "w", ValidShares: 8, InvalidShares: 2, LastSeen: seen},
		[]Worker{{WorkerName: "rig", ValidShares: 5, InvalidShares: 1, LastSeen: seen}})
	require.True(t, ok)
	assert.False(t, l.Restore(MinerStats{WalletAddress: "w"}, nil), "existing miners are not overwritten")

	l.Submit(share("w", "rig", "KAS", 1, true))
	stats, _ := l.MinerStats("w")
	assert.Equal(t, uint64(11), stats.TotalShares)
	assert.Equal(t, uint64(9), stats.ValidShares)

	workers, _ := l.Workers("w")
	require.Len(t, workers, 1)
	assert.Equal(t, uint64(7), workers[0].TotalShares)

	assert.Equal(t, uint64(11), l.Summary().TotalShares)
}

func TestConcurrentSubmissions(t *testing.T) {
	l, _, _ := newTestLedger(t)
	const producers, perProducer = 16, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				target := "KAS"
				if i%4 == 0 {
					target = "RVN"
				}
				l.Submit(share(fmt.Sprintf("w%d", p%4), fmt.Sprintf("rig%d", i%8), target, 2, true))
			}
		}(p)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.MinerStats("w0")
				l.Workers("w1")
				l.Summary()
			}
		}()
	}
	wg.Wait()

	var total, valid uint64
	for i := 0; i < 4; i++ {
		stats, err := l.MinerStats(fmt.Sprintf("w%d", i))
		require.NoError(t, err)
		assert.Equal(t, stats.TotalShares, stats.ValidShares+stats.InvalidShares)
		total += stats.TotalShares
		valid += stats.ValidShares
	}
	assert.Equal(t, uint64(producers*perProducer), total)
	assert.Equal(t, uint64(producers*perProducer*3/4), valid)

	sum := l.Summary()
	assert.Equal(t, 4, sum.TotalMiners)
	assert.Equal(t, 32, sum.TotalWorkers)
}
