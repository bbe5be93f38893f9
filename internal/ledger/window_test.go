package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/defpool/defpool-server/internal/util"
)

func TestWindowStaysBoundedUnderBurst(t *testing.T) {
	w := newWindow(10 * time.Minute)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// one share every 10ms for a whole window
	const shares = 60000
	var last time.Time
	for i := 0; i < shares; i++ {
		last = start.Add(time.Duration(i) * 10 * time.Millisecond)
		w.add(last, 1)
		assert.LessOrEqual(t, w.samples.Len(), windowSlots)
	}

	want := util.Hashrate(shares*util.HashesPerShareDifficulty, 10*time.Minute)
	assert.InEpsilon(t, want, w.hashrate(last), 0.01)
}

func TestWindowFoldsSameInstant(t *testing.T) {
	w := newWindow(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 1000; i++ {
		w.add(now, 2)
	}
	// a clock step backwards lands in the newest sample too
	w.add(now.Add(-time.Second), 2)

	assert.Equal(t, 1, w.samples.Len())
	assert.InDelta(t, 1001*util.ShareHashes(2)/60, w.hashrate(now), 1)
}

func TestWindowEvictsOldestWhenFull(t *testing.T) {
	w := newWindow(time.Hour)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// a zero-length slot never folds, so only the ring bound applies
	w.slot = 0
	for i := 0; i < windowSlots+10; i++ {
		w.add(start.Add(time.Duration(i)*time.Millisecond), 1)
	}

	assert.Equal(t, windowSlots, w.samples.Len())
	assert.Equal(t, start.Add(10*time.Millisecond), w.samples.Front().at)
}
