package ledger

import (
	"time"

	"github.com/gammazero/deque"

	"github.com/defpool/defpool-server/internal/util"
)

// windowSlots bounds the samples one window keeps. Shares closer together
// than span/windowSlots are folded into the same sample.
const windowSlots = 256

type sample struct {
	at     time.Time
	hashes float64
}

// window holds accepted work inside a sliding interval as a ring of at most
// windowSlots samples. Adds prune from the front; sums happen on read.
type window struct {
	span    time.Duration
	slot    time.Duration
	samples *deque.Deque[sample]
}

func newWindow(span time.Duration) *window {
	return &window{span: span, slot: span / windowSlots, samples: deque.New[sample]()}
}

func (w *window) add(at time.Time, difficulty float64) {
	w.prune(at)
	hashes := util.ShareHashes(difficulty)

	if n := w.samples.Len(); n > 0 {
		last := w.samples.Back()
		if at.Sub(last.at) < w.slot {
			last.hashes += hashes
			w.samples.Set(n-1, last)
			return
		}
	}

	if w.samples.Len() >= windowSlots {
		w.samples.PopFront()
	}
	w.samples.PushBack(sample{at: at, hashes: hashes})
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.samples.Len() > 0 && !w.samples.Front().at.After(cutoff) {
		w.samples.PopFront()
	}
}

func (w *window) hashrate(now time.Time) float64 {
	w.prune(now)
	var sum float64
	for i := 0; i < w.samples.Len(); i++ {
		sum += w.samples.At(i).hashes
	}
	return util.Hashrate(sum, w.span)
}
