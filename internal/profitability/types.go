// Package profitability scores every registered target on a fixed tick and
// publishes immutable score snapshots.
package profitability

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/defpool/defpool-server/internal/registry"
)

// Signals are the market inputs for one target at one point in time.
type Signals struct {
	Difficulty  float64
	Price       float64
	Fee         float64
	Luck        float64
	BlockReward float64
}

// FeedSource provides signals for a target. Implementations must honour ctx.
type FeedSource interface {
	FetchSignals(ctx context.Context, target registry.MiningTarget) (Signals, error)
}

// FeedFunc adapts a function to FeedSource.
type FeedFunc func(ctx context.Context, target registry.MiningTarget) (Signals, error)

func (f FeedFunc) FetchSignals(ctx context.Context, target registry.MiningTarget) (Signals, error) {
	return f(ctx, target)
}

// FeedError marks a target whose signals could not be obtained this tick.
type FeedError struct {
	Target string
	Err    error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed for %s: %v", e.Target, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// ProfitabilityScore is one target's entry in a snapshot.
type ProfitabilityScore struct {
	TargetName    string             `json:"target_name"`
	Coin          string             `json:"coin"`
	Algorithm     registry.Algorithm `json:"algorithm"`
	Score         float64            `json:"score"`
	PreviousScore float64            `json:"previous_score"`
	ChangePercent float64            `json:"change_percent"`
	Stale         bool               `json:"stale"`
	Scored        bool               `json:"scored"`
	MissedTicks   int                `json:"missed_ticks,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Snapshot is a complete, immutable score table. Never modify one after it
// has been published.
type Snapshot struct {
	Tick            uint64
	TakenAt         time.Time
	RegistryVersion uint64
	Scores          []ProfitabilityScore
	ETag            string

	index map[string]int
}

// NewSnapshot builds and indexes a snapshot; scores must not be modified
// afterwards.
func NewSnapshot(tick uint64, takenAt time.Time, registryVersion uint64, scores []ProfitabilityScore) *Snapshot {
	s := &Snapshot{
		Tick:            tick,
		TakenAt:         takenAt,
		RegistryVersion: registryVersion,
		Scores:          scores,
		index:           make(map[string]int, len(scores)),
	}
	for i, sc := range scores {
		s.index[sc.TargetName] = i
	}
	s.ETag = digest(scores)
	return s
}

// Lookup returns the score for a target name.
func (s *Snapshot) Lookup(name string) (ProfitabilityScore, bool) {
	if s == nil {
		return ProfitabilityScore{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return ProfitabilityScore{}, false
	}
	return s.Scores[i], true
}

// digest covers everything a client renders, so an unchanged table keeps
// its ETag across ticks.
func digest(scores []ProfitabilityScore) string {
	h := blake3.New()
	var buf [8]byte
	for _, sc := range scores {
		h.Write([]byte(sc.TargetName))
		h.Write([]byte{0})
		for _, f := range []float64{sc.Score, sc.PreviousScore} {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
			h.Write(buf[:])
		}
		flags := byte(0)
		if sc.Stale {
			flags |= 1
		}
		if sc.Scored {
			flags |= 2
		}
		h.Write([]byte{flags})
	}
	sum := h.Sum(nil)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
