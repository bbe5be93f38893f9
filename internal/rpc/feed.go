package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/defpool/defpool-server/internal/profitability"
	"github.com/defpool/defpool-server/internal/registry"
)

// PriceSource returns a coin price by price id.
type PriceSource interface {
	Price(ctx context.Context, id string) (float64, error)
}

// Feed merges daemon difficulty, market price and the per-target static
// settings into scoring signals.
type Feed struct {
	prices  PriceSource
	timeout time.Duration

	mu      sync.Mutex
	daemons map[string]*DaemonClient
}

// NewFeed creates a feed. prices may be nil when every target carries a
// static price.
func NewFeed(prices PriceSource, daemonTimeout time.Duration) *Feed {
	return &Feed{
		prices:  prices,
		timeout: daemonTimeout,
		daemons: make(map[string]*DaemonClient),
	}
}

// FetchSignals implements profitability.FeedSource.
func (f *Feed) FetchSignals(ctx context.Context, t registry.MiningTarget) (profitability.Signals, error) {
	s := profitability.Signals{
		Fee:         t.Feed.Fee,
		Luck:        t.Feed.Luck,
		BlockReward: t.Feed.BlockReward,
	}

	switch {
	case t.Feed.StaticDifficulty > 0:
		s.Difficulty = t.Feed.StaticDifficulty
	case t.Feed.DaemonURL != "":
		d, err := f.daemon(t.Feed.DaemonURL).GetDifficulty(ctx, t.Feed.DifficultyMethod)
		if err != nil {
			return s, fmt.Errorf("difficulty: %w", err)
		}
		s.Difficulty = d
	default:
		return s, fmt.Errorf("no difficulty source for %s", t.Name)
	}

	switch {
	case t.Feed.StaticPrice > 0:
		s.Price = t.Feed.StaticPrice
	case t.Feed.PriceID != "" && f.prices != nil:
		p, err := f.prices.Price(ctx, t.Feed.PriceID)
		if err != nil {
			return s, fmt.Errorf("price: %w", err)
		}
		s.Price = p
	default:
		return s, fmt.Errorf("no price source for %s", t.Name)
	}

	return s, nil
}

// DaemonHealth reports the health of every daemon contacted so far.
func (f *Feed) DaemonHealth() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.daemons))
	for u, c := range f.daemons {
		out[u] = c.IsHealthy()
	}
	return out
}

func (f *Feed) daemon(url string) *DaemonClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.daemons[url]
	if !ok {
		c = NewDaemonClient(url, f.timeout)
		f.daemons[url] = c
	}
	return c
}
