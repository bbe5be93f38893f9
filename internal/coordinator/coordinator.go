// Package coordinator wires the scoring, selection and accounting engines
// together and connects them to persistence and the outside world.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/defpool/defpool-server/internal/config"
	"github.com/defpool/defpool-server/internal/ledger"
	"github.com/defpool/defpool-server/internal/metrics"
	"github.com/defpool/defpool-server/internal/newrelic"
	"github.com/defpool/defpool-server/internal/notify"
	"github.com/defpool/defpool-server/internal/profitability"
	"github.com/defpool/defpool-server/internal/registry"
	"github.com/defpool/defpool-server/internal/selector"
	"github.com/defpool/defpool-server/internal/storage"
	"github.com/defpool/defpool-server/internal/switchlog"
	"github.com/defpool/defpool-server/internal/util"
)

const (
	persistBacklog = 10000
	statsInterval  = 5 * time.Second
)

// Deps are the collaborators of a Coordinator. Only Feed is required.
type Deps struct {
	Feed     profitability.FeedSource
	Redis    *storage.RedisClient
	Notifier *notify.Notifier
	Agent    *newrelic.Agent
	Metrics  *metrics.Exporter
	Clock    selector.Clock
}

// Coordinator owns the engines and the background loops driving them.
type Coordinator struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	registry   *registry.Registry
	aggregator *profitability.Aggregator
	selector   *selector.Selector
	history    *switchlog.Log
	ledger     *ledger.Ledger

	redis    *storage.RedisClient
	notifier *notify.Notifier
	agent    *newrelic.Agent
	metrics  *metrics.Exporter

	persistChan chan func(*storage.RedisClient) error
	dropped     atomic.Uint64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

// New builds a coordinator from a validated configuration.
func New(cfg *config.Config, deps Deps) (*Coordinator, error) {
	if deps.Feed == nil {
		return nil, fmt.Errorf("coordinator needs a feed")
	}

	reg, err := registry.New(cfg.MiningTargets())
	if err != nil {
		return nil, err
	}

	history := switchlog.New(cfg.SwitchLog.Capacity)

	sel := selector.New(selector.Config{
		SwitchThreshold: cfg.Selector.SwitchThreshold,
		MinDwell:        cfg.Selector.MinDwell,
	}, reg, history)
	if deps.Clock != nil {
		sel.WithClock(deps.Clock)
	}

	agg := profitability.NewAggregator(profitability.Config{
		Interval:        cfg.Scoring.Interval,
		FetchTimeout:    cfg.Scoring.FetchTimeout,
		StaleAfterTicks: cfg.Scoring.StaleAfterTicks,
		StalePenalty:    cfg.Scoring.StalePenalty,
		MaxConcurrent:   cfg.Scoring.MaxConcurrentFetches,
	}, reg, deps.Feed)

	led := ledger.New(ledger.Config{
		HashrateWindow: cfg.Ledger.HashrateWindow,
		ActiveWindow:   cfg.Ledger.ActiveWindow,
		Shards:         cfg.Ledger.Shards,
	}, sel)

	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:         cfg,
		registry:    reg,
		aggregator:  agg,
		selector:    sel,
		history:     history,
		ledger:      led,
		redis:       deps.Redis,
		notifier:    deps.Notifier,
		agent:       deps.Agent,
		metrics:     m,
		persistChan: make(chan func(*storage.RedisClient) error, persistBacklog),
		ctx:         ctx,
		cancel:      cancel,
	}

	// the selector must see a snapshot before anyone else reacts to it
	agg.OnSnapshot(c.handleSnapshot)
	agg.OnFeedError(c.handleFeedError)
	agg.OnTickDone(m.ObserveTick)
	sel.OnChange(c.handleChange)
	led.OnShare(c.handleShare)

	return c, nil
}

// Start restores persisted state and launches the background loops.
func (c *Coordinator) Start() error {
	util.Info("Starting coordinator...")

	if c.redis != nil {
		if err := c.restore(); err != nil {
			return fmt.Errorf("restore from redis: %w", err)
		}

		c.wg.Add(1)
		go c.persistLoop()
	}

	c.wg.Add(1)
	go c.scoringLoop()

	c.wg.Add(1)
	go c.statsUpdateLoop()

	util.Infof("Coordinator started with %d targets", c.registry.Len())
	return nil
}

// Stop shuts the loops down and flushes pending writes.
func (c *Coordinator) Stop() {
	c.stop.Do(func() {
		util.Info("Stopping coordinator...")
		c.cancel()
		c.selector.Stop()
		c.wg.Wait()
		c.drainPersist()
		if c.notifier != nil {
			c.notifier.Wait()
		}
		util.Info("Coordinator stopped")
	})
}

// scoringLoop runs a scoring tick immediately and then every interval
func (c *Coordinator) scoringLoop() {
	defer c.wg.Done()
	c.aggregator.Run(c.ctx)
}

// statsUpdateLoop refreshes pool-wide gauges
func (c *Coordinator) statsUpdateLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.updateStats()
		}
	}
}

func (c *Coordinator) updateStats() {
	summary := c.ledger.Summary()
	c.metrics.UpdatePool(summary)
	c.agent.UpdatePoolMetrics(summary.PoolHashrate, int64(summary.ActiveMiners), int64(summary.ActiveWorkers))
	util.Debugf("Pool: %d/%d miners active, hashrate %s",
		summary.ActiveMiners, summary.TotalMiners, util.FormatHashrate(summary.PoolHashrate))
}

// Reload applies a new configuration. Only the target list takes effect
// at runtime; the selector re-evaluates immediately so a removed current
// target is replaced without waiting for the next tick.
func (c *Coordinator) Reload(cfg *config.Config) error {
	if err := c.registry.Replace(cfg.MiningTargets()); err != nil {
		return err
	}

	c.cfgMu.Lock()
	old := c.cfg
	c.cfg = cfg
	c.cfgMu.Unlock()

	if old.Selector != cfg.Selector || old.Scoring != cfg.Scoring {
		util.Warnf("Scoring and selector settings changed; restart to apply them")
	}

	d := c.selector.Recheck()
	util.Infof("Reloaded %d targets (registry version %d, selector %s)", c.registry.Len(), c.registry.Version(), d)
	return nil
}

// SubmitShare records one share report.
func (c *Coordinator) SubmitShare(sub ledger.ShareSubmission) (ledger.ShareEvent, error) {
	return c.ledger.Submit(sub)
}

func (c *Coordinator) config() *config.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Config returns the configuration currently in effect.
func (c *Coordinator) Config() *config.Config {
	return c.config()
}

// Registry returns the target registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Aggregator returns the score aggregator.
func (c *Coordinator) Aggregator() *profitability.Aggregator { return c.aggregator }

// Selector returns the target selector.
func (c *Coordinator) Selector() *selector.Selector { return c.selector }

// History returns the switch log.
func (c *Coordinator) History() *switchlog.Log { return c.history }

// Ledger returns the share ledger.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

// Metrics returns the Prometheus exporter.
func (c *Coordinator) Metrics() *metrics.Exporter { return c.metrics }

// Dropped returns how many persistence writes were discarded because the
// backlog was full.
func (c *Coordinator) Dropped() uint64 { return c.dropped.Load() }
