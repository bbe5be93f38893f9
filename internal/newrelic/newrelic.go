// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/defpool/defpool-server/internal/config"
	"github.com/defpool/defpool-server/internal/switchlog"
	"github.com/defpool/defpool-server/internal/util"
)

// Agent wraps New Relic APM functionality. Every method is a no-op until
// Start connected an application.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if a.cfg == nil || !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warnf("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	app := a.application()
	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

func (a *Agent) application() *newrelic.Application {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	return a.application() != nil
}

// StartTransaction starts a new New Relic transaction, nil when disabled.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	app := a.application()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if app := a.application(); app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if app := a.application(); app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordTargetSwitch records a switch log entry
func (a *Agent) RecordTargetSwitch(entry switchlog.Entry) {
	a.RecordCustomEvent("TargetSwitch", map[string]interface{}{
		"from":       entry.From,
		"to":         entry.To,
		"reason":     entry.Reason,
		"generation": entry.Generation,
		"forced":     entry.Forced,
	})
}

// RecordShareSubmission records a share submission event
func (a *Agent) RecordShareSubmission(wallet, worker, target string, difficulty float64, valid bool, reason string) {
	status := "valid"
	if !valid {
		status = "invalid"
	}
	a.RecordCustomEvent("ShareSubmission", map[string]interface{}{
		"wallet":     wallet,
		"worker":     worker,
		"target":     target,
		"difficulty": difficulty,
		"status":     status,
		"reason":     reason,
	})
}

// RecordFeedFailure records a target whose signals could not be fetched
func (a *Agent) RecordFeedFailure(target string, err error) {
	a.RecordCustomEvent("FeedFailure", map[string]interface{}{
		"target": target,
		"error":  err.Error(),
	})
}

// UpdatePoolMetrics updates pool-wide metrics
func (a *Agent) UpdatePoolMetrics(hashrate float64, miners, workers int64) {
	a.RecordCustomMetric("Custom/Pool/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/Miners", float64(miners))
	a.RecordCustomMetric("Custom/Pool/Workers", float64(workers))
}

// UpdateScore records the latest score of a target
func (a *Agent) UpdateScore(target string, score float64) {
	a.RecordCustomMetric("Custom/Score/"+target, score)
}
