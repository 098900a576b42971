// Package newrelic provides New Relic APM integration for monitoring
// the reconciliation engine.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/uptimed/internal/config"
	"github.com/tos-network/uptimed/internal/util"
)

// Agent wraps New Relic APM functionality.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent.
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
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

// Stop shuts down the New Relic agent.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware).
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true once Start has created the New Relic
// application; the application may still be connecting in the
// background.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event.
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error against a transaction.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds a transaction to ctx.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext retrieves a transaction from ctx.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// WrapTick starts a "ReconcileTick" transaction for pool, runs fn with
// that transaction in ctx, notices any error it returns, and ends the
// transaction. If New Relic is disabled fn still runs, unmonitored.
func (a *Agent) WrapTick(ctx context.Context, pool string, fn func(ctx context.Context) error) error {
	txn := a.StartTransaction("ReconcileTick")
	if txn == nil {
		return fn(ctx)
	}
	defer txn.End()
	txn.AddAttribute("pool", pool)

	err := fn(a.NewContext(ctx, txn))
	if err != nil {
		a.NoticeError(txn, err)
	}
	return err
}

// RecordTick records the outcome of a single reconciliation tick.
func (a *Agent) RecordTick(pool string, candidates, online, offline, errored int, duration time.Duration) {
	a.RecordCustomEvent("ReconcileTick", map[string]interface{}{
		"pool":       pool,
		"candidates": candidates,
		"online":     online,
		"offline":    offline,
		"errored":    errored,
		"durationMs": duration.Milliseconds(),
	})
}

// RecordStatusTransition records a miner's persisted status changing.
func (a *Agent) RecordStatusTransition(pool, workerName string, minerID int64, from, to string) {
	a.RecordCustomEvent("StatusTransition", map[string]interface{}{
		"pool":       pool,
		"workerName": workerName,
		"minerId":    minerID,
		"from":       from,
		"to":         to,
	})
}

// RecordAdapterDegraded records a pool adapter crossing its
// consecutive-failure threshold.
func (a *Agent) RecordAdapterDegraded(pool string, consecutiveFailures int) {
	a.RecordCustomEvent("AdapterDegraded", map[string]interface{}{
		"pool":                pool,
		"consecutiveFailures": consecutiveFailures,
	})
}

// UpdateReconcileMetrics updates pool-wide reconciliation gauges.
func (a *Agent) UpdateReconcileMetrics(pool string, online, offline, maintenance int64) {
	a.RecordCustomMetric("Custom/Reconcile/Online", float64(online))
	a.RecordCustomMetric("Custom/Reconcile/Offline", float64(offline))
	a.RecordCustomMetric("Custom/Reconcile/Maintenance", float64(maintenance))
}
