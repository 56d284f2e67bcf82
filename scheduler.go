package lnmobile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
)

// HealthCheckConfig configures the chain backend health check.
type HealthCheckConfig struct {
	// Interval is the time between two checks.
	Interval time.Duration

	// Timeout bounds a single check.
	Timeout time.Duration

	// Backoff is the time between two failed attempts.
	Backoff time.Duration

	// Attempts is the number of failed attempts after which the backend
	// is reported unhealthy.
	Attempts int

	// Ticker, if set, replaces the ticker derived from Interval.
	Ticker ticker.Ticker
}

// BackendUnhealthy is sent to subscribers when the chain backend failed its
// health check. The check isn't repeated afterwards.
type BackendUnhealthy struct {
	Reason string
}

// backendObservation returns the health check of the chain backend.
func (n *Node) backendObservation(
	cfg *HealthCheckConfig) *healthcheck.Observation {

	interval := cfg.Ticker
	if interval == nil {
		interval = ticker.New(cfg.Interval)
	}

	return &healthcheck.Observation{
		Name:     "chain backend",
		Check:    healthcheck.CreateCheck(n.checkBackend),
		Interval: interval,
		Attempts: cfg.Attempts,
		Timeout:  cfg.Timeout,
		Backoff:  cfg.Backoff,
	}
}

// newHealthMonitor creates the monitor of the chain backend.
func (n *Node) newHealthMonitor(cfg *HealthCheckConfig) *healthcheck.Monitor {
	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   []*healthcheck.Observation{n.backendObservation(cfg)},
		Shutdown: n.backendUnhealthy,
	})
}

// checkBackend fetches the tip height from the chain backend.
func (n *Node) checkBackend() error {
	ctx, cancel := n.quitContext(n.cfg.HealthCheck.Timeout)
	defer cancel()

	height, err := n.cfg.Service.GetTipHeight(ctx)
	if err != nil {
		n.cfg.Metrics.SetBackendHealthy(false)
		return err
	}

	n.cfg.Metrics.SetBackendHealthy(true)
	log.Tracef("Chain backend healthy at height %d", height)

	return nil
}

// backendUnhealthy is called by the health monitor once the chain backend
// failed all attempts.
func (n *Node) backendUnhealthy(format string, params ...interface{}) {
	reason := fmt.Sprintf(format, params...)

	log.Errorf("Chain backend unhealthy: %v", reason)
	n.record("chain backend unhealthy: %v", reason)

	n.cfg.Metrics.SetBackendHealthy(false)
	n.publish(&BackendUnhealthy{Reason: reason})
}

// RunScheduler runs a reconciliation cycle on every tick of t until ctx is
// canceled or the node stops. A tick arriving while a cycle started
// elsewhere is still running is skipped.
func (n *Node) RunScheduler(ctx context.Context, t ticker.Ticker) error {
	if err := n.requireStarted(); err != nil {
		return err
	}

	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			err := n.CheckBlockchain(ctx, nil)
			switch {
			case errors.Is(err, ErrCycleInProgress):
				log.Debugf("Skipping scheduled cycle: %v", err)

			case ctx.Err() != nil:
				return ctx.Err()

			case errors.Is(err, ErrNotStarted):
				return nil

			case err != nil:
				log.Errorf("Scheduled cycle failed: %v", err)
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-n.quit:
			return nil
		}
	}
}
