package host

import (
	"context"
	"fmt"
	"time"
)

// HealthReport is the outcome of probing one server with a fresh
// connection. Trace carries the probe's phase transitions, which pin down
// where an unhealthy server fails.
type HealthReport struct {
	Server   string
	OK       bool
	Err      error
	Duration time.Duration
	Trace    []PhaseEvent
}

// HealthCheck probes the named server by running a full connect and
// disconnect on a throwaway connection. The host's live connection to the
// server, if any, is left untouched.
func (h *Host) HealthCheck(ctx context.Context, server string) HealthReport {
	cfg, ok := h.configFor(server)
	if !ok {
		return HealthReport{Server: server, Err: fmt.Errorf("unknown server %s", server)}
	}

	probe := newConnection(cfg, h.logger, nil)
	err := probe.connect(ctx, nil)
	probe.disconnect()

	return HealthReport{
		Server:   server,
		OK:       err == nil,
		Err:      err,
		Duration: probe.ConnectDuration(),
		Trace:    probe.Trace(),
	}
}

// StartHealthChecks probes every configured server on the given interval
// until Shutdown. Starting twice without an intervening Shutdown is a
// no-op.
func (h *Host) StartHealthChecks(interval time.Duration) {
	h.mu.Lock()
	if h.closed || h.healthStop != nil {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	h.healthStop = stop
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.runHealthChecks()
			}
		}
	}()
}

func (h *Host) runHealthChecks() {
	for _, cfg := range h.configs {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		report := h.HealthCheck(ctx, cfg.Name)
		cancel()
		if report.OK {
			h.logger.Info("health check passed", "server", cfg.Name, "duration", report.Duration)
		} else {
			h.logger.Warn("health check failed", "server", cfg.Name, "err", report.Err)
		}
	}
}
