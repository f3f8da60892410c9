// Package health exposes liveness and readiness probes for the channels
// open in this process.
package health

import (
	"errors"
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shm-channel/api"
	"github.com/srediag/shm-channel/pkg/shm"
)

// DefaultMaxGoroutines bounds the goroutine liveness check.
const DefaultMaxGoroutines = 10000

// Probes lists what the checks look at.
type Probes func() []api.Probe

// OpenEndpoints probes every endpoint registered by shm.Open.
func OpenEndpoints() []api.Probe {
	eps := shm.Endpoints()
	out := make([]api.Probe, len(eps))
	for i, e := range eps {
		out[i] = e
	}
	return out
}

// NewHandler serves /live and /ready. With a registry, each check is also
// exported as a gauge under namespace.
func NewHandler(reg prometheus.Registerer, namespace string, probes Probes) healthcheck.Handler {
	if probes == nil {
		probes = OpenEndpoints
	}
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(DefaultMaxGoroutines))
	h.AddLivenessCheck("channels", Liveness(probes))
	h.AddReadinessCheck("peers", Readiness(probes))
	return h
}

// Liveness fails once any channel hit a protocol error: the shared state
// is corrupt and the session cannot recover.
func Liveness(probes Probes) healthcheck.Check {
	return func() error {
		for _, p := range probes() {
			var pe *shm.ProtocolError
			if err := p.Check(); errors.As(err, &pe) {
				return fmt.Errorf("channel %q: %w", p.Name(), err)
			}
		}
		return nil
	}
}

// Readiness fails while any channel is unusable, including when its peer
// has closed.
func Readiness(probes Probes) healthcheck.Check {
	return func() error {
		for _, p := range probes() {
			if err := p.Check(); err != nil {
				return fmt.Errorf("channel %q: %w", p.Name(), err)
			}
		}
		return nil
	}
}
