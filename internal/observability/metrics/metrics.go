package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the accounting core's operational metrics on a private
// Prometheus registry. All methods are safe on a nil receiver so the
// training path never has to branch on whether metrics are enabled.
type Collector struct {
	registry *prometheus.Registry

	stepsRecorded   prometheus.Counter
	virtualSteps    prometheus.Counter
	calibrationRuns prometheus.Counter
	epsilonSpent    prometheus.Gauge
	ledgerLength    prometheus.Gauge
}

// NewCollector creates a collector under the given namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "dptrain"
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		stepsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privacy_steps_recorded_total",
			Help:      "Number of real optimization steps charged to the privacy ledger",
		}),
		virtualSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "virtual_steps_total",
			Help:      "Number of virtual gradient accumulation steps",
		}),
		calibrationRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_runs_total",
			Help:      "Number of noise calibration searches performed",
		}),
		epsilonSpent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epsilon_spent",
			Help:      "Cumulative privacy expenditure at the last queried delta",
		}),
		ledgerLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_length",
			Help:      "Number of entries in the privacy ledger",
		}),
	}

	registry.MustRegister(c.stepsRecorded, c.virtualSteps, c.calibrationRuns,
		c.epsilonSpent, c.ledgerLength)
	return c
}

// Registry returns the underlying registry for serving or pushing.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// StepRecorded counts one ledger entry and updates the ledger length.
func (c *Collector) StepRecorded(ledgerLength int) {
	if c == nil {
		return
	}
	c.stepsRecorded.Inc()
	c.ledgerLength.Set(float64(ledgerLength))
}

// VirtualStep counts one gradient accumulation pass.
func (c *Collector) VirtualStep() {
	if c == nil {
		return
	}
	c.virtualSteps.Inc()
}

// CalibrationRun counts one calibration search.
func (c *Collector) CalibrationRun() {
	if c == nil {
		return
	}
	c.calibrationRuns.Inc()
}

// EpsilonSpent publishes the last computed epsilon.
func (c *Collector) EpsilonSpent(epsilon float64) {
	if c == nil {
		return
	}
	c.epsilonSpent.Set(epsilon)
}
