package accounting

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/models"
)

// DefaultOrders is the default grid of Renyi divergence orders used to bound
// the cumulative privacy loss. Low fractional orders matter for large noise,
// high orders for small sample rates; the minimum over the grid is reported.
var DefaultOrders = defaultOrders()

func defaultOrders() []float64 {
	orders := []float64{1.5, 1.75, 2, 2.5}
	for alpha := 3.0; alpha <= 64; alpha++ {
		orders = append(orders, alpha)
	}
	return append(orders, 128, 256, 512)
}

// Accountant maintains the ordered ledger of privacy-relevant events and
// computes the cumulative (epsilon, delta) guarantee via Renyi-divergence
// composition. One accountant owns its ledger exclusively; it is not meant
// to be shared across engines.
type Accountant struct {
	mu     sync.RWMutex
	id     string
	orders []float64
	ledger []models.PrivacyStep
	logger *logrus.Logger
}

// NewAccountant creates an accountant over the given order grid. A nil or
// empty grid selects DefaultOrders. All orders must be strictly greater
// than 1 for the RDP-to-DP conversion to be defined.
func NewAccountant(orders []float64, logger *logrus.Logger) (*Accountant, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if len(orders) == 0 {
		orders = DefaultOrders
	}
	for _, alpha := range orders {
		if alpha <= 1 {
			return nil, errors.NewInvalidParameterError("orders", alpha,
				"all Renyi orders must be greater than 1")
		}
	}
	grid := make([]float64, len(orders))
	copy(grid, orders)

	return &Accountant{
		id:     uuid.New().String(),
		orders: grid,
		logger: logger,
	}, nil
}

// ID returns the accountant's stable identity, carried into checkpoints.
func (a *Accountant) ID() string {
	return a.id
}

// RecordStep appends one real optimization step to the ledger.
func (a *Accountant) RecordStep(noiseMultiplier, sampleRate float64) error {
	if noiseMultiplier <= 0 {
		return errors.NewInvalidParameterError("noise_multiplier", noiseMultiplier,
			"noise multiplier must be positive")
	}
	if sampleRate <= 0 || sampleRate > 1 {
		return errors.NewInvalidParameterError("sample_rate", sampleRate,
			"sample rate must be in (0, 1]")
	}

	a.mu.Lock()
	a.ledger = append(a.ledger, models.PrivacyStep{
		NoiseMultiplier: noiseMultiplier,
		SampleRate:      sampleRate,
	})
	steps := len(a.ledger)
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"accountant_id":    a.id,
		"noise_multiplier": noiseMultiplier,
		"sample_rate":      sampleRate,
		"ledger_length":    steps,
	}).Debug("Recorded privacy step")

	return nil
}

// ComputeEpsilon returns the cumulative (epsilon, delta)-DP bound for the
// ledger: for each order, per-step RDP bounds are summed and converted via
// epsilon = rdp + log(1/delta)/(alpha-1); the minimum over orders is
// returned. Epsilon is non-decreasing in the ledger for fixed delta.
func (a *Accountant) ComputeEpsilon(delta float64) (float64, error) {
	if delta <= 0 || delta >= 1 {
		return 0, errors.NewInvalidParameterError("delta", delta,
			"delta must be in (0, 1)")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.ledger) == 0 {
		return 0, errors.NewEmptyLedgerError()
	}

	eps, alpha := a.epsilonLocked(delta)

	a.logger.WithFields(logrus.Fields{
		"accountant_id": a.id,
		"delta":         delta,
		"epsilon":       eps,
		"best_order":    alpha,
		"ledger_length": len(a.ledger),
	}).Debug("Computed privacy spent")

	return eps, nil
}

func (a *Accountant) epsilonLocked(delta float64) (float64, float64) {
	// Identical (sigma, q) pairs contribute identical per-step bounds, so
	// group them first; each occurrence is still charged individually.
	// Groups keep first-appearance order: summing floats in map-iteration
	// order would make the result vary in the last ULP between calls.
	type group struct {
		step models.PrivacyStep
		n    int
	}
	index := make(map[models.PrivacyStep]int)
	var groups []group
	for _, step := range a.ledger {
		if i, ok := index[step]; ok {
			groups[i].n++
			continue
		}
		index[step] = len(groups)
		groups = append(groups, group{step: step, n: 1})
	}

	logDelta := math.Log(1 / delta)
	bestEps := math.Inf(1)
	bestAlpha := 0.0

	for _, alpha := range a.orders {
		var rdp float64
		for _, g := range groups {
			rdp += float64(g.n) * computeRDP(g.step.SampleRate, g.step.NoiseMultiplier, alpha)
		}
		eps := rdp + logDelta/(alpha-1)
		if eps < bestEps {
			bestEps = eps
			bestAlpha = alpha
		}
	}
	return bestEps, bestAlpha
}

// StepCount returns the number of steps recorded so far.
func (a *Accountant) StepCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ledger)
}

// Ledger returns a copy of the ordered step history.
func (a *Accountant) Ledger() []models.PrivacyStep {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.PrivacyStep, len(a.ledger))
	copy(out, a.ledger)
	return out
}
