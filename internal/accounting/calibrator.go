package accounting

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/errors"
)

// Noise calibration: given a target (epsilon, delta) and a training
// schedule, find the minimum noise multiplier satisfying it. Epsilon is
// monotone decreasing in sigma, so a binary search brackets the answer.

const (
	// DefaultSigmaMin is the lower bound of the default search bracket.
	DefaultSigmaMin = 0.01
	// DefaultSigmaMax is the upper bound of the default search bracket.
	DefaultSigmaMax = 20.0
	// DefaultTolerance is the bracket width at which the search stops.
	DefaultTolerance = 1e-2

	maxSearchIterations = 500
)

// CalibrationParams describes one calibration problem. Zero values for
// SigmaMin, SigmaMax and Tolerance select the defaults; a nil Orders grid
// selects DefaultOrders.
type CalibrationParams struct {
	TargetEpsilon float64
	TargetDelta   float64
	SampleRate    float64
	Steps         int
	SigmaMin      float64
	SigmaMax      float64
	Tolerance     float64
	Orders        []float64
}

func (p *CalibrationParams) applyDefaults() {
	if p.SigmaMin == 0 {
		p.SigmaMin = DefaultSigmaMin
	}
	if p.SigmaMax == 0 {
		p.SigmaMax = DefaultSigmaMax
	}
	if p.Tolerance == 0 {
		p.Tolerance = DefaultTolerance
	}
}

func (p *CalibrationParams) validate() error {
	if p.TargetEpsilon <= 0 {
		return errors.NewInvalidParameterError("target_epsilon", p.TargetEpsilon,
			"target epsilon must be positive")
	}
	if p.TargetDelta <= 0 || p.TargetDelta >= 1 {
		return errors.NewInvalidParameterError("target_delta", p.TargetDelta,
			"target delta must be in (0, 1)")
	}
	if p.SampleRate <= 0 || p.SampleRate > 1 {
		return errors.NewInvalidParameterError("sample_rate", p.SampleRate,
			"sample rate must be in (0, 1]")
	}
	if p.Steps <= 0 {
		return errors.NewInvalidParameterError("steps", p.Steps,
			"schedule must contain at least one step")
	}
	if p.SigmaMin <= 0 || p.SigmaMax <= p.SigmaMin {
		return errors.NewInvalidParameterError("search_bounds",
			fmt.Sprintf("[%g, %g]", p.SigmaMin, p.SigmaMax),
			"search bounds must satisfy 0 < sigma_min < sigma_max")
	}
	return nil
}

// FindNoiseMultiplier binary-searches the noise multiplier so that the full
// schedule (Steps identical steps at SampleRate) spends at most
// TargetEpsilon at TargetDelta. It returns the smallest sigma satisfying the
// target within Tolerance. The caller's accountant is never touched; every
// candidate is evaluated on a disposable one.
func FindNoiseMultiplier(params CalibrationParams, logger *logrus.Logger) (float64, error) {
	if logger == nil {
		logger = logrus.New()
	}
	params.applyDefaults()
	if err := params.validate(); err != nil {
		return 0, err
	}

	epsAt := func(sigma float64) (float64, error) {
		acct, err := NewAccountant(params.Orders, logger)
		if err != nil {
			return 0, err
		}
		for i := 0; i < params.Steps; i++ {
			if err := acct.RecordStep(sigma, params.SampleRate); err != nil {
				return 0, err
			}
		}
		return acct.ComputeEpsilon(params.TargetDelta)
	}

	epsHigh, err := epsAt(params.SigmaMax)
	if err != nil {
		return 0, err
	}
	if epsHigh > params.TargetEpsilon {
		return 0, errors.NewCalibrationError(errors.CodeTargetUnreachable,
			fmt.Sprintf("epsilon %.4f at sigma_max %.2f still exceeds target %.4f; widen the bracket or relax the target",
				epsHigh, params.SigmaMax, params.TargetEpsilon))
	}

	epsLow, err := epsAt(params.SigmaMin)
	if err != nil {
		return 0, err
	}
	if epsLow <= params.TargetEpsilon {
		return 0, errors.NewCalibrationError(errors.CodeTargetTrivial,
			fmt.Sprintf("epsilon %.4f at sigma_min %.2f already satisfies target %.4f; the target is too loose for this schedule",
				epsLow, params.SigmaMin, params.TargetEpsilon))
	}

	lo, hi := params.SigmaMin, params.SigmaMax
	iterations := 0
	for hi-lo > params.Tolerance && iterations < maxSearchIterations {
		mid := (lo + hi) / 2
		eps, err := epsAt(mid)
		if err != nil {
			return 0, err
		}
		if eps > params.TargetEpsilon {
			lo = mid
		} else {
			hi = mid
		}
		iterations++
	}

	logger.WithFields(logrus.Fields{
		"target_epsilon":   params.TargetEpsilon,
		"target_delta":     params.TargetDelta,
		"sample_rate":      params.SampleRate,
		"steps":            params.Steps,
		"noise_multiplier": hi,
		"iterations":       iterations,
	}).Info("Noise calibration converged")

	return hi, nil
}
