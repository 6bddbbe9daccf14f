package optimizer

import (
	"math"

	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/models"
)

// Adam implements the Adam optimization algorithm over flattened parameter
// vectors. Moment estimates are keyed by parameter name so parameters may be
// passed in any order.
type Adam struct {
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int // time step
	m            map[string][]float64 // first moment estimate
	v            map[string][]float64 // second moment estimate
}

// NewAdam creates a new Adam optimizer with standard moment decay rates.
func NewAdam(learningRate float64) (*Adam, error) {
	if learningRate <= 0 {
		return nil, errors.NewInvalidParameterError("learning_rate", learningRate,
			"learning rate must be positive")
	}
	return &Adam{
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		m:            make(map[string][]float64),
		v:            make(map[string][]float64),
	}, nil
}

// Step updates parameters from their Grad buffers using bias-corrected
// moment estimates.
func (opt *Adam) Step(params []*models.Parameter) error {
	opt.t++

	beta1Correction := 1 - math.Pow(opt.beta1, float64(opt.t))
	beta2Correction := 1 - math.Pow(opt.beta2, float64(opt.t))

	for _, p := range params {
		if !p.RequiresGrad {
			continue
		}

		m, ok := opt.m[p.Name]
		if !ok || len(m) != len(p.Values) {
			m = make([]float64, len(p.Values))
			opt.m[p.Name] = m
		}
		v, ok := opt.v[p.Name]
		if !ok || len(v) != len(p.Values) {
			v = make([]float64, len(p.Values))
			opt.v[p.Name] = v
		}

		for i, g := range p.Grad {
			m[i] = opt.beta1*m[i] + (1-opt.beta1)*g
			v[i] = opt.beta2*v[i] + (1-opt.beta2)*g*g

			mHat := m[i] / beta1Correction
			vHat := v[i] / beta2Correction

			p.Values[i] -= opt.learningRate * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
	return nil
}

// LearningRate returns the current learning rate.
func (opt *Adam) LearningRate() float64 {
	return opt.learningRate
}

// SetLearningRate sets the learning rate.
func (opt *Adam) SetLearningRate(lr float64) {
	opt.learningRate = lr
}

// TimeStep returns the number of updates applied so far.
func (opt *Adam) TimeStep() int {
	return opt.t
}

// Reset clears the optimizer state.
func (opt *Adam) Reset() {
	opt.t = 0
	opt.m = make(map[string][]float64)
	opt.v = make(map[string][]float64)
}
