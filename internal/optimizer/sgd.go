package optimizer

import (
	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/models"
)

// SGD implements plain stochastic gradient descent.
type SGD struct {
	learningRate float64
}

// NewSGD creates an SGD optimizer with the given learning rate.
func NewSGD(learningRate float64) (*SGD, error) {
	if learningRate <= 0 {
		return nil, errors.NewInvalidParameterError("learning_rate", learningRate,
			"learning rate must be positive")
	}
	return &SGD{learningRate: learningRate}, nil
}

// Step applies one descent update from each parameter's Grad buffer.
func (s *SGD) Step(params []*models.Parameter) error {
	for _, p := range params {
		if !p.RequiresGrad {
			continue
		}
		floats.AddScaled(p.Values, -s.learningRate, p.Grad)
	}
	return nil
}

// LearningRate returns the current learning rate.
func (s *SGD) LearningRate() float64 {
	return s.learningRate
}

// SetLearningRate sets the learning rate.
func (s *SGD) SetLearningRate(lr float64) {
	s.learningRate = lr
}
