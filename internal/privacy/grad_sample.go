package privacy

import (
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/interfaces"
	"github.com/inferloop/dptrain/pkg/models"
)

// GradSampleModule wraps a model so its trainable parameters expose tagged
// per-example gradient buffers. The wrapper itself does not compute
// gradients; an external provider fills the buffers after each backward
// pass.
type GradSampleModule struct {
	inner         interfaces.Model
	lossReduction models.LossReduction
	logger        *logrus.Logger
}

// WrapModel wraps a model for per-example gradient tracking. Wrapping an
// already-wrapped model returns it unchanged.
func WrapModel(m interfaces.Model, lossReduction models.LossReduction, logger *logrus.Logger) *GradSampleModule {
	if wrapped, ok := m.(*GradSampleModule); ok {
		return wrapped
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &GradSampleModule{
		inner:         m,
		lossReduction: lossReduction,
		logger:        logger,
	}
}

// Parameters returns all parameters of the wrapped model.
func (g *GradSampleModule) Parameters() []*models.Parameter {
	return g.inner.Parameters()
}

// TrainableParameters returns the parameters participating in gradient
// updates.
func (g *GradSampleModule) TrainableParameters() []*models.Parameter {
	params := g.inner.Parameters()
	out := make([]*models.Parameter, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}

// LossReduction returns the reduction mode the wrapped model was prepared
// for.
func (g *GradSampleModule) LossReduction() models.LossReduction {
	return g.lossReduction
}

// ZeroGrad clears gradient buffers and state tags on all trainable
// parameters.
func (g *GradSampleModule) ZeroGrad() {
	for _, p := range g.TrainableParameters() {
		p.ZeroGrad()
	}
}

// HasFreshGradSamples reports whether any trainable parameter holds
// per-example gradients from a backward pass that were not accumulated yet.
func (g *GradSampleModule) HasFreshGradSamples() bool {
	for _, p := range g.TrainableParameters() {
		if len(p.GradSamples) > 0 {
			return true
		}
	}
	return false
}

// StaleParameter returns the name of the first trainable parameter still
// tagged with noised data from a prior step, or "" if none.
func (g *GradSampleModule) StaleParameter() string {
	for _, p := range g.TrainableParameters() {
		if p.State == models.GradStateNoised {
			return p.Name
		}
	}
	return ""
}
