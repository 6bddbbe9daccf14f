package interfaces

import (
	"github.com/inferloop/dptrain/pkg/models"
)

// Model exposes the trainable parameters of an arbitrary model
// representation. How gradients are computed is out of scope; the privacy
// engine only needs access to the parameter vectors and their buffers.
type Model interface {
	Parameters() []*models.Parameter
}

// GradientSampleProvider is the external capability that, after a backward
// pass, exposes per-example gradients on trainable parameters and a way to
// clear them.
type GradientSampleProvider interface {
	Model
	TrainableParameters() []*models.Parameter
	ZeroGrad()
}

// BatchSource is a plain data source: a dataset of known size split into a
// known number of batches.
type BatchSource interface {
	DatasetSize() int
	NumBatches() int
}

// SampledBatchSource additionally guarantees each emitted batch is produced
// by independent per-record Poisson sampling at the configured rate. That
// sampling scheme is a precondition for the accounting math to be valid.
type SampledBatchSource interface {
	BatchSource
	SampleRate() float64
	NextBatch() []int
}

// Optimizer is an ordinary (non-private) update rule applied to parameters
// whose Grad buffers are populated.
type Optimizer interface {
	Step(params []*models.Parameter) error
}

// StepHook is invoked exactly once per real optimization step with a
// snapshot of the optimizer state as it was charged to the privacy ledger.
type StepHook func(state models.DPStepState)
