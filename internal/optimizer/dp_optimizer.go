package optimizer

import (
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/interfaces"
	"github.com/inferloop/dptrain/pkg/models"
)

// DPOptimizer converts per-example gradients into one privacy-safe gradient
// update per real optimizer step. Each example's gradient is clipped to a
// fixed joint L2 norm, clipped gradients are summed across any number of
// virtual steps, and a single calibrated Gaussian noise draw is added when
// the real step fires. Step hooks run exactly once per real step, which is
// where the privacy ledger gets charged.
type DPOptimizer struct {
	inner      interfaces.Optimizer
	state      models.DPStepState
	sampleRate float64

	aggregate map[string][]float64
	stepHooks []interfaces.StepHook
	normal    distuv.Normal
	logger    *logrus.Logger
}

// Config configures a DPOptimizer. RNG is required: the caller decides
// whether noise comes from the secure or the seeded source.
type Config struct {
	NoiseMultiplier   float64
	MaxGradNorm       float64
	ExpectedBatchSize int
	SampleRate        float64
	LossReduction     models.LossReduction
	RNG               *rand.Rand
}

// NewDPOptimizer wraps an ordinary optimizer with the private step logic.
func NewDPOptimizer(inner interfaces.Optimizer, cfg Config, logger *logrus.Logger) (*DPOptimizer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if inner == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"inner optimizer must not be nil")
	}
	if cfg.NoiseMultiplier <= 0 {
		return nil, errors.NewInvalidParameterError("noise_multiplier", cfg.NoiseMultiplier,
			"noise multiplier must be positive")
	}
	if cfg.MaxGradNorm <= 0 {
		return nil, errors.NewInvalidParameterError("max_grad_norm", cfg.MaxGradNorm,
			"clipping norm must be positive")
	}
	if cfg.ExpectedBatchSize <= 0 {
		return nil, errors.NewInvalidParameterError("expected_batch_size", cfg.ExpectedBatchSize,
			"expected batch size must be positive")
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		return nil, errors.NewInvalidParameterError("sample_rate", cfg.SampleRate,
			"sample rate must be in (0, 1]")
	}
	if !cfg.LossReduction.Valid() {
		return nil, errors.NewInvalidParameterError("loss_reduction", string(cfg.LossReduction),
			"loss reduction must be mean or sum")
	}
	if cfg.RNG == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"randomness source must be set explicitly")
	}

	return &DPOptimizer{
		inner: inner,
		state: models.DPStepState{
			NoiseMultiplier:   cfg.NoiseMultiplier,
			MaxGradNorm:       cfg.MaxGradNorm,
			ExpectedBatchSize: cfg.ExpectedBatchSize,
			LossReduction:     cfg.LossReduction,
		},
		sampleRate: cfg.SampleRate,
		aggregate:  make(map[string][]float64),
		normal:     distuv.Normal{Mu: 0, Sigma: 1, Src: cfg.RNG},
		logger:     logger,
	}, nil
}

// Inner returns the wrapped ordinary optimizer.
func (o *DPOptimizer) Inner() interfaces.Optimizer {
	return o.inner
}

// State returns a snapshot of the per-optimizer mutable state.
func (o *DPOptimizer) State() models.DPStepState {
	return o.state
}

// SampleRate returns the base Poisson sample rate this optimizer was built
// for; the ledger is charged with SampleRate times the accumulated
// iteration count.
func (o *DPOptimizer) SampleRate() float64 {
	return o.sampleRate
}

// AttachStepHook registers a callback invoked once per real step, after the
// parameter update, in registration order.
func (o *DPOptimizer) AttachStepHook(hook interfaces.StepHook) {
	o.stepHooks = append(o.stepHooks, hook)
}

// VirtualStep folds the pending per-example gradients into the running
// aggregate: each example's gradient is clipped to MaxGradNorm (L2 norm over
// all parameters jointly) and summed in. Per-example buffers are released,
// the aggregate survives, and no ledger entry is produced. Calling it with
// no fresh gradients is a no-op.
func (o *DPOptimizer) VirtualStep(params []*models.Parameter) error {
	fresh := make([]*models.Parameter, 0, len(params))
	batch := -1
	for _, p := range params {
		if !p.RequiresGrad || len(p.GradSamples) == 0 {
			continue
		}
		if batch == -1 {
			batch = len(p.GradSamples)
		} else if len(p.GradSamples) != batch {
			return errors.NewGradSampleMismatchError().
				WithContext("parameter", p.Name).
				WithContext("expected", batch).
				WithContext("got", len(p.GradSamples))
		}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 {
		return nil
	}

	// Starting a new accumulation window on top of noised data from a prior
	// unflushed step would corrupt the accounting.
	for _, p := range params {
		if p.RequiresGrad && p.State == models.GradStateNoised {
			return errors.NewUnclearedGradientError(p.Name)
		}
	}

	for e := 0; e < batch; e++ {
		var sq float64
		for _, p := range fresh {
			g := p.GradSamples[e]
			sq += floats.Dot(g, g)
		}
		norm := math.Sqrt(sq)
		if norm > o.state.MaxGradNorm {
			scale := o.state.MaxGradNorm / norm
			for _, p := range fresh {
				floats.Scale(scale, p.GradSamples[e])
			}
		}
	}

	for _, p := range fresh {
		agg, ok := o.aggregate[p.Name]
		if !ok {
			agg = make([]float64, len(p.Values))
			o.aggregate[p.Name] = agg
		}
		for _, g := range p.GradSamples {
			floats.Add(agg, g)
		}
		p.ClearGradSamples()
		p.State = models.GradStateAccumulated
	}

	o.state.AccumulatedIterations++

	o.logger.WithFields(logrus.Fields{
		"batch_size":             batch,
		"accumulated_iterations": o.state.AccumulatedIterations,
	}).Debug("Accumulated virtual step")

	return nil
}

// Step performs the real optimizer step: any still-fresh per-example
// gradients are folded in first, the aggregate is rescaled per the loss
// reduction mode, one Gaussian noise draw is added, the result is written
// back as the gradient driving the inner update rule, and step hooks fire
// exactly once. With zero accumulated iterations the call is a harmless
// no-op that produces no hook invocation.
func (o *DPOptimizer) Step(params []*models.Parameter) error {
	if err := o.VirtualStep(params); err != nil {
		return err
	}

	if o.state.AccumulatedIterations == 0 {
		o.logger.Debug("Real step with no accumulated gradients; skipping")
		return nil
	}

	// The ledger is charged at sampleRate times the accumulated iteration
	// count; a rate above 1 has no privacy interpretation, so the step must
	// fail before any parameter moves.
	effectiveRate := o.sampleRate * float64(o.state.AccumulatedIterations)
	if effectiveRate > 1 {
		return errors.NewInvalidParameterError("sample_rate", effectiveRate,
			"accumulated virtual steps push the effective sample rate past 1; take a real step more often").
			WithContext("base_sample_rate", o.sampleRate).
			WithContext("accumulated_iterations", o.state.AccumulatedIterations)
	}

	noiseStd := o.state.NoiseMultiplier * o.state.MaxGradNorm
	if o.state.LossReduction == models.LossReductionMean {
		noiseStd /= float64(o.state.ExpectedBatchSize)
	}

	for _, p := range params {
		if !p.RequiresGrad {
			continue
		}
		agg, ok := o.aggregate[p.Name]
		if !ok {
			continue
		}
		if o.state.LossReduction == models.LossReductionMean {
			floats.Scale(1/float64(o.state.ExpectedBatchSize), agg)
		}
		for i := range agg {
			agg[i] += o.normal.Rand() * noiseStd
		}
		copy(p.Grad, agg)
		p.State = models.GradStateNoised
	}

	if err := o.inner.Step(params); err != nil {
		return err
	}

	snapshot := o.state
	for _, hook := range o.stepHooks {
		hook(snapshot)
	}

	o.state.AccumulatedIterations = 0
	o.aggregate = make(map[string][]float64)

	o.logger.WithFields(logrus.Fields{
		"noise_multiplier": o.state.NoiseMultiplier,
		"noise_std":        noiseStd,
	}).Debug("Applied private optimizer step")

	return nil
}

// ZeroGrad clears gradient buffers and state tags on all parameters,
// opening a new accumulation window.
func (o *DPOptimizer) ZeroGrad(params []*models.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
