package privacy

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"

	"github.com/inferloop/dptrain/internal/accounting"
	"github.com/inferloop/dptrain/internal/observability/metrics"
	"github.com/inferloop/dptrain/internal/optimizer"
	"github.com/inferloop/dptrain/internal/sampling"
	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/interfaces"
	"github.com/inferloop/dptrain/pkg/models"
)

// RNGMode selects the randomness source behind the Gaussian noise and the
// Poisson sampling. It must be set explicitly; there is no default.
type RNGMode string

const (
	// RNGModeSecure draws from the operating system CSPRNG. Use this for
	// any training run whose guarantee will be reported.
	RNGModeSecure RNGMode = "secure"
	// RNGModeSeeded draws from a deterministic PRNG seeded with Config.Seed.
	// Only suitable for tests and simulations.
	RNGModeSeeded RNGMode = "seeded"
)

// Config configures a privacy engine.
type Config struct {
	// RNG is required and selects the randomness source; see RNGMode.
	RNG RNGMode
	// Seed feeds the deterministic source when RNG is RNGModeSeeded.
	Seed uint64
	// SkipBatchSourceWrapping keeps the caller's data source untouched
	// instead of wrapping it with Poisson sampling. This is the less-safe
	// mode: the (epsilon, delta) guarantee only holds if the caller's
	// source already performs independent per-record Poisson sampling.
	SkipBatchSourceWrapping bool
	// Orders overrides the default Renyi order grid.
	Orders []float64
	// Metrics optionally publishes accounting metrics; nil disables them.
	Metrics *metrics.Collector
}

func (c *Config) validate() error {
	if c.RNG != RNGModeSecure && c.RNG != RNGModeSeeded {
		return errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"rng mode must be set explicitly to secure or seeded")
	}
	return nil
}

// ForwardHook runs before each forward pass of a wrapped model.
type ForwardHook func(*GradSampleModule) error

// Engine wires a model, optimizer and data source into their DP-aware
// counterparts and owns the privacy accountant for the run.
type Engine struct {
	id         string
	cfg        Config
	accountant *accounting.Accountant
	rng        *rand.Rand
	logger     *logrus.Logger
	metrics    *metrics.Collector

	// dpOpt is the optimizer gradients are currently folded into;
	// re-wrapping replaces it rather than stacking another binding.
	dpOpt           *optimizer.DPOptimizer
	preForwardHooks []ForwardHook
}

// NewEngine creates a privacy engine with a fresh, empty accountant.
func NewEngine(cfg Config, logger *logrus.Logger) (*Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	acct, err := accounting.NewAccountant(cfg.Orders, logger)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if cfg.RNG == RNGModeSecure {
		rng = optimizer.NewSecureRand()
	} else {
		rng = optimizer.NewSeededRand(cfg.Seed)
	}

	e := &Engine{
		id:         uuid.New().String(),
		cfg:        cfg,
		accountant: acct,
		rng:        rng,
		logger:     logger,
		metrics:    cfg.Metrics,
	}

	logger.WithFields(logrus.Fields{
		"engine_id": e.id,
		"rng_mode":  string(cfg.RNG),
	}).Info("Privacy engine created")

	return e, nil
}

// Accountant returns the engine's accountant, e.g. for checkpointing.
func (e *Engine) Accountant() *accounting.Accountant {
	return e.accountant
}

// MakePrivate wraps the given model, optimizer and data source into their
// DP-aware counterparts. The sample rate is derived as 1/number_of_batches
// and the expected batch size as floor(dataset_size * sample_rate).
// Re-wrapping already-wrapped components is idempotent.
func (e *Engine) MakePrivate(
	model interfaces.Model,
	inner interfaces.Optimizer,
	source interfaces.BatchSource,
	noiseMultiplier, maxGradNorm float64,
	lossReduction models.LossReduction,
) (*GradSampleModule, *optimizer.DPOptimizer, interfaces.BatchSource, error) {
	if source == nil {
		return nil, nil, nil, errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"batch source must not be nil")
	}
	if source.NumBatches() <= 0 {
		return nil, nil, nil, errors.NewInvalidParameterError("number_of_batches",
			source.NumBatches(), "source must emit at least one batch")
	}

	wrappedModel := WrapModel(model, lossReduction, e.logger)

	wrappedSource := source
	if !e.cfg.SkipBatchSourceWrapping {
		poisson, err := sampling.Wrap(source, e.rng, e.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		wrappedSource = poisson
	} else {
		e.logger.WithField("engine_id", e.id).
			Warn("Batch source left unwrapped; the privacy guarantee assumes the caller performs Poisson sampling")
	}

	sampleRate := 1 / float64(source.NumBatches())
	expectedBatchSize := int(float64(source.DatasetSize()) * sampleRate)

	// Re-wrapping hands back the ordinary optimizer underneath rather than
	// stacking two layers of noise.
	if dp, ok := inner.(*optimizer.DPOptimizer); ok {
		inner = dp.Inner()
	}

	dpOpt, err := optimizer.NewDPOptimizer(inner, optimizer.Config{
		NoiseMultiplier:   noiseMultiplier,
		MaxGradNorm:       maxGradNorm,
		ExpectedBatchSize: expectedBatchSize,
		SampleRate:        sampleRate,
		LossReduction:     lossReduction,
		RNG:               e.rng,
	}, e.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	dpOpt.AttachStepHook(func(state models.DPStepState) {
		rate := sampleRate * float64(state.AccumulatedIterations)
		if err := e.accountant.RecordStep(state.NoiseMultiplier, rate); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"engine_id":   e.id,
				"sample_rate": rate,
			}).Error("Failed to charge privacy ledger")
			return
		}
		e.metrics.StepRecorded(e.accountant.StepCount())
	})

	// The hook reads e.dpOpt at call time so an abandoned optimizer from an
	// earlier wrapping never steals fresh gradient samples.
	if e.dpOpt == nil {
		e.RegisterPreForwardHook(func(m *GradSampleModule) error {
			if name := m.StaleParameter(); name != "" {
				return errors.NewUnclearedGradientError(name)
			}
			if m.HasFreshGradSamples() {
				if err := e.dpOpt.VirtualStep(m.TrainableParameters()); err != nil {
					return err
				}
				e.metrics.VirtualStep()
			}
			return nil
		})
	}
	e.dpOpt = dpOpt

	e.logger.WithFields(logrus.Fields{
		"engine_id":           e.id,
		"noise_multiplier":    noiseMultiplier,
		"max_grad_norm":       maxGradNorm,
		"sample_rate":         sampleRate,
		"expected_batch_size": expectedBatchSize,
		"loss_reduction":      string(lossReduction),
	}).Info("Training made private")

	return wrappedModel, dpOpt, wrappedSource, nil
}

// MakePrivateWithEpsilon calibrates the noise multiplier for the target
// (epsilon, delta) over epochs * number_of_batches steps, then delegates to
// MakePrivate.
func (e *Engine) MakePrivateWithEpsilon(
	model interfaces.Model,
	inner interfaces.Optimizer,
	source interfaces.BatchSource,
	targetEpsilon, targetDelta float64,
	epochs int,
	maxGradNorm float64,
	lossReduction models.LossReduction,
) (*GradSampleModule, *optimizer.DPOptimizer, interfaces.BatchSource, error) {
	if source == nil {
		return nil, nil, nil, errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"batch source must not be nil")
	}
	if epochs <= 0 {
		return nil, nil, nil, errors.NewInvalidParameterError("epochs", epochs,
			"epochs must be positive")
	}

	numBatches := source.NumBatches()
	if numBatches <= 0 {
		return nil, nil, nil, errors.NewInvalidParameterError("number_of_batches",
			numBatches, "source must emit at least one batch")
	}

	sigma, err := accounting.FindNoiseMultiplier(accounting.CalibrationParams{
		TargetEpsilon: targetEpsilon,
		TargetDelta:   targetDelta,
		SampleRate:    1 / float64(numBatches),
		Steps:         epochs * numBatches,
		Orders:        e.cfg.Orders,
	}, e.logger)
	if err != nil {
		return nil, nil, nil, err
	}
	e.metrics.CalibrationRun()

	return e.MakePrivate(model, inner, source, sigma, maxGradNorm, lossReduction)
}

// GetEpsilon returns the cumulative privacy expenditure at the given delta.
func (e *Engine) GetEpsilon(delta float64) (float64, error) {
	eps, err := e.accountant.ComputeEpsilon(delta)
	if err != nil {
		return 0, err
	}
	e.metrics.EpsilonSpent(eps)
	return eps, nil
}

// RegisterPreForwardHook appends a hook run by BeforeForward in
// registration order.
func (e *Engine) RegisterPreForwardHook(hook ForwardHook) {
	e.preForwardHooks = append(e.preForwardHooks, hook)
}

// BeforeForward must be called by the training loop before each forward
// pass. It detects stale noised gradients (and fails rather than silently
// proceeding) and folds freshly produced per-example gradients into the
// pending virtual step, so loops without explicit accumulation calls still
// get correct accounting.
func (e *Engine) BeforeForward(m *GradSampleModule) error {
	for _, hook := range e.preForwardHooks {
		if err := hook(m); err != nil {
			return err
		}
	}
	return nil
}
