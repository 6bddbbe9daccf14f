package optimizer

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/interfaces"
	"github.com/inferloop/dptrain/pkg/models"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// recordingOptimizer captures how often the inner update rule fired and the
// gradients it saw.
type recordingOptimizer struct {
	steps int
	grads map[string][]float64
}

func newRecordingOptimizer() *recordingOptimizer {
	return &recordingOptimizer{grads: make(map[string][]float64)}
}

func (r *recordingOptimizer) Step(params []*models.Parameter) error {
	r.steps++
	for _, p := range params {
		g := make([]float64, len(p.Grad))
		copy(g, p.Grad)
		r.grads[p.Name] = g
	}
	return nil
}

func testConfig() Config {
	return Config{
		NoiseMultiplier:   1e-12, // keep numeric checks deterministic
		MaxGradNorm:       1.0,
		ExpectedBatchSize: 1,
		SampleRate:        0.01,
		LossReduction:     models.LossReductionMean,
		RNG:               NewSeededRand(42),
	}
}

func newTestDPOptimizer(t *testing.T, inner interfaces.Optimizer, cfg Config) *DPOptimizer {
	t.Helper()
	opt, err := NewDPOptimizer(inner, cfg, newTestLogger())
	require.NoError(t, err)
	return opt
}

func TestNewDPOptimizerValidation(t *testing.T) {
	inner := newRecordingOptimizer()
	logger := newTestLogger()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero noise", func(c *Config) { c.NoiseMultiplier = 0 }},
		{"negative clip", func(c *Config) { c.MaxGradNorm = -1 }},
		{"zero batch", func(c *Config) { c.ExpectedBatchSize = 0 }},
		{"bad sample rate", func(c *Config) { c.SampleRate = 1.5 }},
		{"bad reduction", func(c *Config) { c.LossReduction = "avg" }},
		{"nil rng", func(c *Config) { c.RNG = nil }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		_, err := NewDPOptimizer(inner, cfg, logger)
		assert.Error(t, err, tc.name)
	}

	_, err := NewDPOptimizer(nil, testConfig(), logger)
	assert.Error(t, err, "nil inner optimizer")
}

func TestClippingRescalesLargeGradients(t *testing.T) {
	inner := newRecordingOptimizer()
	opt := newTestDPOptimizer(t, inner, testConfig())

	p := models.NewParameter("w", []float64{0, 0})
	require.NoError(t, p.AccumulateGradSample([]float64{3, 4})) // norm 5 > 1

	params := []*models.Parameter{p}
	require.NoError(t, opt.Step(params))

	require.Equal(t, 1, inner.steps)
	assert.InDelta(t, 0.6, inner.grads["w"][0], 1e-6)
	assert.InDelta(t, 0.8, inner.grads["w"][1], 1e-6)
}

func TestClippingLeavesSmallGradientsUntouched(t *testing.T) {
	inner := newRecordingOptimizer()
	opt := newTestDPOptimizer(t, inner, testConfig())

	p := models.NewParameter("w", []float64{0, 0})
	require.NoError(t, p.AccumulateGradSample([]float64{0.3, 0.4})) // norm 0.5 <= 1

	require.NoError(t, opt.Step([]*models.Parameter{p}))

	assert.InDelta(t, 0.3, inner.grads["w"][0], 1e-6)
	assert.InDelta(t, 0.4, inner.grads["w"][1], 1e-6)
}

func TestClippingUsesJointNormAcrossParameters(t *testing.T) {
	inner := newRecordingOptimizer()
	opt := newTestDPOptimizer(t, inner, testConfig())

	p1 := models.NewParameter("w1", []float64{0})
	p2 := models.NewParameter("w2", []float64{0})
	require.NoError(t, p1.AccumulateGradSample([]float64{3}))
	require.NoError(t, p2.AccumulateGradSample([]float64{4}))

	// Per-parameter norms are 3 and 4, but the joint norm is 5, so both
	// shrink by the same factor.
	require.NoError(t, opt.Step([]*models.Parameter{p1, p2}))

	assert.InDelta(t, 0.6, inner.grads["w1"][0], 1e-6)
	assert.InDelta(t, 0.8, inner.grads["w2"][0], 1e-6)
}

func TestMeanReductionDividesByExpectedBatchSize(t *testing.T) {
	inner := newRecordingOptimizer()
	cfg := testConfig()
	cfg.ExpectedBatchSize = 2
	cfg.MaxGradNorm = 10 // no clipping in this test
	opt := newTestDPOptimizer(t, inner, cfg)

	p := models.NewParameter("w", []float64{0})
	require.NoError(t, p.AccumulateGradSample([]float64{1}))
	require.NoError(t, p.AccumulateGradSample([]float64{1}))

	require.NoError(t, opt.Step([]*models.Parameter{p}))

	assert.InDelta(t, 1.0, inner.grads["w"][0], 1e-6) // (1+1)/2
}

func TestSumReductionKeepsAggregate(t *testing.T) {
	inner := newRecordingOptimizer()
	cfg := testConfig()
	cfg.ExpectedBatchSize = 2
	cfg.MaxGradNorm = 10
	cfg.LossReduction = models.LossReductionSum
	opt := newTestDPOptimizer(t, inner, cfg)

	p := models.NewParameter("w", []float64{0})
	require.NoError(t, p.AccumulateGradSample([]float64{1}))
	require.NoError(t, p.AccumulateGradSample([]float64{1}))

	require.NoError(t, opt.Step([]*models.Parameter{p}))

	assert.InDelta(t, 2.0, inner.grads["w"][0], 1e-6)
}

func TestVirtualStepsAccumulateIntoOneRealStep(t *testing.T) {
	inner := newRecordingOptimizer()
	cfg := testConfig()
	cfg.MaxGradNorm = 10
	opt := newTestDPOptimizer(t, inner, cfg)

	var hookStates []models.DPStepState
	opt.AttachStepHook(func(state models.DPStepState) {
		hookStates = append(hookStates, state)
	})

	p := models.NewParameter("w", []float64{0})
	params := []*models.Parameter{p}

	for i := 0; i < 3; i++ {
		require.NoError(t, p.AccumulateGradSample([]float64{1}))
		require.NoError(t, opt.VirtualStep(params))
		assert.Empty(t, p.GradSamples, "per-example buffers released after virtual step")
		assert.Equal(t, models.GradStateAccumulated, p.State)
	}
	assert.Equal(t, 0, inner.steps, "virtual steps must not update parameters")

	require.NoError(t, opt.Step(params))

	require.Equal(t, 1, inner.steps)
	require.Len(t, hookStates, 1)
	assert.Equal(t, 3, hookStates[0].AccumulatedIterations)
	assert.InDelta(t, 3.0, inner.grads["w"][0], 1e-6)
	assert.Equal(t, 0, opt.State().AccumulatedIterations)
}

func TestRealStepWithoutGradientsIsNoOp(t *testing.T) {
	inner := newRecordingOptimizer()
	opt := newTestDPOptimizer(t, inner, testConfig())

	hooks := 0
	opt.AttachStepHook(func(models.DPStepState) { hooks++ })

	p := models.NewParameter("w", []float64{0})
	params := []*models.Parameter{p}

	require.NoError(t, opt.Step(params))
	assert.Equal(t, 0, inner.steps)
	assert.Equal(t, 0, hooks)

	// A real step, then a second one without an intervening backward pass.
	require.NoError(t, p.AccumulateGradSample([]float64{0.5}))
	require.NoError(t, opt.Step(params))
	require.NoError(t, opt.Step(params))

	assert.Equal(t, 1, inner.steps)
	assert.Equal(t, 1, hooks)
}

func TestStepRejectsEffectiveSampleRateAboveOne(t *testing.T) {
	inner := newRecordingOptimizer()
	cfg := testConfig()
	cfg.SampleRate = 0.5
	opt := newTestDPOptimizer(t, inner, cfg)

	hooks := 0
	opt.AttachStepHook(func(models.DPStepState) { hooks++ })

	p := models.NewParameter("w", []float64{0})
	params := []*models.Parameter{p}

	// Three accumulated iterations at q=0.5 would charge the ledger at an
	// effective rate of 1.5, which has no privacy interpretation.
	for i := 0; i < 3; i++ {
		require.NoError(t, p.AccumulateGradSample([]float64{0.1}))
		require.NoError(t, opt.VirtualStep(params))
	}

	err := opt.Step(params)
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeInvalidParameter, appErr.Code)

	// The failed step must not have touched anything observable.
	assert.Equal(t, 0, inner.steps)
	assert.Equal(t, 0, hooks)
	assert.Equal(t, 0.0, p.Values[0])
	assert.Equal(t, 0.0, p.Grad[0])
}

func TestStepAllowsEffectiveSampleRateOfOne(t *testing.T) {
	inner := newRecordingOptimizer()
	cfg := testConfig()
	cfg.SampleRate = 0.5
	opt := newTestDPOptimizer(t, inner, cfg)

	p := models.NewParameter("w", []float64{0})
	params := []*models.Parameter{p}

	for i := 0; i < 2; i++ {
		require.NoError(t, p.AccumulateGradSample([]float64{0.1}))
		require.NoError(t, opt.VirtualStep(params))
	}

	require.NoError(t, opt.Step(params))
	assert.Equal(t, 1, inner.steps)
}

func TestStaleNoisedGradientRejected(t *testing.T) {
	inner := newRecordingOptimizer()
	opt := newTestDPOptimizer(t, inner, testConfig())

	p := models.NewParameter("w", []float64{0})
	params := []*models.Parameter{p}

	require.NoError(t, p.AccumulateGradSample([]float64{0.5}))
	require.NoError(t, opt.Step(params))
	assert.Equal(t, models.GradStateNoised, p.State)

	// New backward pass without clearing the noised buffer first.
	require.NoError(t, p.AccumulateGradSample([]float64{0.5}))
	err := opt.VirtualStep(params)
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeUnclearedGradient, appErr.Code)

	// Clearing reopens the accumulation window.
	opt.ZeroGrad(params)
	require.NoError(t, p.AccumulateGradSample([]float64{0.5}))
	require.NoError(t, opt.Step(params))
	assert.Equal(t, 2, inner.steps)
}

func TestBatchDimensionMismatchRejected(t *testing.T) {
	inner := newRecordingOptimizer()
	opt := newTestDPOptimizer(t, inner, testConfig())

	p1 := models.NewParameter("w1", []float64{0})
	p2 := models.NewParameter("w2", []float64{0})
	require.NoError(t, p1.AccumulateGradSample([]float64{1}))
	require.NoError(t, p2.AccumulateGradSample([]float64{1}))
	require.NoError(t, p2.AccumulateGradSample([]float64{1}))

	err := opt.VirtualStep([]*models.Parameter{p1, p2})
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeBatchMismatch, appErr.Code)
}

func TestNoiseIsApplied(t *testing.T) {
	inner := newRecordingOptimizer()
	cfg := testConfig()
	cfg.NoiseMultiplier = 1.0
	opt := newTestDPOptimizer(t, inner, cfg)

	p := models.NewParameter("w", []float64{0})
	require.NoError(t, p.AccumulateGradSample([]float64{0.5}))
	require.NoError(t, opt.Step([]*models.Parameter{p}))

	// A continuous noise draw lands exactly on the clean value with
	// probability zero.
	assert.NotEqual(t, 0.5, inner.grads["w"][0])
}

func TestNoiseDeterministicForSeed(t *testing.T) {
	run := func() float64 {
		inner := newRecordingOptimizer()
		cfg := testConfig()
		cfg.NoiseMultiplier = 1.0
		cfg.RNG = NewSeededRand(7)
		opt := newTestDPOptimizer(t, inner, cfg)

		p := models.NewParameter("w", []float64{0})
		require.NoError(t, p.AccumulateGradSample([]float64{0.5}))
		require.NoError(t, opt.Step([]*models.Parameter{p}))
		return inner.grads["w"][0]
	}
	assert.Equal(t, run(), run())
}
