package models

import (
	"time"
)

// LossReduction determines how the noised gradient aggregate is rescaled
// before it is handed to the underlying update rule.
type LossReduction string

const (
	// LossReductionMean divides the clipped aggregate by the expected batch size.
	LossReductionMean LossReduction = "mean"
	// LossReductionSum leaves the clipped aggregate as a sum.
	LossReductionSum LossReduction = "sum"
)

// Valid reports whether the reduction mode is one of the supported values.
func (lr LossReduction) Valid() bool {
	return lr == LossReductionMean || lr == LossReductionSum
}

// PrivacyStep records one real optimization step under Poisson sampling
// with Gaussian noise of the given multiplier. Immutable once recorded.
type PrivacyStep struct {
	NoiseMultiplier float64 `json:"noise_multiplier" yaml:"noise_multiplier"`
	SampleRate      float64 `json:"sample_rate" yaml:"sample_rate"`
}

// LedgerCheckpoint is the persistable form of a privacy ledger: the ordered
// (noise_multiplier, sample_rate) sequence plus the owning accountant's
// identity. Restoring training loads this sequence into a fresh accountant.
type LedgerCheckpoint struct {
	AccountantID string        `json:"accountant_id" yaml:"accountant_id"`
	CreatedAt    time.Time     `json:"created_at" yaml:"created_at"`
	Steps        []PrivacyStep `json:"steps" yaml:"steps"`
}

// DPStepState is the per-optimizer mutable state driving the private step
// logic. A snapshot of it is handed to step hooks once per real step.
type DPStepState struct {
	NoiseMultiplier       float64       `json:"noise_multiplier"`
	MaxGradNorm           float64       `json:"max_grad_norm"`
	ExpectedBatchSize     int           `json:"expected_batch_size"`
	AccumulatedIterations int           `json:"accumulated_iterations"`
	LossReduction         LossReduction `json:"loss_reduction"`
}
