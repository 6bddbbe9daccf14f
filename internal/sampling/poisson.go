package sampling

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/interfaces"
)

// PoissonBatchSource emits batches by independent per-record Bernoulli
// draws at the configured rate, instead of fixed-size batching. The
// accounting math assumes exactly this scheme.
type PoissonBatchSource struct {
	datasetSize int
	numBatches  int
	sampleRate  float64
	bernoulli   distuv.Bernoulli
	logger      *logrus.Logger
}

// Wrap converts a plain batch source into a Poisson-sampled one with
// sample rate 1/number_of_batches. Wrapping an already-wrapped source
// returns it unchanged.
func Wrap(src interfaces.BatchSource, rng *rand.Rand, logger *logrus.Logger) (*PoissonBatchSource, error) {
	if wrapped, ok := src.(*PoissonBatchSource); ok {
		return wrapped, nil
	}
	if logger == nil {
		logger = logrus.New()
	}
	if src == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"batch source must not be nil")
	}
	if rng == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"randomness source must be set explicitly")
	}
	if src.DatasetSize() <= 0 {
		return nil, errors.NewInvalidParameterError("dataset_size", src.DatasetSize(),
			"dataset must not be empty")
	}
	if src.NumBatches() <= 0 {
		return nil, errors.NewInvalidParameterError("number_of_batches", src.NumBatches(),
			"source must emit at least one batch")
	}

	rate := 1 / float64(src.NumBatches())
	logger.WithFields(logrus.Fields{
		"dataset_size": src.DatasetSize(),
		"num_batches":  src.NumBatches(),
		"sample_rate":  rate,
	}).Debug("Wrapped batch source with Poisson sampling")

	return &PoissonBatchSource{
		datasetSize: src.DatasetSize(),
		numBatches:  src.NumBatches(),
		sampleRate:  rate,
		bernoulli:   distuv.Bernoulli{P: rate, Src: rng},
		logger:      logger,
	}, nil
}

// DatasetSize returns the number of records in the underlying dataset.
func (s *PoissonBatchSource) DatasetSize() int {
	return s.datasetSize
}

// NumBatches returns the number of batches per epoch.
func (s *PoissonBatchSource) NumBatches() int {
	return s.numBatches
}

// SampleRate returns the per-record inclusion probability.
func (s *PoissonBatchSource) SampleRate() float64 {
	return s.sampleRate
}

// NextBatch draws one batch: every record is included independently with
// probability SampleRate. The batch may be empty.
func (s *PoissonBatchSource) NextBatch() []int {
	var batch []int
	for i := 0; i < s.datasetSize; i++ {
		if s.bernoulli.Rand() == 1 {
			batch = append(batch, i)
		}
	}
	return batch
}
