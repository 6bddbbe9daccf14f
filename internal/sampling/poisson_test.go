package sampling

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type staticSource struct {
	datasetSize int
	numBatches  int
}

func (s staticSource) DatasetSize() int { return s.datasetSize }
func (s staticSource) NumBatches() int  { return s.numBatches }

func TestWrapValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	_, err := Wrap(nil, rng, newTestLogger())
	assert.Error(t, err)

	_, err = Wrap(staticSource{datasetSize: 100, numBatches: 10}, nil, newTestLogger())
	assert.Error(t, err)

	_, err = Wrap(staticSource{datasetSize: 0, numBatches: 10}, rng, newTestLogger())
	assert.Error(t, err)

	_, err = Wrap(staticSource{datasetSize: 100, numBatches: 0}, rng, newTestLogger())
	assert.Error(t, err)
}

func TestWrapSampleRate(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src, err := Wrap(staticSource{datasetSize: 1000, numBatches: 50}, rng, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, 1000, src.DatasetSize())
	assert.Equal(t, 50, src.NumBatches())
	assert.InDelta(t, 0.02, src.SampleRate(), 1e-12)
}

func TestWrapIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src, err := Wrap(staticSource{datasetSize: 100, numBatches: 10}, rng, newTestLogger())
	require.NoError(t, err)

	again, err := Wrap(src, rng, newTestLogger())
	require.NoError(t, err)
	assert.Same(t, src, again)
}

func TestNextBatchIndicesInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src, err := Wrap(staticSource{datasetSize: 200, numBatches: 4}, rng, newTestLogger())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		batch := src.NextBatch()
		seen := make(map[int]bool, len(batch))
		for _, idx := range batch {
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, 200)
			assert.False(t, seen[idx], "index %d drawn twice in one batch", idx)
			seen[idx] = true
		}
	}
}

func TestNextBatchAverageSizeMatchesRate(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src, err := Wrap(staticSource{datasetSize: 1000, numBatches: 10}, rng, newTestLogger())
	require.NoError(t, err)

	// Expected batch size is q * N = 100. Over many draws the average must
	// concentrate near it.
	const draws = 200
	total := 0
	for i := 0; i < draws; i++ {
		total += len(src.NextBatch())
	}
	avg := float64(total) / draws

	assert.InDelta(t, 100.0, avg, 5.0)
}
