package accounting

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/dptrain/pkg/models"
)

func TestCheckpointRoundTrip(t *testing.T) {
	acct, err := NewAccountant(nil, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, acct.RecordStep(1.0, 0.01))
	require.NoError(t, acct.RecordStep(0.7, 0.02))
	require.NoError(t, acct.RecordStep(1.3, 0.005))

	var buf bytes.Buffer
	require.NoError(t, acct.WriteCheckpoint(&buf))

	cp, err := ReadCheckpoint(&buf)
	require.NoError(t, err)
	assert.Equal(t, acct.ID(), cp.AccountantID)
	require.Len(t, cp.Steps, 3)

	restored, err := FromCheckpoint(cp, nil, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, acct.ID(), restored.ID())
	assert.Equal(t, acct.Ledger(), restored.Ledger())

	for _, delta := range []float64{1e-5, 1e-6, 1e-8} {
		want, err := acct.ComputeEpsilon(delta)
		require.NoError(t, err)
		got, err := restored.ComputeEpsilon(delta)
		require.NoError(t, err)
		assert.Equal(t, want, got, "delta=%g", delta)
	}
}

func TestCheckpointFileRoundTrip(t *testing.T) {
	acct, err := NewAccountant(nil, newTestLogger())
	require.NoError(t, err)
	require.NoError(t, acct.RecordStep(1.0, 0.01))

	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, acct.SaveCheckpointFile(path))

	cp, err := LoadCheckpointFile(path)
	require.NoError(t, err)
	assert.Equal(t, acct.Ledger(), cp.Steps)
}

func TestFromCheckpointRejectsInvalidSteps(t *testing.T) {
	cp := &models.LedgerCheckpoint{
		Steps: []models.PrivacyStep{{NoiseMultiplier: -1, SampleRate: 0.01}},
	}
	_, err := FromCheckpoint(cp, nil, newTestLogger())
	assert.Error(t, err)
}

func TestFromCheckpointNil(t *testing.T) {
	_, err := FromCheckpoint(nil, nil, newTestLogger())
	assert.Error(t, err)
}
