package accounting

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/dptrain/pkg/errors"
	"github.com/inferloop/dptrain/pkg/models"
)

// Ledger checkpointing. The only persisted state of the accounting core is
// the ordered (noise_multiplier, sample_rate) sequence; resuming training
// loads it into a fresh accountant, which then reports identical epsilon.

// Checkpoint captures the current ledger together with the accountant's
// identity.
func (a *Accountant) Checkpoint() *models.LedgerCheckpoint {
	return &models.LedgerCheckpoint{
		AccountantID: a.id,
		CreatedAt:    time.Now().UTC(),
		Steps:        a.Ledger(),
	}
}

// WriteCheckpoint encodes the current ledger as YAML.
func (a *Accountant) WriteCheckpoint(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(a.Checkpoint()); err != nil {
		return errors.WrapError(err, errors.ErrorTypeAccounting,
			errors.CodeLedgerLoadFailed, "failed to encode ledger checkpoint")
	}
	return nil
}

// SaveCheckpointFile writes the current ledger to a YAML file.
func (a *Accountant) SaveCheckpointFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeAccounting,
			errors.CodeLedgerLoadFailed, "failed to create checkpoint file")
	}
	defer f.Close()
	return a.WriteCheckpoint(f)
}

// ReadCheckpoint decodes a ledger checkpoint from YAML.
func ReadCheckpoint(r io.Reader) (*models.LedgerCheckpoint, error) {
	var cp models.LedgerCheckpoint
	if err := yaml.NewDecoder(r).Decode(&cp); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeAccounting,
			errors.CodeLedgerLoadFailed, "failed to decode ledger checkpoint")
	}
	return &cp, nil
}

// LoadCheckpointFile reads a ledger checkpoint from a YAML file.
func LoadCheckpointFile(path string) (*models.LedgerCheckpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeAccounting,
			errors.CodeLedgerLoadFailed, "failed to open checkpoint file")
	}
	defer f.Close()
	return ReadCheckpoint(f)
}

// FromCheckpoint builds a fresh accountant and replays the checkpointed
// steps into it in order. Every step is re-validated on the way in.
func FromCheckpoint(cp *models.LedgerCheckpoint, orders []float64, logger *logrus.Logger) (*Accountant, error) {
	if cp == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField,
			"checkpoint must not be nil")
	}
	acct, err := NewAccountant(orders, logger)
	if err != nil {
		return nil, err
	}
	if cp.AccountantID != "" {
		acct.id = cp.AccountantID
	}
	for i, step := range cp.Steps {
		if err := acct.RecordStep(step.NoiseMultiplier, step.SampleRate); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeAccounting,
				errors.CodeLedgerLoadFailed, "checkpoint contains an invalid step").
				WithContext("step_index", i)
		}
	}
	return acct, nil
}
