package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inferloop/dptrain/internal/accounting"
)

type EpsilonOptions struct {
	LedgerFile string
	Delta      float64
}

func NewEpsilonCmd() *cobra.Command {
	opts := &EpsilonOptions{}

	cmd := &cobra.Command{
		Use:   "epsilon",
		Short: "Compute the privacy spent by a checkpointed ledger",
		Long: `Load a privacy ledger checkpoint into a fresh accountant and report the
cumulative (epsilon, delta) guarantee it certifies.`,
		Example: `  dptrain-cli epsilon --ledger run42-ledger.yaml --delta 1e-5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEpsilon(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.LedgerFile, "ledger", "l", "", "Ledger checkpoint file (required)")
	cmd.Flags().Float64Var(&opts.Delta, "delta", 1e-5, "Delta at which to report epsilon")
	cmd.MarkFlagRequired("ledger")

	return cmd
}

func runEpsilon(opts *EpsilonOptions) error {
	logger := newLogger()

	cp, err := accounting.LoadCheckpointFile(opts.LedgerFile)
	if err != nil {
		return err
	}

	acct, err := accounting.FromCheckpoint(cp, nil, logger)
	if err != nil {
		return err
	}

	eps, err := acct.ComputeEpsilon(opts.Delta)
	if err != nil {
		return err
	}

	fmt.Printf("steps: %d\n", acct.StepCount())
	fmt.Printf("epsilon: %.4f (delta=%g)\n", eps, opts.Delta)
	return nil
}
