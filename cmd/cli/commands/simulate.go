package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inferloop/dptrain/internal/accounting"
)

type SimulateOptions struct {
	NoiseMultiplier float64
	SampleRate      float64
	Steps           int
	Delta           float64
	ReportEvery     int
}

func NewSimulateCmd() *cobra.Command {
	opts := &SimulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate privacy expenditure over a training schedule",
		Long: `Run a schedule of identical steps through a disposable accountant and
print how epsilon grows as steps compose.`,
		Example: `  dptrain-cli simulate --noise-multiplier 1.0 --sample-rate 0.01 --steps 100 --every 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts)
		},
	}

	cmd.Flags().Float64Var(&opts.NoiseMultiplier, "noise-multiplier", 1.0, "Gaussian noise multiplier")
	cmd.Flags().Float64Var(&opts.SampleRate, "sample-rate", 0.01, "Poisson sample rate")
	cmd.Flags().IntVar(&opts.Steps, "steps", 100, "Number of real steps to simulate")
	cmd.Flags().Float64Var(&opts.Delta, "delta", 1e-5, "Delta at which to report epsilon")
	cmd.Flags().IntVar(&opts.ReportEvery, "every", 10, "Report epsilon every N steps")

	return cmd
}

func runSimulate(opts *SimulateOptions) error {
	logger := newLogger()

	acct, err := accounting.NewAccountant(nil, logger)
	if err != nil {
		return err
	}

	if opts.ReportEvery <= 0 {
		opts.ReportEvery = 1
	}

	for i := 1; i <= opts.Steps; i++ {
		if err := acct.RecordStep(opts.NoiseMultiplier, opts.SampleRate); err != nil {
			return err
		}
		if i%opts.ReportEvery == 0 || i == opts.Steps {
			eps, err := acct.ComputeEpsilon(opts.Delta)
			if err != nil {
				return err
			}
			fmt.Printf("step %4d  epsilon %.4f\n", i, eps)
		}
	}
	return nil
}
