package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/dptrain/internal/accounting"
)

type CalibrateOptions struct {
	TargetEpsilon float64
	TargetDelta   float64
	SampleRate    float64
	Steps         int
	Epochs        int
	NumBatches    int
	SigmaMin      float64
	SigmaMax      float64
	Tolerance     float64
}

func NewCalibrateCmd() *cobra.Command {
	opts := &CalibrateOptions{}

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Find the minimum noise multiplier for a target privacy budget",
		Long: `Binary-search the noise multiplier so that a full training schedule
spends at most the target (epsilon, delta) budget under Poisson sampling.`,
		Example: `  # Calibrate for 100 steps at sample rate 0.01
  dptrain-cli calibrate --target-epsilon 3.0 --target-delta 1e-5 --sample-rate 0.01 --steps 100

  # Derive the schedule from epochs and batches per epoch
  dptrain-cli calibrate --target-epsilon 3.0 --target-delta 1e-5 --epochs 10 --num-batches 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(opts)
		},
	}

	cmd.Flags().Float64Var(&opts.TargetEpsilon, "target-epsilon", 0, "Target epsilon budget (required)")
	cmd.Flags().Float64Var(&opts.TargetDelta, "target-delta", 1e-5, "Target delta")
	cmd.Flags().Float64Var(&opts.SampleRate, "sample-rate", 0, "Poisson sample rate; derived as 1/num-batches when unset")
	cmd.Flags().IntVar(&opts.Steps, "steps", 0, "Total number of real steps; derived as epochs*num-batches when unset")
	cmd.Flags().IntVar(&opts.Epochs, "epochs", 0, "Training epochs (used with --num-batches)")
	cmd.Flags().IntVar(&opts.NumBatches, "num-batches", 0, "Batches per epoch (used with --epochs)")
	cmd.Flags().Float64Var(&opts.SigmaMin, "sigma-min", accounting.DefaultSigmaMin, "Lower search bound")
	cmd.Flags().Float64Var(&opts.SigmaMax, "sigma-max", accounting.DefaultSigmaMax, "Upper search bound")
	cmd.Flags().Float64Var(&opts.Tolerance, "tolerance", accounting.DefaultTolerance, "Search bracket tolerance")
	cmd.MarkFlagRequired("target-epsilon")

	return cmd
}

func runCalibrate(opts *CalibrateOptions) error {
	logger := newLogger()

	sampleRate := opts.SampleRate
	if sampleRate == 0 && opts.NumBatches > 0 {
		sampleRate = 1 / float64(opts.NumBatches)
	}
	steps := opts.Steps
	if steps == 0 && opts.Epochs > 0 && opts.NumBatches > 0 {
		steps = opts.Epochs * opts.NumBatches
	}

	sigma, err := accounting.FindNoiseMultiplier(accounting.CalibrationParams{
		TargetEpsilon: opts.TargetEpsilon,
		TargetDelta:   opts.TargetDelta,
		SampleRate:    sampleRate,
		Steps:         steps,
		SigmaMin:      opts.SigmaMin,
		SigmaMax:      opts.SigmaMax,
		Tolerance:     opts.Tolerance,
	}, logger)
	if err != nil {
		return err
	}

	fmt.Printf("noise_multiplier: %.4f\n", sigma)
	return nil
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}
