package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudguard/internal/model"
)

type syntheticFlags struct {
	count     int
	fraudRate float64
	seed      uint64
}

func (f *syntheticFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.count, "samples", 2000, "Number of synthetic samples to generate")
	cmd.Flags().Float64Var(&f.fraudRate, "fraud-rate", 0.2, "Share of fraudulent samples (0..1)")
	cmd.Flags().Uint64Var(&f.seed, "seed", 1, "Random seed for sample generation")
}

func (f *syntheticFlags) samples() ([]model.Sample, error) {
	if f.count <= 0 {
		return nil, fmt.Errorf("--samples must be greater than zero")
	}
	if f.fraudRate <= 0 || f.fraudRate >= 1 {
		return nil, fmt.Errorf("--fraud-rate must be between 0 and 1")
	}
	return model.SyntheticSamples(f.count, f.fraudRate, f.seed), nil
}

func newTrainCmd(opts *options) *cobra.Command {
	var (
		synth   syntheticFlags
		train   model.TrainOptions
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a weight set on synthetic data and write it as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := synth.samples()
			if err != nil {
				return err
			}

			opts.logger.Info("training", "samples", len(samples), "epochs", train.Epochs)
			ws, err := model.Train(cmd.Context(), samples, train)
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}

			if outPath == "" || outPath == "-" {
				data, err := model.Marshal(ws)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := model.WriteFile(outPath, ws); err != nil {
				return fmt.Errorf("write weights: %w", err)
			}
			cmd.Printf("wrote %s to %s\n", ws.Version, outPath)
			printMetrics(cmd, ws.Metrics)
			return nil
		},
	}

	synth.register(cmd)
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output YAML path (stdout when empty)")
	cmd.Flags().StringVar(&train.Version, "version", "", "Version name for the weight set")
	cmd.Flags().IntVar(&train.Epochs, "epochs", 300, "Gradient descent epochs")
	cmd.Flags().Float64Var(&train.LearningRate, "learning-rate", 0.1, "Gradient descent step size")
	cmd.Flags().Float64Var(&train.L2, "l2", 0, "Ridge penalty")
	cmd.Flags().IntVar(&train.HoldoutEvery, "holdout-every", 5, "Hold out every n-th sample for evaluation (0 disables)")
	return cmd
}

func newEvaluateCmd(opts *options) *cobra.Command {
	var (
		synth       syntheticFlags
		weightsPath string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a weight set against synthetic data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWeights(weightsPath)
			if err != nil {
				return err
			}
			samples, err := synth.samples()
			if err != nil {
				return err
			}
			opts.logger.Info("evaluating", "version", ws.Version, "samples", len(samples))

			m := model.Evaluate(ws, samples)
			cmd.Printf("model %s\n", ws.Version)
			printMetrics(cmd, &m)
			return nil
		},
	}

	synth.register(cmd)
	cmd.Flags().StringVarP(&weightsPath, "weights", "w", "", "Weight set YAML (compiled default when empty)")
	return cmd
}

// loadWeights returns the published (compiled) form of a weight set.
func loadWeights(path string) (*model.WeightSet, error) {
	ws := model.DefaultWeights()
	if path != "" {
		var err error
		if ws, err = model.LoadFile(path); err != nil {
			return nil, err
		}
	}
	m, err := model.New(ws)
	if err != nil {
		return nil, err
	}
	return m.Current(), nil
}

func printMetrics(cmd *cobra.Command, m *model.Metrics) {
	if m == nil {
		return
	}
	cmd.Printf("accuracy:  %.4f\nprecision: %.4f\nrecall:    %.4f\nf1:        %.4f\nsamples:   %d\n",
		m.Accuracy, m.Precision, m.Recall, m.F1, m.Samples)
}
