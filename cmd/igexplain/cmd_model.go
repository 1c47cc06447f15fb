package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/fer-ig/internal/app"
	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/pipeline"
	"github.com/Brownie44l1/fer-ig/internal/preprocess"
)

var (
	explainClass string
	explainSteps int
	explainName  string
)

var classifyCmd = &cobra.Command{
	Use:   "classify [image]",
	Short: "Print the top-K predictions for an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := preprocess.DecodeFile(args[0])
		if err != nil {
			return err
		}
		a, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.Pipeline.Classify(img)
		if err != nil {
			return err
		}
		printPredictions(cmd, resp)
		return nil
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain [image]",
	Short: "Compute integrated gradients for an image",
	Long: `Computes integrated gradients for the target class (the top prediction
unless --class is given) and writes all artifacts.

Example:
  igexplain explain --steps 60 --class "golden retriever" dog.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := explainOptions(args[0])
		if err != nil {
			return err
		}
		img, err := preprocess.DecodeFile(args[0])
		if err != nil {
			return err
		}
		a, err := app.New(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Pipeline.Explain(cmd.Context(), img, opts)
		if err != nil {
			return err
		}
		printPredictions(cmd, res.Explanation.Prediction)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\nclass:             %s (%d)\n", res.Run.ClassName, res.Run.Class)
		printCheck(cmd, res.Run.Steps, res.Run.StartLogit, res.Run.EndLogit, res.Run.IntegralEstimate, res.Run.Error)
		fmt.Fprintf(out, "artifacts:         %s\n", res.Run.Dir)
		return nil
	},
}

func init() {
	explainCmd.Flags().StringVar(&explainClass, "class", "", "target class name or index (default: top prediction)")
	explainCmd.Flags().IntVar(&explainSteps, "steps", 0, "Riemann steps (default: from config)")
	explainCmd.Flags().StringVar(&explainName, "name", "", "image identifier for the output directory (default: file name)")
}

func explainOptions(path string) (pipeline.ExplainOptions, error) {
	opts := pipeline.ExplainOptions{Name: path, Class: model.NoTarget, Steps: explainSteps}
	if explainName != "" {
		opts.Name = explainName
	}
	if explainSteps < 0 {
		return opts, fmt.Errorf("--steps must be positive, got %d", explainSteps)
	}
	if explainClass != "" {
		if idx, err := strconv.Atoi(explainClass); err == nil {
			opts.Class = idx
		} else {
			opts.ClassName = explainClass
		}
	}
	return opts, nil
}

func printPredictions(cmd *cobra.Command, resp *model.PredictionResponse) {
	out := cmd.OutOrStdout()
	for i, p := range resp.Predictions {
		fmt.Fprintf(out, "%2d. %-30s %6.2f%%  (index %d, logit %.4f)\n", i+1, p.Class, p.Probability*100, p.Index, p.Logit)
	}
}

// printCheck reports the completeness check: sum of attributions over the
// step count against the logit difference between the ends of the path.
func printCheck(cmd *cobra.Command, steps int, start, end, estimate, errAbs float64) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "steps:             %d\n", steps)
	fmt.Fprintf(out, "logit baseline:    %.6f\n", start)
	fmt.Fprintf(out, "logit input:       %.6f\n", end)
	fmt.Fprintf(out, "logit difference:  %.6f\n", end-start)
	fmt.Fprintf(out, "attribution sum/N: %.6f\n", estimate)
	fmt.Fprintf(out, "abs error:         %.6f\n", errAbs)
}
