// Command igexplain classifies images and computes integrated-gradients
// attributions with an exported ONNX classifier.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-ig/internal/config"
	"github.com/Brownie44l1/fer-ig/internal/logging"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "igexplain",
	Short: "Integrated-gradients attribution for image classifiers",
	Long: `igexplain walks the straight line from a grey baseline to an input image,
collects the target-class gradient at every step and sums them into a
per-pixel attribution map.

Artifacts are written to <output dir>/<image id>/: one step_NNNN.safetensors
per path step, total.safetensors, steps.json, run.json and PNG renderings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging.Level, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "igexplain.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(classifyCmd, explainCmd, reintegrateCmd, renderCmd, runsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
