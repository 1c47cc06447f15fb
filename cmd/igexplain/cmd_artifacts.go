package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/fer-ig/internal/app"
	"github.com/Brownie44l1/fer-ig/internal/pipeline"
	"github.com/Brownie44l1/fer-ig/internal/store"
)

var (
	runsImage string
	runsLimit int
)

var reintegrateCmd = &cobra.Command{
	Use:   "reintegrate [artifact dir]",
	Short: "Recompute the integrated gradient from stored step maps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attr, err := pipeline.Reintegrate(args[0])
		if err != nil {
			return err
		}
		printCheck(cmd, attr.Steps, attr.StartLogit, attr.EndLogit, attr.IntegralEstimate, attr.Error)

		artifacts, err := store.OpenArtifacts(args[0])
		if err != nil {
			return err
		}
		stored, err := artifacts.LoadTotal()
		if err != nil {
			return err
		}
		if err := stored.CheckShape(attr.Total); err != nil {
			return fmt.Errorf("stored total does not match step maps: %w", err)
		}
		var maxDiff float64
		for i, v := range stored.Pix {
			maxDiff = math.Max(maxDiff, math.Abs(v-attr.Total.Pix[i]))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "max |stored - recomputed|: %g\n", maxDiff)
		return nil
	},
}

var renderCmd = &cobra.Command{
	Use:   "render [artifact dir]",
	Short: "Redraw heatmap, diverging and overlay PNGs of a stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pipeline.Render(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rendered %s\n", args[0])
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded attribution runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger, err := app.OpenLedger(cfg)
		if err != nil {
			return err
		}
		defer ledger.Close()

		runs, err := ledger.List(runsImage, runsLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %s  %-20s class=%s steps=%d error=%.4g  %s\n",
				r.CreatedAt.Format("2006-01-02 15:04:05"), r.ID, r.ImageID, r.ClassName, r.Steps, r.Error, r.Dir)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsImage, "image", "", "only runs of this image id")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs (0 for all)")
}
