package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/guard"
)

// newCaptureCmd prints the adversarial capture probability bound for
// the configured chamber sizes over a range of adversary fractions.
func newCaptureCmd() *cobra.Command {
	var fractions []float64

	cmd := &cobra.Command{
		Use:   "capture-bound",
		Short: "Tabulate the chamber capture probability bound",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "phase\tadversary_fraction\tcapture_bound")
			for _, phase := range []config.Phase{config.PhaseGenesis, config.PhaseMature} {
				pc, err := params.ChambersFor(phase)
				if err != nil {
					return err
				}
				specs := [3]guard.ChamberSpec{
					{Size: pc.Proposal.Size, Threshold: pc.Proposal.PassThreshold},
					{Size: pc.Ratification.Size, Threshold: pc.Ratification.PassThreshold},
					{Size: pc.Confirmation.Size, Threshold: pc.Confirmation.PassThreshold},
				}
				for _, p := range fractions {
					fmt.Fprintf(w, "%s\t%.2f\t%.3e\n", phase, p, guard.CaptureBoundFor(specs, p))
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().Float64SliceVar(&fractions, "fractions", []float64{0.05, 0.10, 0.20, 0.30}, "adversary control fractions to tabulate")
	return cmd
}
