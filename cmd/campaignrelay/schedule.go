package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/bissquit/campaign-relay/internal/warmup"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	var (
		days       int
		base       int
		multiplier float64
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the warm-up quota for each day of a ramp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			quotas, err := warmup.GenerateSchedule(days, base, multiplier, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tQUOTA")
			for day, quota := range quotas {
				fmt.Fprintf(w, "%d\t%d\n", day, quota)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&days, "days", 14, "number of days to print")
	cmd.Flags().IntVar(&base, "base", warmup.DefaultBase, "quota on day zero")
	cmd.Flags().Float64Var(&multiplier, "multiplier", warmup.DefaultMultiplier, "daily growth factor")
	cmd.Flags().IntVar(&limit, "cap", warmup.DefaultCap, "maximum daily quota")
	return cmd
}
