package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/quotafill-crawler/internal/metrics"
)

func newPlanCmd() *cobra.Command {
	var (
		sources []string
		dates   []string
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show partitions that are still below quota",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, _, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			selected, err := selectSources(cmd, sources, dates)
			if err != nil {
				return err
			}
			planner := appInstance.Planner(selected)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SOURCE\tDATE\tQUOTA\tUSABLE\tPENDING\tREMAINING")
			for _, src := range selected {
				statuses, err := planner.Statuses(cmd.Context(), src.Name)
				if err != nil {
					return fmt.Errorf("plan %s: %w", src.Name, err)
				}
				open := 0
				for _, st := range statuses {
					if st.Remaining > 0 {
						open++
					} else if !all {
						continue
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
						src.Name, st.Key.DateString(), src.Quota, st.Usable, st.Pending, st.Remaining)
				}
				metrics.SetOpenPartitions(src.Name, open)
				_, _ = fmt.Fprintf(w, "%s\ttotal\t\t\t\t%d of %d open\n", src.Name, open, len(statuses))
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("write plan: %w", err)
			}
			return nil
		},
	}
	addSelectionFlags(cmd, &sources, &dates)
	cmd.Flags().BoolVar(&all, "all", false, "include partitions that already met quota")
	return cmd
}
