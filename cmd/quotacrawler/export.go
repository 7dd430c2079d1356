package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

func newExportCmd() *cobra.Command {
	var (
		sources []string
		dates   []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored articles as JSON lines with keyword flags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, _, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			selected, err := selectSources(cmd, sources, dates)
			if err != nil {
				return err
			}
			exporter, err := appInstance.Exporter(cmd.Context())
			if err != nil {
				return err
			}
			var keys []scheduler.PartitionKey
			for _, src := range selected {
				keys = append(keys, src.Partitions()...)
			}
			res, err := exporter.Export(cmd.Context(), keys)
			if err != nil {
				return fmt.Errorf("export articles: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "exported %d articles from %d partitions\n", res.Articles, res.Partitions)
			names := make([]string, 0, len(res.Flagged))
			for name := range res.Flagged {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				_, _ = fmt.Fprintf(out, "%s: %d of %d articles\n", name, res.Flagged[name], res.Articles)
			}
			return nil
		},
	}
	addSelectionFlags(cmd, &sources, &dates)
	return cmd
}
