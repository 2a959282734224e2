package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martinemde/streamloop/unifiedllm"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List the models in the built-in catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := ""
			if len(args) == 1 {
				provider = args[0]
			}
			models := unifiedllm.ListModels(provider)
			if len(models) == 0 {
				return fmt.Errorf("no models for provider %q", provider)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tSHAPE\tCONTEXT\tMAX OUTPUT\tTOOLS")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\n",
					m.ID, m.Provider, unifiedllm.ShapeForProvider(m.Provider),
					m.ContextWindow, m.MaxOutput, m.SupportsTools)
			}
			return w.Flush()
		},
	}
}
