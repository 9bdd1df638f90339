package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"misskeybot/internal/app"
	"misskeybot/internal/event"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print processed-event ledger statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.LedgerStats(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			cats := make([]event.Category, 0, len(st.Counts))
			for c := range st.Counts {
				cats = append(cats, c)
			}
			sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
			for _, c := range cats {
				fmt.Fprintf(out, "%-10s %s\n", c, humanize.Comma(st.Counts[c]))
			}
			if !st.Oldest.IsZero() {
				fmt.Fprintf(out, "oldest     %s\n", humanize.Time(st.Oldest))
				fmt.Fprintf(out, "newest     %s\n", humanize.Time(st.Newest))
			}
			fmt.Fprintf(out, "plugin kv  %s\n", humanize.Comma(st.PluginKeys))
			return nil
		},
	})
}
