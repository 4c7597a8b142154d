package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"daynews/internal/app"
	"daynews/pkg/logx"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print stored subscriber schedules",
	Long: `Print every stored schedule.

With the file driver run this while the bot is stopped; the running bot
owns the journal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		recs, err := app.ListSchedules(cmd.Context(), cfgPath, logx.NewConsole("WARN"))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SUBSCRIBER\tTIME\tSTATE\tLAST DELIVERED")
		for _, r := range recs {
			state := "stopped"
			if r.Active {
				state = "active"
			}
			last := "-"
			if !r.LastDelivered.IsZero() {
				last = r.LastDelivered.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.SubscriberID, r.FireTime, state, last)
		}
		return w.Flush()
	},
}
