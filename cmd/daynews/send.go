package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"daynews/internal/app"
	"daynews/pkg/logx"
)

var sendCmd = &cobra.Command{
	Use:   "send <subscriber-id>",
	Short: "Deliver today's news to one chat now",
	Long: `Fetch today's image and send it to one chat without touching its schedule.

The subscriber id is "<chat_id>" or "<chat_id>/<thread_id>" for forum topics.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.DeliverOnce(cmd.Context(), cfgPath, args[0], logx.NewConsole("WARN")); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent to", args[0])
		return nil
	},
}
