package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"visionforge/internal/daemonctl"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				sent, message, err := client.TestNotification(cmd.Context())
				if err != nil {
					return err
				}
				if !sent {
					fmt.Fprintf(cmd.OutOrStdout(), "Not sent: %s\n", message)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), message)
				return nil
			})
		},
	}
}
