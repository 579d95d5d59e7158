package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(retryCmd)
}

var retryCmd = &cobra.Command{
	Use:   "retry <local-id>",
	Short: "Re-queue a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.RetryMessage(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Re-queued %s (%s)\n", args[0], str(resp.AsMap(), "status"))
			return nil
		})
	},
}
