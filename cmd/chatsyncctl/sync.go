package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

var syncWait time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncWait, "wait", 0, "wait up to this long for connectivity (0 fails fast when offline)")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Flush the outbound queue and pull every thread now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncWait >= timeoutFlag {
			timeoutFlag = syncWait + 10*time.Second
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ForceSync(ctx, syncWait)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Synced. %d message(s) still pending.\n", num(resp.AsMap(), "pending"))
			return nil
		})
	},
}
