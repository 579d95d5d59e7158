package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connectivity and queue status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			f := resp.AsMap()
			conn, _ := f["connectivity"].(map[string]any)
			online, _ := conn["online"].(bool)

			fmt.Printf("Profile:      %s\n", str(f, "profile"))
			fmt.Printf("Uptime:       %s\n", (time.Duration(num(f, "uptimeMs")) * time.Millisecond).Round(time.Second))
			fmt.Printf("Online:       %v (%s, %dms)\n", online, str(conn, "quality"), num(conn, "latencyMs"))
			fmt.Printf("Last probe:   %s\n", formatMillis(num(conn, "checkedAt")))
			fmt.Printf("Pending:      %d\n", num(f, "pending"))
			fmt.Printf("Messages:     %d\n", num(f, "messages"))
			fmt.Printf("Threads:      %d\n", num(f, "threads"))
			if d := num(f, "droppedEvents"); d > 0 {
				fmt.Printf("Dropped evts: %d\n", d)
			}
			return nil
		})
	},
}
