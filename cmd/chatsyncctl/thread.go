package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

var threadLimit int

func init() {
	threadCmd.Flags().IntVarP(&threadLimit, "limit", "n", 50, "number of newest messages to show")
	rootCmd.AddCommand(threadCmd, threadsCmd)
}

var threadCmd = &cobra.Command{
	Use:   "thread <thread>",
	Short: "Show cached messages of a thread",
	Long:  "Prints the locally cached messages, oldest first.\nThe daemon pulls newer ones in the background if the server is reachable.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, err := parseThread(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.LoadThread(ctx, thread, threadLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			f := resp.AsMap()
			msgs, _ := f["messages"].([]any)
			if len(msgs) == 0 {
				fmt.Println("No messages.")
			}
			for _, m := range msgs {
				if fields, ok := m.(map[string]any); ok {
					printMessage(fields)
				}
			}
			fmt.Printf("\nLast synced: %s\n", formatMillis(num(f, "lastSyncedAt")))
			return nil
		})
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List cached threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListThreads(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			threads, _ := resp.AsMap()["threads"].([]any)
			if len(threads) == 0 {
				fmt.Println("No threads.")
				return nil
			}
			for _, t := range threads {
				f, _ := t.(map[string]any)
				fmt.Printf("%-6s %-24s %-20s %s\n", str(f, "threadKind"), str(f, "threadId"), str(f, "title"), formatMillis(num(f, "lastMessageAt")))
			}
			return nil
		})
	},
}
