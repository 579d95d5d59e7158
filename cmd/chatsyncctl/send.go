package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/spf13/cobra"
)

var (
	sendReplyTo     string
	sendAttachments []string
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().StringSliceVar(&sendAttachments, "attach", nil, "attachment reference (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <thread> <text...>",
	Short: "Queue a message for sending",
	Long:  "Stores the message locally as pending and returns immediately.\nThe daemon delivers it when the server is reachable.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, err := parseThread(args[0])
		if err != nil {
			return err
		}
		body := strings.Join(args[1:], " ")
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.SendMessage(ctx, thread, body, chat.SendOptions{ReplyToID: sendReplyTo, Attachments: sendAttachments})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			f := resp.AsMap()
			fmt.Printf("Queued %s in %s (%s)\n", str(f, "localId"), thread, str(f, "status"))
			return nil
		})
	},
}
