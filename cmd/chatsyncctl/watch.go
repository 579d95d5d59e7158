package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

var watchNamespace string

func init() {
	watchCmd.Flags().StringVar(&watchNamespace, "ns", "", `event namespace prefix, e.g. "message." or "error." (default all)`)
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := profile.Resolve(profileFlag)
		if err := profile.ValidateName(name); err != nil {
			return err
		}
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
		}
		defer func() { _ = c.Close() }()

		// Streams are not bounded by --timeout.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err = c.WatchEvents(ctx, watchNamespace, func(evt *structpb.Struct) error {
			if jsonOutput {
				outputJSON(evt)
				return nil
			}
			f := evt.AsMap()
			payload, _ := f["payload"].(map[string]any)
			fmt.Printf("%s  %-22s %v\n", formatMillis(num(f, "occurredAtUnixMs")), str(f, "kind"), payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}
