package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	profileFlag string
	jsonOutput  bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "chatsyncctl",
	Short:         "Control a running chatsyncd",
	Long:          "Command-line client for the chatsync daemon.\nSends messages, inspects threads, and forces syncs over the profile's control socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withClient dials the resolved profile's daemon and runs fn with a
// request-scoped context.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

// parseThread accepts "direct:<id>", "group:<id>", or a bare id for a
// direct conversation.
func parseThread(arg string) (store.ThreadKey, error) {
	key := store.ThreadKey{Kind: store.DirectConversation, ID: arg}
	if kind, id, ok := strings.Cut(arg, ":"); ok {
		key = store.ThreadKey{Kind: store.ThreadKind(kind), ID: id}
	}
	if key.ID == "" || !key.Kind.Valid() {
		return key, fmt.Errorf("invalid thread %q: want direct:<id> or group:<id>", arg)
	}
	return key, nil
}

func outputJSON(s *structpb.Struct) {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func str(f map[string]any, key string) string {
	v, _ := f[key].(string)
	return v
}

func num(f map[string]any, key string) int64 {
	v, _ := f[key].(float64)
	return int64(v)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func printMessage(m map[string]any) {
	id := str(m, "serverId")
	if id == "" {
		id = "(" + str(m, "localId") + ")"
	}
	fmt.Printf("%s  %-10s %-9s %s: %s\n", formatMillis(num(m, "createdAt")), id, str(m, "status"), str(m, "senderId"), str(m, "body"))
}
