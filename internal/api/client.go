package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's ChatSync service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "GetStatus", nil)
}

func (c *Client) SendMessage(ctx context.Context, thread store.ThreadKey, body string, opts chat.SendOptions) (*structpb.Struct, error) {
	args := threadArgs(thread)
	args["body"] = body
	if opts.ReplyToID != "" {
		args["replyToId"] = opts.ReplyToID
	}
	if len(opts.Attachments) > 0 {
		list := make([]any, 0, len(opts.Attachments))
		for _, a := range opts.Attachments {
			list = append(list, a)
		}
		args["attachments"] = list
	}
	return c.call(ctx, "SendMessage", args)
}

func (c *Client) LoadThread(ctx context.Context, thread store.ThreadKey, limit int) (*structpb.Struct, error) {
	args := threadArgs(thread)
	args["limit"] = limit
	return c.call(ctx, "LoadThread", args)
}

func (c *Client) ListThreads(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "ListThreads", nil)
}

// ForceSync asks the daemon for an immediate sync, letting it wait up to
// wait for connectivity.
func (c *Client) ForceSync(ctx context.Context, wait time.Duration) (*structpb.Struct, error) {
	return c.call(ctx, "ForceSync", map[string]any{"waitMs": wait.Milliseconds()})
}

func (c *Client) RetryMessage(ctx context.Context, localID string) (*structpb.Struct, error) {
	return c.call(ctx, "RetryMessage", map[string]any{"localId": localID})
}

// WatchEvents streams events under namespace to fn until ctx is done, the
// daemon closes the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
