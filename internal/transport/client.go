package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ErrStatus is matched by every StatusError.
var ErrStatus = errors.New("unexpected response status")

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Ack is the server's acknowledgement of a send.
type Ack struct {
	ServerID  string
	CreatedAt int64
}

// Client talks to the chat server's HTTP endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for baseURL.
func New(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	LocalID     string   `json:"localId"`
	Body        string   `json:"body"`
	ThreadID    string   `json:"threadId"`
	ThreadKind  string   `json:"threadKind"`
	ReplyToID   string   `json:"replyToId,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Send posts a message. Any transport error or non-2xx response is a
// send failure.
func (c *Client) Send(ctx context.Context, msg store.Message) (Ack, error) {
	payload, err := json.Marshal(sendRequest{
		LocalID:     msg.LocalID,
		Body:        msg.Body,
		ThreadID:    msg.Thread.ID,
		ThreadKind:  string(msg.Thread.Kind),
		ReplyToID:   msg.ReplyToID,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("encode send: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/messages", nil, payload)
	if err != nil {
		return Ack{}, err
	}
	r := gjson.ParseBytes(body)
	if data := r.Get("data"); data.IsObject() {
		r = data
	}
	ack := Ack{
		ServerID:  First(r, serverIDPaths...).String(),
		CreatedAt: Timestamp(First(r, createdAtPaths...)),
	}
	if ack.ServerID == "" {
		return Ack{}, fmt.Errorf("send %q: response carries no server id", msg.LocalID)
	}
	return ack, nil
}

// ListThreads returns the threads the local user participates in.
func (c *Client) ListThreads(ctx context.Context) ([]store.Thread, error) {
	body, err := c.do(ctx, http.MethodGet, "/threads", nil, nil)
	if err != nil {
		return nil, err
	}
	var threads []store.Thread
	for _, r := range decodeList(body, "threads", "data") {
		t := store.Thread{
			Key: store.ThreadKey{
				ID:   First(r, "id", "threadId", "thread_id").String(),
				Kind: ParseThreadKind(First(r, "kind", "type", "threadKind").String()),
			},
			Title:         First(r, "title", "name").String(),
			LastMessageAt: Timestamp(First(r, "lastMessageAt", "last_message_at", "updatedAt")),
		}
		if t.Key.ID == "" || !t.Key.Kind.Valid() {
			c.logger.Warn("skipping malformed thread", zap.String("raw", r.Raw))
			continue
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// Pull fetches up to limit messages of a thread created after the given
// unix millisecond timestamp, oldest first.
func (c *Client) Pull(ctx context.Context, thread store.ThreadKey, after int64, limit int) ([]store.Message, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(limit))
	path := "/threads/" + url.PathEscape(string(thread.Kind)) + "/" + url.PathEscape(thread.ID) + "/messages"

	body, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, err
	}
	var msgs []store.Message
	for _, r := range decodeList(body, "messages", "data") {
		m := DecodeMessage(r)
		if m.ServerID == "" {
			c.logger.Warn("skipping server message without id", zap.String("thread", thread.String()))
			continue
		}
		m.Thread = thread
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
