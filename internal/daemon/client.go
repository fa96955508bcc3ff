package daemon

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
	"github.com/Aman-CERP/cardindex/internal/store"
)

// Client talks to a running daemon. Each call opens one connection.
type Client struct {
	socketPath   string
	timeout      time.Duration
	sweepTimeout time.Duration
	requestID    atomic.Uint64
}

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		socketPath:   cfg.SocketPath,
		timeout:      timeout,
		sweepTimeout: cfg.SweepTimeout,
	}
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var res PingResult
	return c.call(ctx, MethodPing, nil, &res)
}

// Status retrieves daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var status StatusResult
	if err := c.call(ctx, MethodStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Enqueue asks the daemon to index or remove a participant.
func (c *Client) Enqueue(ctx context.Context, params EnqueueParams) (*EnqueueResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	var res EnqueueResult
	if err := c.call(ctx, MethodEnqueue, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RetryList returns the retry list.
func (c *Client) RetryList(ctx context.Context) ([]pipeline.RetryEntry, error) {
	var entries []pipeline.RetryEntry
	err := c.call(ctx, MethodRetryList, nil, &entries)
	return entries, err
}

// RetryDelete removes a retry entry and releases its identity.
func (c *Client) RetryDelete(ctx context.Context, params IdentityParams) (bool, error) {
	var res DeleteResult
	err := c.call(ctx, MethodRetryDel, params, &res)
	return res.Deleted, err
}

// RetryRun runs a retry sweep now.
func (c *Client) RetryRun(ctx context.Context) (*pipeline.RetrySummary, error) {
	var sum pipeline.RetrySummary
	if err := c.call(ctx, MethodRetryRun, nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// DeadList returns the dead list.
func (c *Client) DeadList(ctx context.Context) ([]pipeline.DeadEntry, error) {
	var entries []pipeline.DeadEntry
	err := c.call(ctx, MethodDeadList, nil, &entries)
	return entries, err
}

// DeadDelete removes a dead list record.
func (c *Client) DeadDelete(ctx context.Context, params IdentityParams) (bool, error) {
	var res DeleteResult
	err := c.call(ctx, MethodDeadDel, params, &res)
	return res.Deleted, err
}

// ExpireRun runs an expiry sweep now.
func (c *Client) ExpireRun(ctx context.Context) ([]pipeline.DeadEntry, error) {
	var res ExpireResult
	err := c.call(ctx, MethodExpireRun, nil, &res)
	return res.Expired, err
}

// Search sends a search request to the daemon.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]store.SearchResult, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var results []store.SearchResult
	err := c.call(ctx, MethodSearch, params, &results)
	return results, err
}

// Card fetches one indexed document.
func (c *Client) Card(ctx context.Context, participantID string) (*store.Document, error) {
	var doc store.Document
	if err := c.call(ctx, MethodCardGet, CardParams{ParticipantID: participantID}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// call performs one request/response round trip and decodes the result
// into out. Errors that carry a cardindex code come back as IndexErrors.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	// Set deadline from context or timeout
	deadline := time.Now().Add(callTimeout(method, c.timeout, c.sweepTimeout))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID(),
	}
	if err := c.send(conn, req); err != nil {
		return err
	}

	resp, err := c.receive(conn)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		if resp.Error.Data != "" {
			return cierrors.New(resp.Error.Data, resp.Error.Message, resp.Error)
		}
		return fmt.Errorf("%s failed: %w", method, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := decodeParams(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// send encodes and writes a request to the connection.
func (c *Client) send(conn net.Conn, req Request) error {
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// receive reads and decodes a response from the connection.
func (c *Client) receive(conn net.Conn) (*Response, error) {
	decoder := json.NewDecoder(conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}
	return &resp, nil
}

// nextID generates a unique request ID.
func (c *Client) nextID() string {
	id := c.requestID.Add(1)
	return fmt.Sprintf("req-%d", id)
}
