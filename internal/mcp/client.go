// Package mcp is a minimal MCP client over the SSE transport: a long-lived
// event stream carries JSON-RPC responses for requests POSTed to the endpoint
// the server announces.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const protocolVersion = "2024-11-05"

var (
	// ErrClosed is returned for calls on a closed client.
	ErrClosed = errors.New("mcp client closed")
	// ErrNotConnected is returned before Connect succeeds.
	ErrNotConnected = errors.New("mcp client not connected")
)

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Content is one item of a tools/call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the decoded tools/call result.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Text joins the text items of the result.
func (r *CallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

type rpcReply struct {
	result json.RawMessage
	err    *RPCError
}

// Client connects to one MCP server.
type Client struct {
	name    string
	sseURL  string
	rpcURL  string
	timeout time.Duration
	http    *http.Client

	mu      sync.Mutex
	tools   []ToolInfo
	pending map[int64]chan rpcReply
	closed  bool
	cancel  context.CancelFunc

	nextID atomic.Int64
	logger *zap.Logger
}

// NewClient creates a client for the given SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		sseURL:  sseURL,
		timeout: 30 * time.Second,
		http:    &http.Client{},
		pending: make(map[int64]chan rpcReply),
		logger:  logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// ListTools returns the tools discovered at connect time.
func (c *Client) ListTools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolInfo, len(c.tools))
	copy(out, c.tools)
	return out
}

// Connect opens the event stream, waits for the endpoint announcement,
// performs the initialize handshake and fetches the tool list.
func (c *Client) Connect(ctx context.Context) error {
	sseCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	endpoint, err := readEvent(scanner, "endpoint")
	if err != nil {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp endpoint event: %w", err)
	}
	rpcURL, err := c.resolveURL(endpoint)
	if err != nil {
		resp.Body.Close()
		cancel()
		return err
	}

	c.mu.Lock()
	c.rpcURL = rpcURL
	c.cancel = cancel
	c.mu.Unlock()
	c.logger.Info("MCP endpoint discovered", zap.String("name", c.name), zap.String("rpc", rpcURL))

	go c.readSSE(resp.Body, scanner)

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp initialize: %w", err)
	}
	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("MCP tools discovered", zap.String("name", c.name), zap.Int("count", len(c.ListTools())))
	return nil
}

func readEvent(scanner *bufio.Scanner, want string) (string, error) {
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event == want {
				return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("stream ended without %s event", want)
}

func (c *Client) resolveURL(endpoint string) (string, error) {
	base, err := url.Parse(c.sseURL)
	if err != nil {
		return "", fmt.Errorf("parse sse url: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readSSE dispatches "message" events to waiting callers until the stream ends.
func (c *Client) readSSE(body io.ReadCloser, scanner *bufio.Scanner) {
	defer body.Close()
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event == "message" || event == "" {
				c.dispatch([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
			}
			event = ""
		}
	}
	c.logger.Debug("MCP event stream ended", zap.String("name", c.name))
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		ID     *int64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.ID == nil {
		c.logger.Debug("mcp: ignoring non-response event")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*envelope.ID]
	delete(c.pending, *envelope.ID)
	c.mu.Unlock()
	if ok {
		ch <- rpcReply{result: envelope.Result, err: envelope.Error}
	}
}

func (c *Client) post(ctx context.Context, body any) error {
	c.mu.Lock()
	rpcURL, closed := c.rpcURL, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if rpcURL == "" {
		return ErrNotConnected
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal rpc: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send rpc: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	err := c.post(ctx, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

func (c *Client) initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "cot-agent", "version": "1.0.0"},
	})
	if err != nil {
		return err
	}
	return c.post(ctx, map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", name, err)
	}
	var out CallResult
	if err := json.Unmarshal(result, &out); err != nil {
		return &CallResult{Content: []Content{{Type: "text", Text: string(result)}}}, nil
	}
	return &out, nil
}

// Close shuts down the event stream and fails pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return nil
}
