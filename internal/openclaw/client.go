// Package openclaw implements the duplex client for the upstream OpenClaw
// agent service.
//
// The wire protocol is framed JSON over a persistent WebSocket. Every message
// carries type ∈ {req, res, event}. The client issues requests with monotonic
// positive IDs (reset to 1 on each fresh connection) and matches each res by
// ID; event messages are server-pushed and correlate to the active agent run
// rather than to a request. This is deliberately not a pooled RPC layer: one
// request is in flight at a time, followed by the run's event stream.
package openclaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultSessionKey identifies the gateway's agent conversation upstream.
const DefaultSessionKey = "agent:claw:g2"

const (
	// handshakeTimeout bounds the wait for the connect response.
	handshakeTimeout = 10 * time.Second

	// responseTimeout bounds the wait for the res matching an agent request.
	responseTimeout = 10 * time.Second
)

// ErrAgent is the sentinel all upstream failures wrap: connection errors,
// handshake rejection, malformed or mismatched responses, agent-reported
// run errors, and premature disconnects.
var ErrAgent = errors.New("openclaw error")

// message is the on-the-wire JSON shape shared by req, res, and event frames.
type message struct {
	Type    string          `json:"type"`
	ID      int             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// eventPayload is the payload of an agent event.
type eventPayload struct {
	Stream string `json:"stream"`
	Delta  string `json:"delta,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client is a stateful WebSocket client for the OpenClaw agent service.
// Connection is lazy: the socket is opened and authenticated on the first
// request and reused until a failure marks it dead. Methods are safe for
// concurrent use, but the protocol allows only one in-flight request (and
// one active [DeltaStream]) per connection; the session runtime serializes.
type Client struct {
	host  string
	port  int
	token string

	mu        sync.Mutex
	conn      *websocket.Conn
	nextID    int
	connected bool
}

// New creates a client for the agent service at host:port. No connection is
// made until the first request.
func New(host string, port int, token string) *Client {
	return &Client{host: host, port: port, token: token, nextID: 1}
}

// URL returns the WebSocket URL the client dials.
func (c *Client) URL() string {
	return fmt.Sprintf("ws://%s:%d", c.host, c.port)
}

// takeNextID returns the next request ID. Callers hold c.mu.
func (c *Client) takeNextID() int {
	id := c.nextID
	c.nextID++
	return id
}

// EnsureConnected opens and authenticates the upstream connection if needed.
// Idempotent: a live authenticated connection is left untouched. On any
// handshake failure the socket is closed and the call fails with [ErrAgent].
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked(ctx)
}

func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	if c.connected && c.conn != nil {
		return nil
	}

	// Drop any stale socket before reconnecting.
	c.closeLocked()

	// Fresh connection, fresh ID space.
	c.nextID = 1

	conn, _, err := websocket.Dial(ctx, c.URL(), nil)
	if err != nil {
		return fmt.Errorf("%w: connection refused: %v", ErrAgent, err)
	}
	c.conn = conn

	authID := c.takeNextID()
	authReq := message{
		Type:   "req",
		ID:     authID,
		Method: "connect",
		Params: map[string]any{"auth": map[string]any{"token": c.token}},
	}

	resp, err := c.roundTripLocked(ctx, authReq, handshakeTimeout)
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("%w: auth handshake failed: %v", ErrAgent, err)
	}
	if resp.Type != "res" || resp.ID != authID {
		c.closeLocked()
		return fmt.Errorf("%w: unexpected auth response (type=%s id=%d)", ErrAgent, resp.Type, resp.ID)
	}
	if !resp.OK {
		c.closeLocked()
		reason := resp.Error
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Errorf("%w: auth rejected: %s", ErrAgent, reason)
	}

	c.connected = true
	slog.Info("connected and authenticated to openclaw", "url", c.URL())
	return nil
}

// roundTripLocked sends req and reads the next message within timeout.
// Callers hold c.mu.
func (c *Client) roundTripLocked(ctx context.Context, req message, timeout time.Duration) (message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(req)
	if err != nil {
		return message{}, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return message{}, fmt.Errorf("send request: %w", err)
	}

	_, raw, err := c.conn.Read(ctx)
	if err != nil {
		return message{}, fmt.Errorf("read response: %w", err)
	}
	var resp message
	if err := json.Unmarshal(raw, &resp); err != nil {
		return message{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// SendMessage forwards text to the agent and returns a [DeltaStream] over
// the run's assistant deltas. It connects lazily, assigns the next request
// ID, and waits for the accepting res. Any send/receive failure, response
// mismatch, or ok=false marks the connection dead and fails with [ErrAgent].
//
// sessionKey selects the upstream conversation; pass "" for
// [DefaultSessionKey].
func (c *Client) SendMessage(ctx context.Context, text, sessionKey string) (*DeltaStream, error) {
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}

	reqID := c.takeNextID()
	agentReq := message{
		Type:   "req",
		ID:     reqID,
		Method: "agent",
		Params: map[string]any{"message": text, "sessionKey": sessionKey},
	}

	resp, err := c.roundTripLocked(ctx, agentReq, responseTimeout)
	if err != nil {
		c.connected = false
		return nil, fmt.Errorf("%w: no response to agent request: %v", ErrAgent, err)
	}
	if resp.Type != "res" || resp.ID != reqID {
		c.connected = false
		return nil, fmt.Errorf("%w: unexpected agent response (type=%s id=%d)", ErrAgent, resp.Type, resp.ID)
	}
	if !resp.OK {
		c.connected = false
		reason := resp.Error
		if reason == "" {
			reason = "unknown error"
		}
		return nil, fmt.Errorf("%w: agent request rejected: %s", ErrAgent, reason)
	}

	return &DeltaStream{client: c, conn: c.conn}, nil
}

// Close shuts the upstream socket down and marks the client disconnected.
// Idempotent; never fails.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// closeLocked closes the socket if present. Callers hold c.mu.
func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "client closed")
		c.conn = nil
	}
	c.connected = false
}

// Connected reports whether an authenticated upstream connection is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// markDead flags the connection for reconnection on the next request.
func (c *Client) markDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// DeltaStream is a lazy iterator over the assistant deltas of one agent run.
// It owns the connection's read loop until the run ends; exactly one stream
// may be active per connection.
type DeltaStream struct {
	client *Client
	conn   *websocket.Conn
	done   bool
}

// Next returns the next non-empty assistant delta. It returns [io.EOF]
// after the run's lifecycle end event, and an error wrapping [ErrAgent] when
// the agent reports a run error or the connection drops before the run ends.
// Tool and other unrecognized streams are skipped.
func (s *DeltaStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			s.done = true
			s.client.markDead()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: disconnected: %v", ErrAgent, err)
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("malformed openclaw message", "bytes", len(raw))
			continue
		}
		if msg.Type != "event" || msg.Event != "agent" {
			continue
		}

		var payload eventPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				slog.Warn("malformed openclaw event payload", "bytes", len(msg.Payload))
				continue
			}
		}

		switch payload.Stream {
		case "assistant":
			if payload.Delta != "" {
				return payload.Delta, nil
			}
		case "lifecycle":
			switch payload.Phase {
			case "end":
				s.done = true
				return "", io.EOF
			case "error":
				s.done = true
				detail := payload.Error
				if detail == "" {
					detail = "agent error"
				}
				return "", fmt.Errorf("%w: agent error: %s", ErrAgent, detail)
			}
		}
		// tool and other streams are intentionally ignored
	}
}
