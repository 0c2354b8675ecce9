package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/openclaw/g2gateway/internal/openclaw"
)

// SendFrame delivers one outbound frame to the client. Implementations
// validate and serialize; an error means the frame was not sent.
type SendFrame func(frame map[string]any) error

// ResponseHandler produces the response phase for one user message. Handle
// emits its own status=streaming, assistant, and end frames through send;
// the session wraps the call in the agent-cycle timeout and owns the
// surrounding thinking/idle status frames. Close releases any connection
// the handler holds so the next request starts fresh.
type ResponseHandler interface {
	Handle(ctx context.Context, message string, send SendFrame) error
	Close()
}

// mockDeltas is the canned response streamed when no upstream is configured.
var mockDeltas = []string{
	"This is a ",
	"mock response ",
	"from the gateway.",
}

// MockHandler streams a fixed three-delta response. It is the default
// handler when no upstream agent token is configured.
type MockHandler struct{}

// Handle emits the canned delta sequence after a short think pause.
func (MockHandler) Handle(ctx context.Context, _ string, send SendFrame) error {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := send(map[string]any{"type": "status", "status": "streaming"}); err != nil {
		return err
	}
	for _, delta := range mockDeltas {
		if err := send(map[string]any{"type": "assistant", "delta": delta}); err != nil {
			return err
		}
	}
	return send(map[string]any{"type": "end"})
}

// Close is a no-op for the mock handler.
func (MockHandler) Close() {}

// AgentHandler forwards messages to the OpenClaw agent service and relays
// the streamed deltas back to the client.
type AgentHandler struct {
	client *openclaw.Client
}

// NewAgentHandler wraps an OpenClaw client in a ResponseHandler.
func NewAgentHandler(client *openclaw.Client) *AgentHandler {
	return &AgentHandler{client: client}
}

// Handle sends the message upstream, then relays each assistant delta until
// the run's lifecycle end. Upstream failures surface as errors wrapping
// [openclaw.ErrAgent].
func (h *AgentHandler) Handle(ctx context.Context, message string, send SendFrame) error {
	stream, err := h.client.SendMessage(ctx, message, "")
	if err != nil {
		return err
	}

	if err := send(map[string]any{"type": "status", "status": "streaming"}); err != nil {
		return err
	}

	for {
		delta, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := send(map[string]any{"type": "assistant", "delta": delta}); err != nil {
			return err
		}
	}

	return send(map[string]any{"type": "end"})
}

// Close shuts down the underlying OpenClaw connection.
func (h *AgentHandler) Close() {
	h.client.Close()
}
