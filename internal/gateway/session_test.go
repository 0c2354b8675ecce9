package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/openclaw/g2gateway/internal/gateway"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// dialSession starts an in-process gateway session (no auth gate) and returns
// a connected client socket.
func dialSession(t *testing.T, handler gateway.ResponseHandler, opts ...gateway.SessionOption) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = gateway.NewSession(conn, handler, opts...).Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(testCtx(t), wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// recvFrame reads and decodes the next outbound frame.
func recvFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("recvFrame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("recvFrame decode: %v", err)
	}
	return frame
}

// expectFrame reads the next frame and asserts its type.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	frame := recvFrame(t, conn)
	if frame["type"] != wantType {
		t.Fatalf("frame = %v, want type %q", frame, wantType)
	}
	return frame
}

// expectStatus reads the next frame and asserts it is the given status.
func expectStatus(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	frame := expectFrame(t, conn, "status")
	if frame["status"] != want {
		t.Fatalf("status = %v, want %q", frame["status"], want)
	}
}

// expectError reads the next frame and asserts code and detail.
func expectError(t *testing.T, conn *websocket.Conn, wantCode, wantDetail string) {
	t.Helper()
	frame := expectFrame(t, conn, "error")
	if frame["code"] != wantCode {
		t.Errorf("error code = %v, want %q", frame["code"], wantCode)
	}
	if wantDetail != "" && frame["detail"] != wantDetail {
		t.Errorf("error detail = %v, want %q", frame["detail"], wantDetail)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("sendJSON: %v", err)
	}
}

func sendBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("sendBinary: %v", err)
	}
}

// greeting consumes the connected + initial idle frames every session emits.
func greeting(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	frame := expectFrame(t, conn, "connected")
	if frame["version"] != "1.0" {
		t.Errorf("version = %v, want 1.0", frame["version"])
	}
	expectStatus(t, conn, "idle")
}

// fakeTranscriber returns a fixed result or error.
type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, samples []float32, _, _ int) (string, error) {
	if len(samples) == 0 {
		return "", errors.New("no samples delivered")
	}
	return f.text, f.err
}

// funcHandler adapts a function to gateway.ResponseHandler.
type funcHandler struct {
	fn     func(ctx context.Context, message string, send gateway.SendFrame) error
	closed atomic.Int32
}

func (h *funcHandler) Handle(ctx context.Context, message string, send gateway.SendFrame) error {
	return h.fn(ctx, message, send)
}

func (h *funcHandler) Close() { h.closed.Add(1) }

// ── Text path ─────────────────────────────────────────────────────────────────

func TestSession_TextHappyPath(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	sendJSON(t, conn, map[string]any{"type": "text", "message": "hello"})

	expectStatus(t, conn, "thinking")
	expectStatus(t, conn, "streaming")

	var reply strings.Builder
	for range 3 {
		frame := expectFrame(t, conn, "assistant")
		reply.WriteString(frame["delta"].(string))
	}
	expectFrame(t, conn, "end")
	expectStatus(t, conn, "idle")

	want := "This is a mock response from the gateway."
	if reply.String() != want {
		t.Errorf("reply = %q, want %q", reply.String(), want)
	}
}

func TestSession_HandlerErrorStillEndsIdle(t *testing.T) {
	t.Parallel()
	handler := &funcHandler{fn: func(context.Context, string, gateway.SendFrame) error {
		return errors.New("boom")
	}}
	conn := dialSession(t, handler)
	greeting(t, conn)

	sendJSON(t, conn, map[string]any{"type": "text", "message": "hello"})
	expectStatus(t, conn, "thinking")
	expectError(t, conn, "openclaw-error", "Response processing failed")
	expectStatus(t, conn, "idle")
}

func TestSession_AgentTimeout(t *testing.T) {
	t.Parallel()
	handler := &funcHandler{fn: func(ctx context.Context, _ string, _ gateway.SendFrame) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	conn := dialSession(t, handler, gateway.WithAgentTimeout(100*time.Millisecond))
	greeting(t, conn)

	sendJSON(t, conn, map[string]any{"type": "text", "message": "hello"})
	expectStatus(t, conn, "thinking")
	expectError(t, conn, "timeout", "Agent cycle exceeded 0s timeout")
	expectStatus(t, conn, "idle")

	// The session must be usable again after the timeout.
	sendJSON(t, conn, map[string]any{"type": "stop_audio"})
	expectError(t, conn, "invalid-state", "Cannot stop audio — not recording")
}

// ── Frame validation ──────────────────────────────────────────────────────────

func TestSession_InvalidFrames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		send       any
		wantCode   string
		wantDetail string
	}{
		{"unknown type", map[string]any{"type": "bogus"}, "invalid-frame", "Unknown frame type: bogus"},
		{"missing message", map[string]any{"type": "text"}, "invalid-frame", "Frame type 'text' missing required field 'message'"},
		{"late auth", map[string]any{"type": "auth", "token": "x"}, "invalid-frame", "Unhandled frame type: auth"},
		{"stop while idle", map[string]any{"type": "stop_audio"}, "invalid-state", "Cannot stop audio — not recording"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conn := dialSession(t, gateway.MockHandler{})
			greeting(t, conn)
			sendJSON(t, conn, tt.send)
			expectError(t, conn, tt.wantCode, tt.wantDetail)
		})
	}
}

func TestSession_MalformedJSON(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	expectError(t, conn, "invalid-frame", "Invalid JSON frame")
}

// ── Voice path ────────────────────────────────────────────────────────────────

func startRecording(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendJSON(t, conn, map[string]any{
		"type": "start_audio", "sampleRate": 16000, "channels": 1, "sampleWidth": 2,
	})
	expectStatus(t, conn, "recording")
}

func TestSession_VoiceHappyPath(t *testing.T) {
	t.Parallel()
	stt := &fakeTranscriber{text: "hello world"}
	conn := dialSession(t, gateway.MockHandler{}, gateway.WithTranscriber(stt))
	greeting(t, conn)

	startRecording(t, conn)
	sendBinary(t, conn, make([]byte, 3200))
	sendBinary(t, conn, make([]byte, 3200))
	sendJSON(t, conn, map[string]any{"type": "stop_audio"})

	expectStatus(t, conn, "transcribing")
	frame := expectFrame(t, conn, "transcription")
	if frame["text"] != "hello world" {
		t.Errorf("transcription = %v, want %q", frame["text"], "hello world")
	}
	expectStatus(t, conn, "thinking")
	expectStatus(t, conn, "streaming")
	for range 3 {
		expectFrame(t, conn, "assistant")
	}
	expectFrame(t, conn, "end")
	expectStatus(t, conn, "idle")
}

func TestSession_StartAudioFormatValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		frame      map[string]any
		wantDetail string
	}{
		{
			"bad width",
			map[string]any{"type": "start_audio", "sampleRate": 16000, "channels": 1, "sampleWidth": 1},
			"Unsupported sample width: 1 (only 16-bit PCM supported)",
		},
		{
			"rate too low",
			map[string]any{"type": "start_audio", "sampleRate": 4000, "channels": 1, "sampleWidth": 2},
			"Invalid sample rate: 4000 (expected 8000-48000)",
		},
		{
			"rate too high",
			map[string]any{"type": "start_audio", "sampleRate": 96000, "channels": 1, "sampleWidth": 2},
			"Invalid sample rate: 96000 (expected 8000-48000)",
		},
		{
			"bad channels",
			map[string]any{"type": "start_audio", "sampleRate": 16000, "channels": 3, "sampleWidth": 2},
			"Invalid channels: 3 (must be 1 or 2)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conn := dialSession(t, gateway.MockHandler{})
			greeting(t, conn)
			sendJSON(t, conn, tt.frame)
			expectError(t, conn, "invalid-frame", tt.wantDetail)

			// Rejected format leaves the session idle, so recording can start.
			startRecording(t, conn)
		})
	}
}

func TestSession_StartAudioWhileRecording(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	startRecording(t, conn)
	sendJSON(t, conn, map[string]any{
		"type": "start_audio", "sampleRate": 16000, "channels": 1, "sampleWidth": 2,
	})
	expectError(t, conn, "invalid-state", "Cannot start audio while session is busy")
}

func TestSession_StopAudioWithoutData(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{}, gateway.WithTranscriber(&fakeTranscriber{text: "x"}))
	greeting(t, conn)

	startRecording(t, conn)
	sendJSON(t, conn, map[string]any{"type": "stop_audio"})

	expectStatus(t, conn, "transcribing")
	expectError(t, conn, "transcription-failed", "No audio data received")
	expectStatus(t, conn, "idle")
}

func TestSession_NoTranscriberConfigured(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	startRecording(t, conn)
	sendBinary(t, conn, make([]byte, 320))
	sendJSON(t, conn, map[string]any{"type": "stop_audio"})

	expectStatus(t, conn, "transcribing")
	expectError(t, conn, "transcription-failed", "Transcriber not configured")
	expectStatus(t, conn, "idle")
}

func TestSession_TranscriptionFailure(t *testing.T) {
	t.Parallel()
	stt := &fakeTranscriber{err: errors.New("inference exploded")}
	conn := dialSession(t, gateway.MockHandler{}, gateway.WithTranscriber(stt))
	greeting(t, conn)

	startRecording(t, conn)
	sendBinary(t, conn, make([]byte, 320))
	sendJSON(t, conn, map[string]any{"type": "stop_audio"})

	expectStatus(t, conn, "transcribing")
	// The internal error text must not leak to the client.
	expectError(t, conn, "internal-error", "Internal transcription error")
	expectStatus(t, conn, "idle")
}

func TestSession_MisalignedBinaryFrame(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	startRecording(t, conn)
	sendBinary(t, conn, []byte{0x01, 0x02, 0x03})

	expectError(t, conn, "invalid-frame", "Invalid audio data format")
	expectStatus(t, conn, "idle")
}

func TestSession_BinaryWhileIdleIgnored(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	sendBinary(t, conn, make([]byte, 320))

	// No error frame; the next real frame is answered normally.
	sendJSON(t, conn, map[string]any{"type": "stop_audio"})
	expectError(t, conn, "invalid-state", "Cannot stop audio — not recording")
}

func TestSession_BufferOverflow(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	// 8 kHz mono caps at 960 000 bytes; push past it in 32 KiB chunks.
	sendJSON(t, conn, map[string]any{
		"type": "start_audio", "sampleRate": 8000, "channels": 1, "sampleWidth": 2,
	})
	expectStatus(t, conn, "recording")

	chunk := make([]byte, 32<<10)
	for sent := 0; sent <= 8000*2*60; sent += len(chunk) {
		sendBinary(t, conn, chunk)
	}

	expectError(t, conn, "buffer-overflow", "Audio buffer overflow")
	expectStatus(t, conn, "idle")
}

// ── Pong ──────────────────────────────────────────────────────────────────────

func TestSession_PongAccepted(t *testing.T) {
	t.Parallel()
	conn := dialSession(t, gateway.MockHandler{})
	greeting(t, conn)

	sendJSON(t, conn, map[string]any{"type": "pong"})

	// pong produces no response; the session keeps serving.
	sendJSON(t, conn, map[string]any{"type": "text", "message": "still here?"})
	expectStatus(t, conn, "thinking")
}
