package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openclaw/g2gateway/internal/audio"
	"github.com/openclaw/g2gateway/internal/observe"
	"github.com/openclaw/g2gateway/internal/openclaw"
	"github.com/openclaw/g2gateway/internal/protocol"
	"github.com/openclaw/g2gateway/internal/transcriber"
)

// protocolVersion is advertised in the connected frame.
const protocolVersion = "1.0"

// maxRecordingSeconds is the wall-clock cap on a single recording. It is
// deliberately looser than the buffer's data cap: a slow client trickling
// audio must still be cut off eventually.
const maxRecordingSeconds = 90

// defaultAgentTimeout bounds a full response cycle.
const defaultAgentTimeout = 120 * time.Second

// State is the session's processing state. At most one non-idle activity is
// in flight at a time.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateStreaming    State = "streaming"
)

// Transcriber converts normalized float32 samples in the session's declared
// format to text. Implementations run inference off the session goroutine
// and honour context deadlines.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate, channels int) (string, error)
}

// Session owns one accepted client connection and drives the gateway state
// machine over it. All state transitions and frame writes happen from the
// Run goroutine or a child it awaits; the write mutex only exists so an
// abandoned handler goroutine cannot interleave bytes with the timeout error
// path.
type Session struct {
	conn         *websocket.Conn
	handler      ResponseHandler
	transcriber  Transcriber
	agentTimeout time.Duration
	metrics      *observe.Metrics

	state          State
	buffer         *audio.Buffer
	recordingStart time.Time

	// now is the clock used for the recording wall-clock guard. Tests
	// substitute a fake.
	now func() time.Time

	writeMu sync.Mutex
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTranscriber attaches a speech-to-text engine. Without one, stop_audio
// on a non-empty buffer is rejected.
func WithTranscriber(t Transcriber) SessionOption {
	return func(s *Session) { s.transcriber = t }
}

// WithAgentTimeout overrides the response-cycle timeout. Defaults to 120 s.
func WithAgentTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.agentTimeout = d }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a session over an accepted connection. handler may be
// nil, in which case the [MockHandler] is used.
func NewSession(conn *websocket.Conn, handler ResponseHandler, opts ...SessionOption) *Session {
	s := &Session{
		conn:         conn,
		handler:      handler,
		agentTimeout: defaultAgentTimeout,
		state:        StateIdle,
		now:          time.Now,
	}
	if s.handler == nil {
		s.handler = MockHandler{}
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns the session's current processing state.
func (s *Session) State() State { return s.state }

// sendFrame validates, serializes, and writes one outbound frame.
func (s *Session) sendFrame(ctx context.Context, frame map[string]any) error {
	if err := protocol.ValidateOutbound(frame); err != nil {
		return fmt.Errorf("gateway: outbound frame: %w", err)
	}
	data, err := protocol.Serialize(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// sendError emits an error frame and records it. Write failures are logged
// and swallowed so error paths can continue to their terminal idle status.
func (s *Session) sendError(ctx context.Context, code protocol.ErrorCode, detail string) {
	s.metrics.RecordErrorFrame(ctx, string(code))
	err := s.sendFrame(ctx, map[string]any{
		"type":   "error",
		"detail": detail,
		"code":   code,
	})
	if err != nil {
		slog.Debug("failed to send error frame", "code", code, "err", err)
	}
}

// sendStatus emits a status frame, logging and swallowing write failures.
func (s *Session) sendStatus(ctx context.Context, status protocol.StatusState) {
	err := s.sendFrame(ctx, map[string]any{"type": "status", "status": status})
	if err != nil {
		slog.Debug("failed to send status frame", "status", status, "err", err)
	}
}

// Run drives the session until the connection ends or ctx is cancelled.
// It releases the audio buffer on exit; the caller owns handler cleanup.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.buffer = nil
		s.recordingStart = time.Time{}
	}()

	if err := s.sendFrame(ctx, map[string]any{"type": "connected", "version": protocolVersion}); err != nil {
		return err
	}
	s.sendStatus(ctx, protocol.StatusIdle)

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			s.metrics.RecordFrame(ctx, "binary")
			s.handleBinary(ctx, data)
			continue
		}
		s.metrics.RecordFrame(ctx, "text")

		frame, err := protocol.ParseInbound(data)
		if err != nil {
			var fe *protocol.FrameError
			detail := "Invalid frame"
			if errors.As(err, &fe) {
				detail = fe.Detail
			}
			s.sendError(ctx, protocol.CodeInvalidFrame, detail)
			continue
		}

		s.dispatch(ctx, frame)
	}
}

// dispatch routes one parsed text frame according to the current state.
func (s *Session) dispatch(ctx context.Context, frame protocol.Frame) {
	switch frame.Type {
	case "text":
		if s.state != StateIdle {
			s.sendError(ctx, protocol.CodeInvalidState, "Cannot process text while session is busy")
			return
		}
		s.handleText(ctx, frame.String("message"))

	case "start_audio":
		if s.state != StateIdle {
			s.sendError(ctx, protocol.CodeInvalidState, "Cannot start audio while session is busy")
			return
		}
		s.handleStartAudio(ctx, frame)

	case "stop_audio":
		if s.state != StateRecording {
			s.sendError(ctx, protocol.CodeInvalidState, "Cannot stop audio — not recording")
			return
		}
		s.handleStopAudio(ctx)

	case "pong":
		slog.Info("received pong")

	default:
		// auth after the handshake phase lands here too.
		s.sendError(ctx, protocol.CodeInvalidFrame, "Unhandled frame type: "+frame.Type)
	}
}

// handleStartAudio validates the declared PCM format and begins recording.
func (s *Session) handleStartAudio(ctx context.Context, frame protocol.Frame) {
	sampleRate := frame.Int("sampleRate")
	channels := frame.Int("channels")
	sampleWidth := frame.Int("sampleWidth")

	if sampleWidth != 2 {
		s.sendError(ctx, protocol.CodeInvalidFrame,
			fmt.Sprintf("Unsupported sample width: %d (only 16-bit PCM supported)", sampleWidth))
		return
	}
	if sampleRate < 8000 || sampleRate > 48000 {
		s.sendError(ctx, protocol.CodeInvalidFrame,
			fmt.Sprintf("Invalid sample rate: %d (expected 8000-48000)", sampleRate))
		return
	}
	if channels != 1 && channels != 2 {
		s.sendError(ctx, protocol.CodeInvalidFrame,
			fmt.Sprintf("Invalid channels: %d (must be 1 or 2)", channels))
		return
	}

	s.buffer = audio.NewBuffer(sampleRate, channels, sampleWidth)
	s.recordingStart = s.now()
	s.state = StateRecording
	s.sendStatus(ctx, protocol.StatusRecording)
}

// handleBinary appends PCM data while recording. Binary frames in any other
// state are ignored without error.
func (s *Session) handleBinary(ctx context.Context, data []byte) {
	if s.state != StateRecording || s.buffer == nil {
		slog.Info("binary frame received while not recording — ignoring")
		return
	}

	if !s.recordingStart.IsZero() && s.now().Sub(s.recordingStart) > maxRecordingSeconds*time.Second {
		slog.Warn("recording exceeded wall-clock limit — auto-stopping", "limit_s", maxRecordingSeconds)
		s.buffer.Reset()
		s.recordingStart = time.Time{}
		s.state = StateIdle
		s.sendError(ctx, protocol.CodeBufferOverflow,
			fmt.Sprintf("Recording exceeded %ds limit", maxRecordingSeconds))
		s.sendStatus(ctx, protocol.StatusIdle)
		return
	}

	err := s.buffer.Append(data)
	switch {
	case errors.Is(err, audio.ErrOverflow):
		slog.Error("audio buffer overflow", "err", err)
		s.buffer.Reset()
		s.state = StateIdle
		s.sendError(ctx, protocol.CodeBufferOverflow, "Audio buffer overflow")
		s.sendStatus(ctx, protocol.StatusIdle)
	case errors.Is(err, audio.ErrAlignment):
		slog.Error("invalid PCM data", "err", err)
		s.buffer.Reset()
		s.state = StateIdle
		s.sendError(ctx, protocol.CodeInvalidFrame, "Invalid audio data format")
		s.sendStatus(ctx, protocol.StatusIdle)
	}
}

// handleStopAudio finishes a recording and runs the transcription pipeline,
// falling through to the text path on success.
func (s *Session) handleStopAudio(ctx context.Context) {
	s.state = StateTranscribing
	s.recordingStart = time.Time{}
	s.sendStatus(ctx, protocol.StatusTranscribing)

	buf := s.buffer
	s.buffer = nil

	if buf == nil || buf.IsEmpty() {
		s.state = StateIdle
		s.sendError(ctx, protocol.CodeTranscriptionFailed, "No audio data received")
		s.sendStatus(ctx, protocol.StatusIdle)
		return
	}
	s.metrics.RecordingDuration.Record(ctx, buf.DurationSeconds())

	if s.transcriber == nil {
		slog.Warn("no transcriber configured — skipping transcription")
		s.state = StateIdle
		s.sendError(ctx, protocol.CodeTranscriptionFailed, "Transcriber not configured")
		s.sendStatus(ctx, protocol.StatusIdle)
		return
	}

	samples, err := buf.ToSamples()
	if err == nil {
		start := time.Now()
		var text string
		text, err = s.transcriber.Transcribe(ctx, samples, buf.SampleRate(), buf.Channels())
		s.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
		if err == nil {
			if werr := s.sendFrame(ctx, map[string]any{"type": "transcription", "text": text}); werr != nil {
				slog.Debug("failed to send transcription frame", "err", werr)
			}
			s.handleText(ctx, text)
			return
		}
	}

	s.state = StateIdle
	switch {
	case errors.Is(err, transcriber.ErrEmptyResult):
		slog.Error("transcription failed", "err", err)
		s.sendError(ctx, protocol.CodeTranscriptionFailed, "Transcription failed")
	case errors.Is(err, context.DeadlineExceeded):
		slog.Error("transcription timed out")
		s.sendError(ctx, protocol.CodeTimeout, "Transcription timed out")
	default:
		slog.Error("unexpected transcription error", "err", err)
		s.sendError(ctx, protocol.CodeInternal, "Internal transcription error")
	}
	s.sendStatus(ctx, protocol.StatusIdle)
}

// handleText runs one response cycle: thinking status, handler under the
// agent timeout, terminal idle status. Every exit path ends in status=idle.
func (s *Session) handleText(ctx context.Context, message string) {
	s.state = StateThinking
	start := time.Now()
	s.sendStatus(ctx, protocol.StatusThinking)

	cycleCtx, cancel := context.WithTimeout(ctx, s.agentTimeout)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.handler.Handle(cycleCtx, message, func(frame map[string]any) error {
			// The cycle context gates writes so an abandoned handler cannot
			// emit frames after the timeout error has been sent.
			if err := cycleCtx.Err(); err != nil {
				return err
			}
			return s.sendFrame(cycleCtx, frame)
		})
	}()

	var err error
	select {
	case err = <-errCh:
	case <-cycleCtx.Done():
		err = cycleCtx.Err()
	}
	cancel()

	switch {
	case err == nil:
		s.metrics.RecordUpstreamRequest(ctx, "ok")
	case errors.Is(err, context.DeadlineExceeded):
		slog.Error("agent cycle timed out", "timeout", s.agentTimeout)
		s.metrics.RecordUpstreamRequest(ctx, "timeout")
		s.handler.Close()
		s.sendError(ctx, protocol.CodeTimeout,
			fmt.Sprintf("Agent cycle exceeded %ds timeout", int(s.agentTimeout.Seconds())))
	case errors.Is(err, openclaw.ErrAgent):
		slog.Error("openclaw error", "err", err)
		s.metrics.RecordUpstreamRequest(ctx, "error")
		s.handler.Close()
		s.sendError(ctx, protocol.CodeOpenClaw, "Agent communication error")
	case errors.Is(err, context.Canceled):
		// Client went away mid-cycle; nothing left to report to.
		slog.Info("response cycle cancelled", "err", err)
	default:
		slog.Error("response handler error", "err", err)
		s.metrics.RecordUpstreamRequest(ctx, "error")
		s.handler.Close()
		s.sendError(ctx, protocol.CodeOpenClaw, "Response processing failed")
	}

	s.state = StateIdle
	s.metrics.AgentCycleDuration.Record(ctx, time.Since(start).Seconds())
	s.sendStatus(ctx, protocol.StatusIdle)
}
