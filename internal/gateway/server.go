// Package gateway implements the client-facing WebSocket surface: the
// listener with its auth gate and single-connection policy, the per
// connection session state machine, and the response handlers that bridge to
// the upstream agent.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openclaw/g2gateway/internal/observe"
	"github.com/openclaw/g2gateway/internal/protocol"
)

const (
	// maxFrameBytes caps inbound client frames. Audio arrives chunked well
	// below this.
	maxFrameBytes = 64 << 10

	// defaultAuthTimeout bounds the wait for the auth handshake frame.
	defaultAuthTimeout = 5 * time.Second

	// closeUnauthorized is the close code sent on a failed auth handshake.
	closeUnauthorized websocket.StatusCode = 4001
)

// Server accepts client WebSocket connections, authenticates them, and runs
// one Session per connection under the single-connection policy: a new
// accepted connection evicts the previous one.
type Server struct {
	token          string
	authTimeout    time.Duration
	originPatterns []string
	handler        ResponseHandler
	sessionOpts    []SessionOption
	metrics        *observe.Metrics

	mu     sync.Mutex
	active *activeConn
}

type activeConn struct {
	conn *websocket.Conn
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthToken sets the downstream auth token. Empty disables the auth
// handshake entirely.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithAuthTimeout overrides how long a client has to present its auth frame.
func WithAuthTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.authTimeout = d
		}
	}
}

// WithAllowedOrigins restricts accepted Origin headers. Empty allows all.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.originPatterns = origins }
}

// WithSessionOptions passes options through to every created Session.
func WithSessionOptions(opts ...SessionOption) ServerOption {
	return func(s *Server) { s.sessionOpts = opts }
}

// WithServerMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a gateway server. handler is shared across sessions (at
// most one is live at a time); nil selects the [MockHandler].
func NewServer(handler ResponseHandler, opts ...ServerOption) *Server {
	s := &Server{
		handler:     handler,
		authTimeout: defaultAuthTimeout,
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

// ServeHTTP upgrades the request to a WebSocket, authenticates it, and runs
// the session until the client disconnects or is replaced.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	acceptOpts := &websocket.AcceptOptions{OriginPatterns: s.originPatterns}
	if len(s.originPatterns) == 0 {
		// No origin allowlist configured; native mobile clients send no
		// Origin header and browsers are not a supported surface.
		acceptOpts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx := r.Context()

	if r.URL.Query().Has("token") {
		// Query-string tokens leak into access logs; only the handshake
		// frame authenticates.
		slog.Warn("ignoring deprecated query-string token", "remote", r.RemoteAddr)
	}

	if !s.authenticate(ctx, conn) {
		slog.Warn("client failed auth", "remote", r.RemoteAddr)
		_ = conn.Close(closeUnauthorized, "Unauthorized")
		return
	}

	sess := NewSession(conn, s.handler, s.sessionOpts...)
	s.install(conn)
	s.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("client session started", "remote", r.RemoteAddr)

	err = sess.Run(ctx)

	s.release(conn)
	s.metrics.ActiveSessions.Add(ctx, -1)

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		slog.Info("client disconnected", "remote", r.RemoteAddr)
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("session ended", "remote", r.RemoteAddr, "err", err)
		}
	}
	_ = conn.CloseNow()
}

// authenticate runs the first-frame auth handshake. With no token configured
// it is a no-op.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) bool {
	if s.token == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil || typ != websocket.MessageText {
		return false
	}
	frame, err := protocol.ParseInbound(data)
	if err != nil || frame.Type != "auth" {
		return false
	}
	presented := frame.String("token")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

// install swaps the active-connection slot to conn, evicting any previous
// connection. The shared handler is closed so the evicted session's upstream
// state does not bleed into the new one.
func (s *Server) install(conn *websocket.Conn) {
	s.mu.Lock()
	prev := s.active
	s.active = &activeConn{conn: conn}
	s.mu.Unlock()

	if prev != nil {
		slog.Info("replacing existing client session")
		_ = prev.conn.Close(websocket.StatusNormalClosure, "Replaced by new connection")
		s.handler.Close()
	}
}

// release clears the active slot, but only if conn still owns it. A session
// that was replaced must not clear its successor.
func (s *Server) release(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.conn == conn {
		s.active = nil
	}
}

// ListenAndServe serves the gateway on addr until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		s.handler.Close()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
