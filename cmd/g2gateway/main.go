// Command g2gateway runs the voice/text gateway that bridges a mobile client
// to the OpenClaw agent service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/g2gateway/internal/config"
	"github.com/openclaw/g2gateway/internal/gateway"
	"github.com/openclaw/g2gateway/internal/health"
	"github.com/openclaw/g2gateway/internal/observe"
	"github.com/openclaw/g2gateway/internal/openclaw"
	"github.com/openclaw/g2gateway/internal/transcriber"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "g2gateway: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("g2gateway starting",
		"version", version,
		"listen_addr", cfg.GatewayAddr(),
		"upstream", fmt.Sprintf("%s:%d", cfg.OpenClawHost, cfg.OpenClawPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "g2gateway",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Transcriber (optional) ────────────────────────────────────────────────
	var stt gateway.Transcriber
	var whisperEngine *transcriber.Whisper
	whisperEngine, err = transcriber.New(cfg.WhisperModel)
	if err != nil {
		slog.Warn("transcriber unavailable; voice input disabled", "model", cfg.WhisperModel, "err", err)
	} else {
		defer whisperEngine.Close()
		stt = whisperEngine
		slog.Info("transcriber ready",
			"model", cfg.WhisperModel,
			"device", cfg.WhisperDevice,
			"compute_type", cfg.WhisperComputeType,
		)
	}

	// ── Response handler ──────────────────────────────────────────────────────
	var handler gateway.ResponseHandler
	var agentClient *openclaw.Client
	if cfg.OpenClawToken != "" {
		agentClient = openclaw.New(cfg.OpenClawHost, cfg.OpenClawPort, cfg.OpenClawToken)
		handler = gateway.NewAgentHandler(agentClient)
		slog.Info("using openclaw response handler", "url", agentClient.URL())
	} else {
		handler = gateway.MockHandler{}
		slog.Info("using mock response handler")
	}

	// ── Gateway server ────────────────────────────────────────────────────────
	srv := gateway.NewServer(handler,
		gateway.WithAuthToken(cfg.GatewayToken),
		gateway.WithAuthTimeout(cfg.AuthTimeout),
		gateway.WithAllowedOrigins(cfg.AllowedOrigins),
		gateway.WithSessionOptions(
			gateway.WithTranscriber(stt),
			gateway.WithAgentTimeout(cfg.AgentTimeout),
		),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gateway listening", "addr", cfg.GatewayAddr())
		return srv.ListenAndServe(gctx, cfg.GatewayAddr())
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, agentClient)
		})
	}

	err = g.Wait()
	if agentClient != nil {
		agentClient.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// serveMetrics runs the side HTTP server with /metrics, /healthz, and
// /readyz until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, agentClient *openclaw.Client) error {
	var checkers []health.Checker
	if agentClient != nil {
		checkers = append(checkers, health.Checker{
			Name:          "openclaw",
			Informational: true,
			Check: func(context.Context) error {
				if !agentClient.Connected() {
					return errors.New("not connected (connects lazily on first request)")
				}
				return nil
			},
		})
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	slog.Info("metrics server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
