// Package transcriber wraps the whisper.cpp CGO bindings behind an
// asynchronous, timeout-bounded speech-to-text call. The whisper.cpp static
// library (libwhisper.a) and headers must be available at link time via
// LIBRARY_PATH and C_INCLUDE_PATH.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/openclaw/g2gateway/internal/audio"
)

// whisperSampleRate is the sample rate whisper models are trained on.
const whisperSampleRate = 16000

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// ErrEmptyResult is returned when inference completes but produces no text.
var ErrEmptyResult = errors.New("transcription produced empty result")

// Whisper runs speech-to-text inference using a whisper.cpp model. The model
// is loaded once at construction and shared across calls; each call creates
// its own whisper context, so the struct is safe for sequential reuse.
type Whisper struct {
	model    whisperlib.Model
	language string
	timeout  time.Duration
}

// Option is a functional option for configuring a Whisper transcriber.
type Option func(*Whisper)

// WithLanguage sets the BCP-47 language code used for decoding. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(w *Whisper) { w.language = lang }
}

// WithTimeout bounds a single inference call. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(w *Whisper) { w.timeout = d }
}

// New loads the whisper.cpp model from modelPath. Loading blocks and may
// take seconds for larger models. The caller must Close the transcriber when
// done with it.
func New(modelPath string, opts ...Option) (*Whisper, error) {
	if modelPath == "" {
		return nil, errors.New("transcriber: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("transcriber: load model %q: %w", modelPath, err)
	}
	w := &Whisper{
		model:    model,
		language: defaultLanguage,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Close releases the model. The transcriber must not be used afterwards.
func (w *Whisper) Close() error {
	if w.model != nil {
		return w.model.Close()
	}
	return nil
}

// Transcribe converts normalized float32 samples in the given session format
// to text. Stereo input is averaged down to mono and any sample rate in the
// accepted session range is resampled to 16 kHz before inference. Inference
// runs on its own goroutine; on timeout the call returns
// [context.DeadlineExceeded] and the worker result is discarded.
//
// Returns [ErrEmptyResult] when the model produces no text.
func (w *Whisper) Transcribe(ctx context.Context, samples []float32, sampleRate, channels int) (string, error) {
	if channels == 2 {
		samples = audio.StereoToMono(samples)
	}
	samples = audio.Resample(samples, sampleRate, whisperSampleRate)

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := w.infer(samples)
		done <- result{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		if res.text == "" {
			return "", ErrEmptyResult
		}
		return res.text, nil
	}
}

// infer creates a fresh whisper context, runs greedy decoding over the
// samples, and joins the segment texts. Contexts are not thread-safe but the
// shared model is, so each call gets its own.
func (w *Whisper) infer(samples []float32) (string, error) {
	wctx, err := w.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("transcriber: create context: %w", err)
	}
	if err := wctx.SetLanguage(w.language); err != nil {
		return "", fmt.Errorf("transcriber: set language %q: %w", w.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("transcriber: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("transcriber: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
