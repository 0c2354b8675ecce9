package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/openclaw/g2gateway/internal/audio"
)

func TestBuffer_AppendAndEmit(t *testing.T) {
	t.Parallel()
	b := audio.NewBuffer(16000, 1, 2)
	if !b.IsEmpty() {
		t.Error("new buffer should be empty")
	}

	// 0x0000, 0x4000 (=16384), 0x8000 (=-32768), little-endian.
	if err := b.Append([]byte{0x00, 0x00, 0x00, 0x40}); err != nil {
		t.Fatal(err)
	}
	if err := b.Append([]byte{0x00, 0x80}); err != nil {
		t.Fatal(err)
	}
	if b.IsEmpty() {
		t.Error("buffer should not be empty after appends")
	}

	samples, err := b.ToSamples()
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 0.5, -1}
	if len(samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(samples), len(want))
	}
	for i := range want {
		if math.Abs(float64(samples[i]-want[i])) > 1e-6 {
			t.Errorf("sample[%d] = %v, want %v", i, samples[i], want[i])
		}
	}
}

func TestBuffer_EmptyChunkNoOp(t *testing.T) {
	t.Parallel()
	b := audio.NewBuffer(16000, 1, 2)
	if err := b.Append(nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Append([]byte{}); err != nil {
		t.Fatal(err)
	}
	if !b.IsEmpty() {
		t.Error("empty appends must not accumulate")
	}
}

func TestBuffer_Alignment(t *testing.T) {
	t.Parallel()
	b := audio.NewBuffer(16000, 1, 2)
	err := b.Append([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, audio.ErrAlignment) {
		t.Fatalf("err = %v, want ErrAlignment", err)
	}
	if !b.IsEmpty() {
		t.Error("misaligned chunk must not be retained")
	}
}

func TestBuffer_Overflow(t *testing.T) {
	t.Parallel()
	// Tiny byte rate so the cap is reachable: 100 B/s → 6000 byte cap.
	b := audio.NewBuffer(50, 1, 2)
	capBytes := audio.MaxDurationSeconds * 50 * 2

	if err := b.Append(bytes.Repeat([]byte{0}, capBytes)); err != nil {
		t.Fatalf("filling to the cap should succeed: %v", err)
	}
	err := b.Append([]byte{0x00, 0x00})
	if !errors.Is(err, audio.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}

	// The rejected chunk must not count toward the total.
	if got := b.DurationSeconds(); got != audio.MaxDurationSeconds {
		t.Errorf("DurationSeconds = %v, want %v", got, audio.MaxDurationSeconds)
	}
}

func TestBuffer_Reset(t *testing.T) {
	t.Parallel()
	b := audio.NewBuffer(16000, 2, 2)
	if err := b.Append([]byte{0x01, 0x00, 0x02, 0x00}); err != nil {
		t.Fatal(err)
	}
	b.Reset()
	if !b.IsEmpty() {
		t.Error("buffer should be empty after Reset")
	}
	if b.SampleRate() != 16000 || b.Channels() != 2 {
		t.Error("Reset must keep the declared format")
	}
}

func TestBuffer_DurationSeconds(t *testing.T) {
	t.Parallel()
	b := audio.NewBuffer(16000, 1, 2)
	// One second of 16 kHz mono 16-bit audio is 32000 bytes.
	if err := b.Append(make([]byte, 32000)); err != nil {
		t.Fatal(err)
	}
	if got := b.DurationSeconds(); got != 1.0 {
		t.Errorf("DurationSeconds = %v, want 1.0", got)
	}
}
