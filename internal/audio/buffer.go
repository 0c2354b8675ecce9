// Package audio provides the PCM accumulation buffer used while a gateway
// session is recording, plus the format conversion helpers the transcriber
// needs to bring arbitrary session formats down to 16 kHz mono.
package audio

import (
	"errors"
	"fmt"
)

// MaxDurationSeconds caps the amount of audio a buffer will accept,
// expressed as playback time at the buffer's byte rate.
const MaxDurationSeconds = 60

// ErrOverflow is returned by Append when a chunk would push the buffer past
// its duration cap.
var ErrOverflow = errors.New("audio buffer overflow")

// ErrAlignment is returned when a chunk or emission request does not match
// the declared sample width.
var ErrAlignment = errors.New("misaligned PCM data")

// Buffer accumulates raw little-endian PCM bytes for one recording. Appends
// are O(1): chunks are retained as-is and only concatenated on emission.
// Not safe for concurrent use; the owning session serializes access.
type Buffer struct {
	sampleRate  int
	channels    int
	sampleWidth int
	byteRate    int
	maxBytes    int

	chunks     [][]byte
	totalBytes int
}

// NewBuffer creates a buffer for the given recording format. sampleWidth is
// in bytes per sample (2 = 16-bit PCM).
func NewBuffer(sampleRate, channels, sampleWidth int) *Buffer {
	byteRate := sampleRate * channels * sampleWidth
	return &Buffer{
		sampleRate:  sampleRate,
		channels:    channels,
		sampleWidth: sampleWidth,
		byteRate:    byteRate,
		maxBytes:    MaxDurationSeconds * byteRate,
	}
}

// SampleRate returns the declared sample rate in Hz.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Channels returns the declared channel count.
func (b *Buffer) Channels() int { return b.channels }

// Append adds a chunk of PCM bytes. Empty chunks are a no-op. A chunk whose
// length is not a multiple of the sample width fails with [ErrAlignment]; a
// chunk that would exceed the duration cap fails with [ErrOverflow] and is
// not retained.
func (b *Buffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if len(chunk)%b.sampleWidth != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of sample width %d",
			ErrAlignment, len(chunk), b.sampleWidth)
	}
	if b.totalBytes+len(chunk) > b.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %ds limit (%d bytes)",
			ErrOverflow, b.totalBytes+len(chunk), MaxDurationSeconds, b.maxBytes)
	}
	b.chunks = append(b.chunks, chunk)
	b.totalBytes += len(chunk)
	return nil
}

// ToSamples interprets the accumulated bytes as little-endian signed 16-bit
// PCM and returns normalized float32 samples in [-1.0, 1.0] (each divided by
// 32768). Channel interleaving is preserved; the caller handles any mixdown.
// Fails with [ErrAlignment] unless the sample width is 2.
func (b *Buffer) ToSamples() ([]float32, error) {
	if b.sampleWidth != 2 {
		return nil, fmt.Errorf("%w: sample width %d is not 16-bit PCM", ErrAlignment, b.sampleWidth)
	}
	samples := make([]float32, 0, b.totalBytes/2)
	for _, chunk := range b.chunks {
		for i := 0; i+1 < len(chunk); i += 2 {
			s := int16(chunk[i]) | int16(chunk[i+1])<<8
			samples = append(samples, float32(s)/32768.0)
		}
	}
	return samples, nil
}

// Reset clears the buffer for the next recording, keeping the format.
func (b *Buffer) Reset() {
	b.chunks = nil
	b.totalBytes = 0
}

// IsEmpty reports whether any bytes have been accumulated.
func (b *Buffer) IsEmpty() bool { return b.totalBytes == 0 }

// DurationSeconds estimates the recorded duration from the byte count.
func (b *Buffer) DurationSeconds() float64 {
	if b.byteRate == 0 {
		return 0
	}
	return float64(b.totalBytes) / float64(b.byteRate)
}
