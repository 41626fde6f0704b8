package media

import (
	"fmt"
	"time"
)

// Encoding identifies the sample encoding of an audio stream.
type Encoding int

const (
	EncodingPCM16 Encoding = iota // 16-bit signed linear PCM, little-endian
	EncodingULaw                  // G.711 µ-law, 8-bit
	EncodingALaw                  // G.711 A-law, 8-bit
)

// Format represents an immutable audio stream specification.
// Use the pre-defined format values for the telephony and AI legs.
type Format struct {
	Name       string        // Wire name (e.g., "pcm_8000", "ulaw_8000")
	Encoding   Encoding      // Sample encoding
	SampleRate int           // Sample rate in Hz (8000, 16000)
	ChunkDur   time.Duration // Duration per chunk (typically 20ms)
}

// Pre-defined formats for the two sides of the bridge.
var (
	// FormatTelephony is what the call-control daemon reads and writes.
	FormatTelephony = Format{"pcm_8000", EncodingPCM16, 8000, 20 * time.Millisecond}

	// FormatAI16k is the default AI service format.
	FormatAI16k = Format{"pcm_16000", EncodingPCM16, 16000, 20 * time.Millisecond}

	// FormatAI8k is the AI service format for agents configured at 8 kHz.
	FormatAI8k = Format{"pcm_8000", EncodingPCM16, 8000, 20 * time.Millisecond}

	// FormatULaw8k is G.711 µ-law as negotiated by some AI agents.
	FormatULaw8k = Format{"ulaw_8000", EncodingULaw, 8000, 20 * time.Millisecond}
)

// BytesPerSample returns the storage size of one sample.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingPCM16 {
		return 2
	}
	return 1
}

// SamplesPerChunk returns the number of samples in one chunk.
// For 8kHz with 20ms chunks, this returns 160.
func (f Format) SamplesPerChunk() int {
	return f.SampleRate * int(f.ChunkDur) / int(time.Second)
}

// BytesPerChunk returns the payload bytes per chunk.
// For 16-bit PCM this is 2 * SamplesPerChunk; for G.711 it equals SamplesPerChunk.
func (f Format) BytesPerChunk() int {
	return f.SamplesPerChunk() * f.BytesPerSample()
}

// ParseFormat maps a wire format name from the AI handshake to a Format.
// Unknown names fall back to 16 kHz PCM with an error so the caller can log.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "pcm_16000":
		return FormatAI16k, nil
	case "pcm_8000":
		return FormatAI8k, nil
	case "ulaw_8000":
		return FormatULaw8k, nil
	case "":
		return FormatAI16k, nil
	}
	return FormatAI16k, fmt.Errorf("unsupported audio format: %s", name)
}
