// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI, ElevenLabs) and
// turns one short text segment into an encoded audio clip. The synthesis
// pipeline calls it once per sentence-sized segment, several segments in
// parallel, and writes the clips back in order.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when asked to synthesise an empty segment.
var ErrEmptyText = errors.New("tts: empty text")

// VoiceProfile selects the voice used for a synthesis request.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier ("echo", an ElevenLabs
	// voice id, ...). Empty selects the provider default.
	ID string

	// SpeedFactor adjusts speaking rate (1.0 = default). Zero means default.
	// Providers clamp or ignore values they do not support.
	SpeedFactor float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice and returns the complete encoded
	// clip (mp3 for the bundled providers).
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// ContentType is the MIME type of the clips returned by Synthesize.
	ContentType() string
}
