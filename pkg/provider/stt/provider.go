// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (the OpenAI audio API or
// a local whisper.cpp server) and turns one recorded utterance into text. The
// voice endpoint calls it once per uploaded clip before the LLM turn starts.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by providers when asked to transcribe a clip with
// no data.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Audio is a single recorded clip as uploaded by a client.
type Audio struct {
	// Data holds the encoded clip (webm, wav, mp3, ...). Providers forward it
	// as-is; decoding is the backend's job.
	Data []byte

	// Filename is the upload name. Backends use its extension to sniff the
	// container format. Defaults to "audio.webm" when empty.
	Filename string

	// ContentType is the MIME type reported by the client, if any.
	ContentType string
}

// Name returns Filename or the default upload name.
func (a Audio) Name() string {
	if a.Filename == "" {
		return "audio.webm"
	}
	return a.Filename
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the recognised text of audio. An empty string with a
	// nil error means the backend heard nothing; callers decide whether that
	// is a failure.
	Transcribe(ctx context.Context, audio Audio) (string, error)
}
