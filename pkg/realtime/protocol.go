// Package realtime defines the wire types of the OpenAI Realtime protocol that
// voxrelay reads and writes.
//
// Only the subset needed by the relay is modelled as Go structs. Every other
// event travels through the relay as opaque JSON and is forwarded verbatim.
package realtime

import (
	"slices"

	"github.com/google/uuid"
)

// Client event types (relay → upstream).
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventResponseCreate         = "response.create"
	EventResponseCancel         = "response.cancel"
)

// Server event types (upstream → relay).
const (
	EventError                         = "error"
	EventSessionCreated                = "session.created"
	EventSessionUpdated                = "session.updated"
	EventResponseCreated               = "response.created"
	EventResponseDone                  = "response.done"
	EventResponseAudioDelta            = "response.audio.delta"
	EventResponseOutputAudioDelta      = "response.output_audio.delta"
	EventResponseOutputTextDelta       = "response.output_text.delta"
	EventResponseOutputTextDone        = "response.output_text.done"
	EventResponseAudioTranscriptDone   = "response.audio_transcript.done"
	EventResponseOutputAudioTranscript = "response.output_audio_transcript.done"
	EventSpeechStarted                 = "input_audio_buffer.speech_started"
	EventSpeechStopped                 = "input_audio_buffer.speech_stopped"
	EventInputAudioBufferCommitted     = "input_audio_buffer.committed"
	EventInputTranscriptionCompleted   = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionDelta       = "conversation.item.input_audio_transcription.delta"
)

// EventAssistantText is the simplified client-facing notification emitted for
// completed assistant text or audio transcripts.
const EventAssistantText = "assistant.text"

// AudioFormatPCM16 is the only audio encoding the relay negotiates.
const AudioFormatPCM16 = "pcm16"

// TurnDetectionServerVAD selects server-side voice activity detection.
const TurnDetectionServerVAD = "server_vad"

// Voices lists the voice identifiers accepted by the realtime endpoint.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// IsVoice reports whether v names a realtime voice.
func IsVoice(v string) bool {
	return slices.Contains(Voices, v)
}

// ── Outgoing messages ─────────────────────────────────────────────────────────

// SessionUpdate is the session.update event sent once per upstream connection.
type SessionUpdate struct {
	EventID string        `json:"event_id,omitempty"`
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams is the session object carried by [SessionUpdate].
type SessionParams struct {
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	Speed             *float64       `json:"speed,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
}

// TurnDetection configures how the upstream detects the end of a user turn.
type TurnDetection struct {
	Type string `json:"type"`
}

// Tool is a function definition advertised to the realtime model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// InputAudioAppend wraps a base64-encoded PCM16 chunk from the client
// microphone.
type InputAudioAppend struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

// AssistantText is sent to the client in addition to the verbatim upstream
// event when the assistant finished a text or audio-transcript output.
type AssistantText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewEventID returns a fresh client event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()[:12]
}
