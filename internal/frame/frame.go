// Package frame classifies WebSocket payloads flowing through the relay.
//
// A payload is either a JSON control/event message (Text) or opaque PCM16
// audio (Binary). Transport tags are authoritative when present; untagged
// payloads fall back to a UTF-8 + JSON validity heuristic. For Text frames,
// [ParseEvent] performs the second extraction step: it pulls base64 audio out
// of audio-delta events and assistant text out of the *.done events.
//
// Everything in this package is pure: no I/O, no logging. Callers decide how
// to report the [DropReason] values it returns.
package frame

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// Hint is the frame type reported by the transport, if any.
type Hint int

const (
	// HintNone means the transport delivered raw bytes without a type tag.
	HintNone Hint = iota
	// HintText means the transport tagged the payload as a text frame.
	HintText
	// HintBinary means the transport tagged the payload as a binary frame.
	HintBinary
)

// Kind is the result of classification.
type Kind int

const (
	KindText Kind = iota + 1
	KindBinary
)

// String returns the lowercase kind name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is a classified payload.
type Frame struct {
	Kind Kind
	Data []byte
}

// DropReason explains why an audio chunk was discarded.
type DropReason string

const (
	DropNone       DropReason = ""
	DropEmpty      DropReason = "empty"
	DropOddLength  DropReason = "odd_length"
	DropBadBase64  DropReason = "bad_base64"
	DropNoType     DropReason = "no_type"
	DropNotJSON    DropReason = "not_json"
	DropQueueFull  DropReason = "queue_full"
	DropAfterClose DropReason = "after_close"
)

// Classify decides whether payload is a Text or Binary frame. It returns
// ok == false for an empty payload, which must not produce any emission.
func Classify(payload []byte, hint Hint) (Frame, bool) {
	if len(payload) == 0 {
		return Frame{}, false
	}
	switch hint {
	case HintBinary:
		return Frame{Kind: KindBinary, Data: payload}, true
	case HintText:
		return Frame{Kind: KindText, Data: payload}, true
	}
	if utf8.Valid(payload) && json.Valid(payload) {
		return Frame{Kind: KindText, Data: payload}, true
	}
	return Frame{Kind: KindBinary, Data: payload}, true
}

// CheckPCM16 validates the 16-bit PCM invariant: a non-empty chunk whose
// length is a multiple of two.
func CheckPCM16(b []byte) DropReason {
	if len(b) == 0 {
		return DropEmpty
	}
	if len(b)%2 != 0 {
		return DropOddLength
	}
	return DropNone
}

// ValidPCM16 reports whether b satisfies [CheckPCM16].
func ValidPCM16(b []byte) bool {
	return CheckPCM16(b) == DropNone
}

// Event is the parsed form of a Text frame.
type Event struct {
	// Type is the value of the "type" discriminator. Empty when absent.
	Type string

	// Raw is the original payload, forwarded verbatim where required.
	Raw []byte

	// Audio holds decoded PCM16 from an audio-delta event. Nil when the event
	// carried no audio or the audio failed validation.
	Audio []byte

	// AudioDrop is set when an audio-delta payload was present but rejected.
	AudioDrop DropReason

	// AssistantText is the completed assistant text for output-text-done and
	// audio-transcript-done events.
	AssistantText string
}

// AudioDerived reports whether the event yielded a binary audio emission.
// Such an event is delivered to the client as binary only.
func (e Event) AudioDerived() bool {
	return len(e.Audio) > 0
}

// ErrNotJSON is returned by [ParseEvent] for payloads that are not a JSON
// object.
var ErrNotJSON = errors.New("frame: payload is not a JSON object")

type typeOnly struct {
	Type any `json:"type"`
}

type audioDelta struct {
	Delta string `json:"delta"`
}

type outputTextDone struct {
	Text   string `json:"text"`
	Output []struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

type transcriptDone struct {
	Transcript string `json:"transcript"`
}

// ParseEvent decodes a Text frame and performs audio and text extraction.
// A non-string or missing "type" yields an Event with an empty Type and no
// error; callers decide whether to forward it.
func ParseEvent(data []byte) (Event, error) {
	var head typeOnly
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{Raw: data}, ErrNotJSON
	}
	evt := Event{Raw: data}
	if s, ok := head.Type.(string); ok {
		evt.Type = s
	}

	switch evt.Type {
	case realtime.EventResponseAudioDelta, realtime.EventResponseOutputAudioDelta:
		var d audioDelta
		if err := json.Unmarshal(data, &d); err != nil || d.Delta == "" {
			return evt, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(d.Delta)
		if err != nil {
			evt.AudioDrop = DropBadBase64
			return evt, nil
		}
		if reason := CheckPCM16(pcm); reason != DropNone {
			evt.AudioDrop = reason
			return evt, nil
		}
		evt.Audio = pcm

	case realtime.EventResponseOutputTextDone:
		var d outputTextDone
		if err := json.Unmarshal(data, &d); err != nil {
			return evt, nil
		}
		if len(d.Output) > 0 && len(d.Output[0].Content) > 0 {
			evt.AssistantText = d.Output[0].Content[0].Text
		} else {
			evt.AssistantText = d.Text
		}

	case realtime.EventResponseAudioTranscriptDone:
		var d transcriptDone
		if err := json.Unmarshal(data, &d); err != nil {
			return evt, nil
		}
		evt.AssistantText = d.Transcript
	}
	return evt, nil
}

// HasType reports whether data is a JSON object carrying a non-empty string
// "type" discriminator. Client control frames failing this check are dropped.
func HasType(data []byte) bool {
	var head typeOnly
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	s, ok := head.Type.(string)
	return ok && s != ""
}
