package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  []byte
		hint     Hint
		wantOK   bool
		wantKind Kind
	}{
		{name: "empty", payload: nil, hint: HintNone, wantOK: false},
		{name: "empty tagged binary", payload: []byte{}, hint: HintBinary, wantOK: false},
		{name: "json untagged", payload: []byte(`{"type":"session.created"}`), hint: HintNone, wantOK: true, wantKind: KindText},
		{name: "pcm untagged", payload: []byte{0x01, 0xff, 0x80, 0x00}, hint: HintNone, wantOK: true, wantKind: KindBinary},
		{name: "utf8 but not json", payload: []byte("hello"), hint: HintNone, wantOK: true, wantKind: KindBinary},
		{name: "json tagged binary is binary", payload: []byte(`{"type":"x"}`), hint: HintBinary, wantOK: true, wantKind: KindBinary},
		{name: "tagged text is text", payload: []byte("not json"), hint: HintText, wantOK: true, wantKind: KindText},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, ok := Classify(tc.payload, tc.hint)
			if ok != tc.wantOK {
				t.Fatalf("ok: want %v, got %v", tc.wantOK, ok)
			}
			if !ok {
				return
			}
			if f.Kind != tc.wantKind {
				t.Errorf("kind: want %s, got %s", tc.wantKind, f.Kind)
			}
			if !bytes.Equal(f.Data, tc.payload) {
				t.Errorf("data must be forwarded unchanged")
			}
		})
	}
}

func TestCheckPCM16(t *testing.T) {
	t.Parallel()

	for n := 0; n <= 9; n++ {
		b := bytes.Repeat([]byte{0x7f}, n)
		got := CheckPCM16(b)
		switch {
		case n == 0:
			if got != DropEmpty {
				t.Errorf("len %d: want %q, got %q", n, DropEmpty, got)
			}
		case n%2 == 1:
			if got != DropOddLength {
				t.Errorf("len %d: want %q, got %q", n, DropOddLength, got)
			}
		default:
			if got != DropNone {
				t.Errorf("len %d: want valid, got %q", n, got)
			}
			if !ValidPCM16(b) {
				t.Errorf("len %d: ValidPCM16 = false", n)
			}
		}
	}
}

func TestParseEvent_AudioDelta(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4, 5, 6}
	raw := []byte(`{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)

	evt, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if evt.Type != "response.audio.delta" {
		t.Errorf("type: want response.audio.delta, got %q", evt.Type)
	}
	if !evt.AudioDerived() {
		t.Fatal("expected derived audio")
	}
	if !bytes.Equal(evt.Audio, pcm) {
		t.Errorf("audio: want %v, got %v", pcm, evt.Audio)
	}
}

func TestParseEvent_AudioDeltaOddLength(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) + `"}`)

	evt, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if evt.AudioDerived() {
		t.Error("odd-length audio must not be derived")
	}
	if evt.AudioDrop != DropOddLength {
		t.Errorf("drop: want %q, got %q", DropOddLength, evt.AudioDrop)
	}
}

func TestParseEvent_AudioDeltaBadBase64(t *testing.T) {
	t.Parallel()

	evt, err := ParseEvent([]byte(`{"type":"response.audio.delta","delta":"!!!not base64"}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if evt.AudioDerived() {
		t.Error("malformed base64 must not yield audio")
	}
	if evt.AudioDrop != DropBadBase64 {
		t.Errorf("drop: want %q, got %q", DropBadBase64, evt.AudioDrop)
	}
	if evt.Type != "response.audio.delta" {
		t.Errorf("event must still be usable, got type %q", evt.Type)
	}
}

func TestParseEvent_AssistantText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "output text done",
			raw:  `{"type":"response.output_text.done","output":[{"content":[{"text":"Привет!"}]}]}`,
			want: "Привет!",
		},
		{
			name: "audio transcript done",
			raw:  `{"type":"response.audio_transcript.done","transcript":"Как дела?"}`,
			want: "Как дела?",
		},
		{
			name: "other event",
			raw:  `{"type":"response.created","response":{"id":"r1"}}`,
			want: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			evt, err := ParseEvent([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if evt.AssistantText != tc.want {
				t.Errorf("text: want %q, got %q", tc.want, evt.AssistantText)
			}
			if evt.AudioDerived() {
				t.Error("text events must not derive audio")
			}
		})
	}
}

func TestParseEvent_NotJSON(t *testing.T) {
	t.Parallel()

	_, err := ParseEvent([]byte("plain"))
	if !errors.Is(err, ErrNotJSON) {
		t.Errorf("want ErrNotJSON, got %v", err)
	}
}

func TestHasType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want bool
	}{
		{`{"type":"response.create"}`, true},
		{`{"foo":"bar"}`, false},
		{`{"type":""}`, false},
		{`{"type":42}`, false},
		{`[1,2,3]`, false},
		{`not json`, false},
	}
	for _, tc := range tests {
		if got := HasType([]byte(tc.raw)); got != tc.want {
			t.Errorf("HasType(%s): want %v, got %v", tc.raw, tc.want, got)
		}
	}
}
