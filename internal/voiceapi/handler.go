package voiceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxrelay/internal/automation"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/sessioncfg"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// DefaultMaxUploadBytes caps the multipart body. It matches the 25 MB limit
// of the OpenAI transcription endpoint.
const DefaultMaxUploadBytes = 25 << 20

// DefaultSessionID is used when the request names no session.
const DefaultSessionID = "default"

// Handler serves POST /api/voice.
type Handler struct {
	turn     *Turn
	snap     *automation.Snapshot
	voice    tts.VoiceProfile
	useAutoV bool
	maxBytes int64
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithSnapshot supplies the automation configuration used for the system
// prompt (and, with [WithAutomationVoice], the voice).
func WithSnapshot(s *automation.Snapshot) HandlerOption {
	return func(h *Handler) { h.snap = s }
}

// WithVoice sets the base voice profile.
func WithVoice(v tts.VoiceProfile) HandlerOption {
	return func(h *Handler) { h.voice = v }
}

// WithAutomationVoice lets the automation voice and speed override the base
// voice profile. Enable it only when the TTS backend understands realtime
// voice names.
func WithAutomationVoice(enabled bool) HandlerOption {
	return func(h *Handler) { h.useAutoV = enabled }
}

// WithMaxUploadBytes overrides [DefaultMaxUploadBytes].
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// NewHandler returns a Handler running turns with t. A nil t, or a Turn
// with a missing provider, makes every request fail with 500 because the
// API credential is absent.
func NewHandler(t *Turn, opts ...HandlerOption) *Handler {
	h := &Handler{turn: t, maxBytes: DefaultMaxUploadBytes}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/voice", h)
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (h *Handler) configured() bool {
	t := h.turn
	return t != nil && t.STT != nil && t.LLM != nil && t.Synth != nil && t.History != nil
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	audio, sessionID, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "audio file too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "no audio file provided", Details: err.Error()})
		return
	}
	if !h.configured() {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "OPENAI_API_KEY is not configured"})
		return
	}

	log = log.With("session_id", sessionID)
	log.Info("voice request", "bytes", len(audio.Data), "filename", audio.Filename)

	prompt, voice := h.persona()
	out := &lazyWriter{w: w, sessionID: sessionID, contentType: h.turn.Synth.ContentType()}

	start := time.Now()
	res, err := h.turn.Run(r.Context(), TurnRequest{
		SessionID:    sessionID,
		Audio:        audio,
		SystemPrompt: prompt,
		Voice:        voice,
	}, out)

	switch {
	case err == nil:
		log.Info("voice turn completed",
			"transcript", res.Transcript,
			"reply", res.Text,
			"segments", res.Segments,
			"bytes", res.Bytes,
			"duration", time.Since(start))
	case out.started:
		// Audio is already on the wire; all that is left is to end the stream.
		log.Warn("voice turn aborted mid-stream", "err", err, "bytes", res.Bytes)
	case errors.Is(err, context.Canceled):
		log.Info("voice turn cancelled by client")
	default:
		status := statusFor(err)
		log.Error("voice turn failed", "err", err, "status", status)
		writeJSON(w, status, errorBody{Error: messageFor(err), Details: err.Error()})
	}
}

// persona resolves the system prompt and voice for the next turn.
func (h *Handler) persona() (string, tts.VoiceProfile) {
	prompt := sessioncfg.DefaultInstructions
	voice := h.voice
	if h.snap == nil {
		return prompt, voice
	}
	cfg := h.snap.Load()
	if cfg == nil {
		return prompt, voice
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		prompt = cfg.SystemPrompt
	}
	if h.useAutoV {
		params := sessioncfg.Build(&automation.Config{Voice: cfg.Voice, Speed: cfg.Speed}, nil)
		voice.ID = params.Voice
		if params.Speed != nil {
			voice.SpeedFactor = *params.Speed
		}
	}
	return prompt, voice
}

// readUpload extracts the audio file ("audio", or "file") and session id
// from a multipart request.
func readUpload(r *http.Request) (stt.Audio, string, error) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return stt.Audio{}, "", err
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := strings.TrimSpace(r.FormValue("sessionId"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get("X-Session-Id"))
	}
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	var (
		f   multipart.File
		hdr *multipart.FileHeader
		err error
	)
	for _, field := range []string{"audio", "file"} {
		f, hdr, err = r.FormFile(field)
		if err == nil {
			break
		}
	}
	if err != nil {
		return stt.Audio{}, sessionID, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return stt.Audio{}, sessionID, err
	}
	if len(data) == 0 {
		return stt.Audio{}, sessionID, stt.ErrEmptyAudio
	}
	return stt.Audio{
		Data:        data,
		Filename:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
	}, sessionID, nil
}

func statusFor(err error) int {
	var se *StageError
	if errors.As(err, &se) && se.Stage != StageTranscribe {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func messageFor(err error) string {
	var se *StageError
	switch {
	case errors.Is(err, ErrEmptyTranscription):
		return "could not recognise speech"
	case errors.Is(err, ErrEmptyResponse):
		return "empty response from language model"
	case errors.As(err, &se):
		switch se.Stage {
		case StageTranscribe:
			return "transcription failed"
		case StageGenerate:
			return "language model request failed"
		}
		return "speech synthesis failed"
	}
	return "internal error"
}

// lazyWriter commits the audio response headers on the first write, so that
// failures before any audio can still be reported as JSON.
type lazyWriter struct {
	w           http.ResponseWriter
	sessionID   string
	contentType string
	started     bool
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		h := l.w.Header()
		h.Set("Content-Type", l.contentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Session-Id", l.sessionID)
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}

// Flush implements [http.Flusher].
func (l *lazyWriter) Flush() {
	if !l.started {
		return
	}
	if f, ok := l.w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
