package journal

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// Output formats accepted by the handler's format query parameter.
const (
	FormatRaw    = "raw"
	FormatPretty = "pretty"
	FormatDialog = "dialog"
)

const defaultLines = 100

// response is the /admin/logs body.
type response struct {
	Status              string   `json:"status"`
	Timestamp           string   `json:"timestamp"`
	LinesRequested      int      `json:"lines_requested"`
	Format              string   `json:"format"`
	FilterType          *string  `json:"filter_type"`
	FilterSessionID     *string  `json:"filter_session_id"`
	AvailableSessionIDs []string `json:"available_session_ids"`
	Logs                logs     `json:"logs"`
	Stats               stats    `json:"stats"`
}

type logs struct {
	Out []any `json:"out"`
	Err []any `json:"err"`
}

type stats struct {
	OutTotal  int `json:"out_total"`
	OutParsed int `json:"out_parsed"`
	ErrTotal  int `json:"err_total"`
	ErrParsed int `json:"err_parsed"`
}

// Handler serves the journal as JSON. It is safe for concurrent use.
type Handler struct {
	j *Journal
}

// NewHandler returns the /admin/logs handler for j.
func NewHandler(j *Journal) *Handler { return &Handler{j: j} }

// Register adds the GET /admin/logs route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /admin/logs", h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lines, err := strconv.Atoi(q.Get("lines"))
	if err != nil || lines <= 0 {
		lines = defaultLines
	}
	format := q.Get("format")
	switch format {
	case FormatRaw, FormatPretty, FormatDialog:
	default:
		format = FormatPretty
	}
	filterType := strings.TrimSpace(q.Get("type"))
	filterSession := strings.TrimSpace(q.Get("sessionId"))

	recent := h.j.Last(lines)

	var out, errs []Entry
	for _, e := range recent {
		if e.IsError() {
			errs = append(errs, e)
		} else {
			out = append(out, e)
		}
	}

	f := filter{format: format, typ: filterType, sessionID: filterSession}
	res := response{
		Status:              "ok",
		Timestamp:           time.Now().UTC().Format(time.RFC3339Nano),
		LinesRequested:      lines,
		Format:              format,
		FilterType:          optional(q.Get("type")),
		FilterSessionID:     optional(q.Get("sessionId")),
		AvailableSessionIDs: SessionIDs(out),
		Logs: logs{
			Out: f.apply(out),
			Err: f.apply(errs),
		},
	}
	res.Stats = stats{
		OutTotal:  len(out),
		OutParsed: countObjects(res.Logs.Out),
		ErrTotal:  len(errs),
		ErrParsed: countObjects(res.Logs.Err),
	}

	writeJSON(w, http.StatusOK, res)
}

type filter struct {
	format    string
	typ       string
	sessionID string
}

func (f filter) apply(entries []Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		if f.format == FormatDialog && !isTranscriptDone(e.Type) {
			continue
		}
		if f.typ != "" && f.format != FormatDialog && e.Type != f.typ {
			continue
		}
		if f.sessionID != "" && e.SessionID != f.sessionID {
			continue
		}
		out = append(out, f.render(e))
	}
	return out
}

func (f filter) render(e Entry) any {
	switch f.format {
	case FormatRaw:
		return string(e.Raw)
	case FormatDialog:
		return dialogView(e)
	default:
		return prettyView(e)
	}
}

// event is the subset of realtime event fields rendered by the views.
type event struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Item       *struct {
		Transcript string `json:"transcript,omitempty"`
	} `json:"item,omitempty"`
	Output []struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output,omitempty"`
	Response *struct {
		ID     string `json:"id,omitempty"`
		Status string `json:"status,omitempty"`
		Output []struct {
			Type       string `json:"type"`
			Transcript string `json:"transcript,omitempty"`
			Content    []struct {
				Text       string `json:"text,omitempty"`
				Transcript string `json:"transcript,omitempty"`
			} `json:"content,omitempty"`
		} `json:"output,omitempty"`
	} `json:"response,omitempty"`
	Error *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Param   string `json:"param,omitempty"`
	} `json:"error,omitempty"`
}

type prettyEntry struct {
	Type            string         `json:"type"`
	Timestamp       string         `json:"timestamp"`
	EventID         string         `json:"event_id,omitempty"`
	ResponseID      string         `json:"response_id,omitempty"`
	ItemID          string         `json:"item_id,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
	Direction       Direction      `json:"direction"`
	UserQuestion    string         `json:"user_question,omitempty"`
	AssistantAnswer string         `json:"assistant_answer,omitempty"`
	Response        *responseBlock `json:"response,omitempty"`
	Error           *errorBlock    `json:"error,omitempty"`
	SpeechStarted   bool           `json:"speech_started,omitempty"`
	SpeechStopped   bool           `json:"speech_stopped,omitempty"`
}

type responseBlock struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

type errorBlock struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

type dialogEntry struct {
	Timestamp  string  `json:"timestamp"`
	Type       string  `json:"type"`
	User       *string `json:"user"`
	Assistant  *string `json:"assistant"`
	ResponseID string  `json:"response_id,omitempty"`
	EventID    string  `json:"event_id,omitempty"`
	SessionID  *string `json:"sessionId"`
}

func prettyView(e Entry) prettyEntry {
	var ev event
	_ = json.Unmarshal(e.Raw, &ev)

	p := prettyEntry{
		Type:            ev.Type,
		Timestamp:       e.Time.Format(time.RFC3339Nano),
		EventID:         ev.EventID,
		ResponseID:      ev.ResponseID,
		ItemID:          ev.ItemID,
		SessionID:       e.SessionID,
		Direction:       e.Direction,
		UserQuestion:    userQuestion(ev),
		AssistantAnswer: assistantAnswer(ev),
	}
	if p.Type == "" {
		p.Type = "unknown"
	}

	switch ev.Type {
	case realtime.EventResponseCreated, realtime.EventResponseDone:
		if ev.Response != nil {
			p.Response = &responseBlock{ID: ev.Response.ID, Status: ev.Response.Status}
		}
	case realtime.EventError:
		if ev.Error != nil {
			p.Error = &errorBlock{Code: ev.Error.Code, Message: ev.Error.Message, Param: ev.Error.Param}
		}
	case realtime.EventSpeechStarted:
		p.SpeechStarted = true
	case realtime.EventSpeechStopped:
		p.SpeechStopped = true
	}
	return p
}

func dialogView(e Entry) dialogEntry {
	var ev event
	_ = json.Unmarshal(e.Raw, &ev)
	return dialogEntry{
		Timestamp:  e.Time.Format(time.RFC3339Nano),
		Type:       ev.Type,
		Assistant:  optional(ev.Transcript),
		ResponseID: ev.ResponseID,
		EventID:    ev.EventID,
		SessionID:  optional(e.SessionID),
	}
}

func userQuestion(ev event) string {
	switch ev.Type {
	case realtime.EventInputTranscriptionCompleted:
		if ev.Transcript != "" {
			return ev.Transcript
		}
		if ev.Item != nil {
			return ev.Item.Transcript
		}
	case realtime.EventInputTranscriptionDelta:
		return ev.Delta
	case realtime.EventInputAudioBufferCommitted:
		return ev.Transcript
	}
	return ""
}

func assistantAnswer(ev event) string {
	switch ev.Type {
	case realtime.EventResponseOutputTextDone:
		if len(ev.Output) > 0 && len(ev.Output[0].Content) > 0 {
			return ev.Output[0].Content[0].Text
		}
	case realtime.EventResponseOutputTextDelta:
		return ev.Delta
	case realtime.EventResponseAudioTranscriptDone, realtime.EventResponseOutputAudioTranscript:
		return ev.Transcript
	case realtime.EventResponseDone:
		if ev.Response == nil {
			return ""
		}
		for _, o := range ev.Response.Output {
			if o.Type == "output_text" && len(o.Content) > 0 && o.Content[0].Text != "" {
				return o.Content[0].Text
			}
		}
		for _, o := range ev.Response.Output {
			if o.Type == "output_audio" && o.Transcript != "" {
				return o.Transcript
			}
		}
	}
	return ""
}

func isTranscriptDone(t string) bool {
	return t == realtime.EventResponseAudioTranscriptDone || t == realtime.EventResponseOutputAudioTranscript
}

func countObjects(items []any) int {
	n := 0
	for _, it := range items {
		if _, ok := it.(string); !ok {
			n++
		}
	}
	return n
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
