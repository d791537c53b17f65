// Package voiceapi serves the HTTP voice endpoint: one uploaded utterance in,
// a chunked stream of synthesised speech out.
//
// A [Turn] transcribes the upload, records it in the session history, streams
// an LLM completion through the synthesis pipeline and records the answer.
// [Handler] wraps a Turn in HTTP and maps failures to status codes as long as
// no audio has been written yet.
package voiceapi

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/synth"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// Turn stages, reported in [StageError].
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

var (
	// ErrEmptyTranscription is returned when the recogniser heard nothing.
	ErrEmptyTranscription = errors.New("voiceapi: empty transcription")

	// ErrEmptyResponse is returned when the LLM produced no text.
	ErrEmptyResponse = errors.New("voiceapi: empty response")
)

// StageError attributes a provider failure to the turn stage it occurred in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return "voiceapi: " + e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Turn runs one conversational exchange. The zero value is not usable; all
// fields except Metrics and Names are required.
type Turn struct {
	STT     stt.Provider
	LLM     llm.Provider
	Synth   *synth.Pipeline
	History *history.Store

	// Metrics receives stage latencies. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Names label provider metrics per stage ("stt", "llm").
	STTName string
	LLMName string
}

// TurnRequest is the input of [Turn.Run].
type TurnRequest struct {
	SessionID    string
	Audio        stt.Audio
	SystemPrompt string
	Voice        tts.VoiceProfile
}

// TurnResult describes a completed or partially completed turn.
type TurnResult struct {
	// Transcript is the recognised user utterance.
	Transcript string

	synth.Result
}

// Run transcribes req.Audio, appends it to the history as a user message,
// streams the reply through the synthesis pipeline into w and appends the
// full reply as an assistant message.
//
// The turn is traced as one span with a child per stage; every synthesised
// segment gets its own span from the pipeline.
func (t *Turn) Run(ctx context.Context, req TurnRequest, w io.Writer) (out TurnResult, err error) {
	ctx, turnSpan := observe.StartStage(ctx, observe.SpanVoiceTurn, req.SessionID, "")
	defer func() { observe.EndSpan(turnSpan, err) }()
	m := t.metrics()

	sttCtx, sttSpan := observe.StartStage(ctx, observe.SpanTranscribe, req.SessionID, name(t.STTName, "stt"))
	start := time.Now()
	text, err := t.STT.Transcribe(sttCtx, req.Audio)
	m.STTDuration.Record(ctx, time.Since(start).Seconds(), providerAttr(t.STTName, "stt"))
	observe.EndSpan(sttSpan, err)
	if err != nil {
		t.recordFailure(ctx, t.STTName, "stt")
		return out, &StageError{Stage: StageTranscribe, Err: err}
	}
	m.RecordProviderRequest(ctx, name(t.STTName, "stt"), "stt", "ok")

	text = strings.TrimSpace(text)
	if text == "" {
		return out, ErrEmptyTranscription
	}
	out.Transcript = text
	t.History.Append(req.SessionID, llm.Message{Role: llm.RoleUser, Content: text})

	genCtx, genSpan := observe.StartStage(ctx, observe.SpanGenerate, req.SessionID, name(t.LLMName, "llm"))
	start = time.Now()
	chunks, err := t.LLM.StreamCompletion(genCtx, llm.CompletionRequest{
		SystemPrompt: req.SystemPrompt,
		Messages:     t.History.Messages(req.SessionID),
	})
	if err != nil {
		observe.EndSpan(genSpan, err)
		t.recordFailure(ctx, t.LLMName, "llm")
		return out, &StageError{Stage: StageGenerate, Err: err}
	}

	// The stream drains while segments are synthesised, so the generate span
	// closes only when the pipeline returns.
	res, err := t.Synth.Run(ctx, chunks, req.Voice, w)
	m.LLMDuration.Record(ctx, time.Since(start).Seconds(), providerAttr(t.LLMName, "llm"))
	out.Result = res
	if errors.Is(err, synth.ErrGeneration) {
		observe.EndSpan(genSpan, err)
	} else {
		observe.EndSpan(genSpan, nil)
	}
	if err != nil {
		switch {
		case errors.Is(err, synth.ErrGeneration):
			t.recordFailure(ctx, t.LLMName, "llm")
			return out, &StageError{Stage: StageGenerate, Err: err}
		case ctx.Err() != nil:
			return out, err
		default:
			return out, &StageError{Stage: StageSynthesize, Err: err}
		}
	}
	m.RecordProviderRequest(ctx, name(t.LLMName, "llm"), "llm", "ok")

	reply := strings.TrimSpace(res.Text)
	if reply == "" {
		return out, ErrEmptyResponse
	}
	t.History.Append(req.SessionID, llm.Message{Role: llm.RoleAssistant, Content: reply})
	return out, nil
}

func (t *Turn) metrics() *observe.Metrics {
	if t.Metrics != nil {
		return t.Metrics
	}
	return observe.DefaultMetrics()
}

func (t *Turn) recordFailure(ctx context.Context, provider, kind string) {
	if ctx.Err() != nil {
		return
	}
	m := t.metrics()
	m.RecordProviderRequest(ctx, name(provider, kind), kind, "error")
	m.RecordProviderError(ctx, name(provider, kind), kind)
}

func name(n, fallback string) string {
	if n == "" {
		return fallback
	}
	return n
}

func providerAttr(provider, fallback string) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("provider", name(provider, fallback)))
}
