// Package synth turns a streaming LLM completion into an ordered stream of
// synthesised audio clips.
//
// Text is cut into short segments by a [Segmenter] as tokens arrive. Each
// segment is synthesised as soon as it is complete, with a bounded number of
// synthesis calls in flight, and a single writer emits the clips in the order
// the segments were cut. A later segment that finishes early waits for its
// predecessors.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// DefaultConcurrency is the number of synthesis calls allowed in flight.
const DefaultConcurrency = 3

// ErrGeneration wraps a mid-stream failure reported by the LLM.
var ErrGeneration = errors.New("synth: generation failed")

// Result summarises one pipeline run.
type Result struct {
	// Text is the full generated text, as streamed by the LLM.
	Text string

	// Segments is the number of segments submitted for synthesis.
	Segments int

	// Bytes is the number of audio bytes written.
	Bytes int64

	// Wrote reports whether any audio reached the writer.
	Wrote bool
}

// Pipeline dispatches text segments to a TTS provider. A Pipeline is
// stateless between runs and safe for concurrent use.
type Pipeline struct {
	tts          tts.Provider
	providerName string
	concurrency  int
	firstMinLen  int
	minLen       int
	maxLen       int
	metrics      *observe.Metrics
	onFirstAudio func()
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithConcurrency bounds the number of synthesis calls in flight. Values
// below one are ignored.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithSegmentLengths overrides the segmenter thresholds. Zero keeps the
// default for that threshold.
func WithSegmentLengths(firstMin, minLen, maxLen int) Option {
	return func(p *Pipeline) {
		if firstMin > 0 {
			p.firstMinLen = firstMin
		}
		if minLen > 0 {
			p.minLen = minLen
		}
		if maxLen > 0 {
			p.maxLen = maxLen
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProviderName labels provider metrics. Default: "tts".
func WithProviderName(name string) Option {
	return func(p *Pipeline) { p.providerName = name }
}

// New creates a Pipeline backed by provider.
func New(provider tts.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		tts:          provider,
		providerName: "tts",
		concurrency:  DefaultConcurrency,
		firstMinLen:  DefaultFirstMinLen,
		minLen:       DefaultMinLen,
		maxLen:       DefaultMaxLen,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// ContentType returns the MIME type of the audio written by Run.
func (p *Pipeline) ContentType() string { return p.tts.ContentType() }

type slot struct {
	index int
	text  string
	done  chan slotResult
}

type slotResult struct {
	audio []byte
	err   error
}

// Run consumes chunks until the channel closes, synthesises each segment with
// voice, and writes the clips to w in segment order. If w implements
// [http.Flusher] it is flushed after every clip.
//
// Run returns when all written clips are out, the LLM reports an error, a
// synthesis call or write fails, or ctx is cancelled. No clip is written
// after ctx is cancelled. The Result is valid even when an error is returned.
func (p *Pipeline) Run(ctx context.Context, chunks <-chan llm.Chunk, voice tts.VoiceProfile, w io.Writer) (Result, error) {
	var (
		res     Result
		text    strings.Builder
		start   = time.Now()
		flusher = asFlusher(w)
		pending = make(chan *slot, p.concurrency)
	)

	g, gctx := errgroup.WithContext(ctx)

	// Writer: drains slots in submission order.
	g.Go(func() error {
		for sl := range pending {
			var r slotResult
			select {
			case r = <-sl.done:
			case <-gctx.Done():
				return nil
			}
			if gctx.Err() != nil {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("synth: segment %d: %w", sl.index, r.err)
			}
			if len(r.audio) == 0 {
				continue
			}
			n, err := w.Write(r.audio)
			res.Bytes += int64(n)
			if n > 0 && !res.Wrote {
				res.Wrote = true
				p.metrics.FirstAudioLatency.Record(gctx, time.Since(start).Seconds())
			}
			if err != nil {
				return fmt.Errorf("synth: write segment %d: %w", sl.index, err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	})

	// Dispatcher: segments the stream and starts synthesis calls.
	g.Go(func() error {
		calls := new(errgroup.Group)
		calls.SetLimit(p.concurrency)
		defer func() {
			_ = calls.Wait()
			close(pending)
		}()

		submit := func(seg string) error {
			sl := &slot{index: res.Segments, text: seg, done: make(chan slotResult, 1)}
			res.Segments++
			select {
			case pending <- sl:
			case <-gctx.Done():
				return gctx.Err()
			}
			calls.Go(func() error {
				sl.done <- p.synthesize(gctx, sl.text, voice)
				return nil
			})
			return nil
		}

		seg := &Segmenter{FirstMinLen: p.firstMinLen, MinLen: p.minLen, MaxLen: p.maxLen}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case chunk, ok := <-chunks:
				if !ok {
					if rest := seg.Flush(); rest != "" {
						return submit(rest)
					}
					return nil
				}
				if chunk.FinishReason == llm.FinishError {
					return fmt.Errorf("%w: %s", ErrGeneration, chunk.Text)
				}
				text.WriteString(chunk.Text)
				for _, s := range seg.Push(chunk.Text) {
					if err := submit(s); err != nil {
						return err
					}
				}
			}
		}
	})

	err := g.Wait()
	res.Text = text.String()
	if err == nil {
		// The writer swallows cancellation; surface it here.
		err = ctx.Err()
	}
	return res, err
}

func (p *Pipeline) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) slotResult {
	ctx, span := observe.StartStage(ctx, observe.SpanSynthesize, "", p.providerName)
	span.SetAttributes(attribute.Int("voxrelay.segment_runes", utf8.RuneCountInString(text)))
	start := time.Now()
	audio, err := p.tts.Synthesize(ctx, text, voice)
	observe.EndSpan(span, err)
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", p.providerName)))
	if err != nil {
		if ctx.Err() == nil {
			p.metrics.RecordProviderError(ctx, p.providerName, "tts")
			slog.Warn("synth: segment synthesis failed", "provider", p.providerName, "err", err)
		}
		p.metrics.RecordProviderRequest(ctx, p.providerName, "tts", "error")
		return slotResult{err: err}
	}
	p.metrics.RecordProviderRequest(ctx, p.providerName, "tts", "ok")
	return slotResult{audio: audio}
}

func asFlusher(w io.Writer) http.Flusher {
	if f, ok := w.(http.Flusher); ok {
		return f
	}
	return nil
}
