package synth

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
)

// recorder captures each Write as a separate clip and counts flushes.
type recorder struct {
	buf     bytes.Buffer
	clips   []string
	flushes int
}

func (r *recorder) Write(p []byte) (int, error) {
	r.clips = append(r.clips, string(p))
	return r.buf.Write(p)
}

func (r *recorder) Flush() { r.flushes++ }

// stream returns a closed channel pre-filled with chunks.
func stream(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestRun_PreservesOrderWhenLaterSegmentFinishesFirst(t *testing.T) {
	t.Parallel()

	provider := &ttsmock.Provider{
		Delays: map[string]time.Duration{"Привет,": 80 * time.Millisecond},
	}
	p := New(provider)
	w := &recorder{}

	res, err := p.Run(context.Background(),
		stream(llm.Chunk{Text: "Привет, "}, llm.Chunk{Text: "как дела?"}, llm.Chunk{FinishReason: "stop"}),
		tts.VoiceProfile{ID: "echo"}, w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := []string{"Привет,", "как дела?"}; !slices.Equal(w.clips, want) {
		t.Errorf("write order:\n got %q\nwant %q", w.clips, want)
	}
	if res.Text != "Привет, как дела?" {
		t.Errorf("text: got %q", res.Text)
	}
	if res.Segments != 2 || !res.Wrote || res.Bytes != int64(w.buf.Len()) {
		t.Errorf("result: %+v", res)
	}
	if w.flushes != 2 {
		t.Errorf("flushes: want 2, got %d", w.flushes)
	}

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("tts calls: want 2, got %d", len(calls))
	}
	for _, c := range calls {
		if c.Voice.ID != "echo" {
			t.Errorf("voice: got %q", c.Voice.ID)
		}
	}
}

func TestRun_FlushesRemainder(t *testing.T) {
	t.Parallel()

	w := &recorder{}
	res, err := New(&ttsmock.Provider{}).Run(context.Background(),
		stream(llm.Chunk{Text: "без "}, llm.Chunk{Text: "точки"}),
		tts.VoiceProfile{}, w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(w.clips, []string{"без точки"}) || res.Segments != 1 {
		t.Errorf("clips %q, result %+v", w.clips, res)
	}
}

func TestRun_EmptyStream(t *testing.T) {
	t.Parallel()

	w := &recorder{}
	res, err := New(&ttsmock.Provider{}).Run(context.Background(), stream(), tts.VoiceProfile{}, w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Wrote || res.Segments != 0 || res.Text != "" {
		t.Errorf("result: %+v", res)
	}
}

func TestRun_GenerationError(t *testing.T) {
	t.Parallel()

	_, err := New(&ttsmock.Provider{}).Run(context.Background(),
		stream(llm.Chunk{Text: "Привет"}, llm.Chunk{FinishReason: llm.FinishError, Text: "rate limited"}),
		tts.VoiceProfile{}, &recorder{})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("want ErrGeneration, got %v", err)
	}
}

func TestRun_SynthesisErrorStopsOutput(t *testing.T) {
	t.Parallel()

	boom := errors.New("tts down")
	provider := &ttsmock.Provider{Errs: map[string]error{"Привет,": boom}}
	w := &recorder{}

	res, err := New(provider).Run(context.Background(),
		stream(llm.Chunk{Text: "Привет, "}, llm.Chunk{Text: "как дела?"}),
		tts.VoiceProfile{}, w)
	if !errors.Is(err, boom) {
		t.Fatalf("want tts error, got %v", err)
	}
	if len(w.clips) != 0 || res.Wrote {
		t.Errorf("no clip may follow a failed segment: %q", w.clips)
	}
}

func TestRun_CancelWritesNothing(t *testing.T) {
	t.Parallel()

	provider := &ttsmock.Provider{
		Delays: map[string]time.Duration{"Привет,": 5 * time.Second},
	}
	chunks := make(chan llm.Chunk, 1)
	chunks <- llm.Chunk{Text: "Привет, "}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	w := &recorder{}
	start := time.Now()
	_, err := New(provider).Run(ctx, chunks, tts.VoiceProfile{}, w)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Run did not abort promptly")
	}
	if len(w.clips) != 0 {
		t.Errorf("clips written after cancel: %q", w.clips)
	}
}

// gaugeTTS tracks the peak number of concurrent Synthesize calls.
type gaugeTTS struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (g *gaugeTTS) ContentType() string { return "audio/mpeg" }

func (g *gaugeTTS) Synthesize(ctx context.Context, text string, _ tts.VoiceProfile) ([]byte, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte(text), nil
}

func TestRun_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	g := &gaugeTTS{}
	var chunks []llm.Chunk
	for range 10 {
		chunks = append(chunks, llm.Chunk{Text: "Это предложение. "})
	}

	w := &recorder{}
	res, err := New(g, WithConcurrency(2)).Run(context.Background(), stream(chunks...), tts.VoiceProfile{}, w)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Segments != 10 || len(w.clips) != 10 {
		t.Errorf("segments %d, clips %d", res.Segments, len(w.clips))
	}
	if peak := g.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak)
	}
}
