// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio clips to consumers and to verify
// which text segments and VoiceProfile reached the TTS backend. Delays lets
// tests make later segments finish before earlier ones.
//
// Example:
//
//	p := &mock.Provider{
//	    Delays: map[string]time.Duration{"Привет, ": 50 * time.Millisecond},
//	}
//	audio, _ := p.Synthesize(ctx, "Привет, ", tts.VoiceProfile{ID: "echo"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the segment passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio, if set, maps a segment to the clip returned for it. Segments not
	// in the map yield their own UTF-8 bytes.
	Audio map[string][]byte

	// Delays holds per-segment latencies applied before returning.
	Delays map[string]time.Duration

	// Errs holds per-segment errors.
	Errs map[string]error

	// Err, if non-nil, is returned for every segment without an entry in Errs.
	Err error

	// SynthesizeCalls records every call in arrival order.
	SynthesizeCalls []SynthesizeCall
}

// ContentType implements tts.Provider.
func (p *Provider) ContentType() string { return "audio/mpeg" }

// Synthesize records the call, waits for the configured delay, and returns
// the configured clip or error. It returns ctx.Err() if ctx ends first.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	delay := p.Delays[text]
	err, ok := p.Errs[text]
	if !ok {
		err = p.Err
	}
	audio, found := p.Audio[text]
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !found {
		audio = []byte(text)
	}
	return append([]byte(nil), audio...), nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

var _ tts.Provider = (*Provider)(nil)
