package resilience

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

var (
	_ llm.Provider = (*LLM)(nil)
	_ stt.Provider = (*STT)(nil)
	_ tts.Provider = (*TTS)(nil)
)

// LLM is an [llm.Provider] that fails over across a [Chain]. Only stream
// setup is covered; errors reported inside a running stream reach the
// caller as an error chunk.
type LLM struct{ *Chain[llm.Provider] }

// NewLLM wraps primary.
func NewLLM(name string, primary llm.Provider, cfg BreakerConfig) *LLM {
	return &LLM{NewChain(name, primary, cfg)}
}

// StreamCompletion implements llm.Provider.
func (p *LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Do(p.Chain, func(b llm.Provider) (<-chan llm.Chunk, error) {
		return b.StreamCompletion(ctx, req)
	})
}

// STT is an [stt.Provider] that fails over across a [Chain].
type STT struct{ *Chain[stt.Provider] }

// NewSTT wraps primary.
func NewSTT(name string, primary stt.Provider, cfg BreakerConfig) *STT {
	return &STT{NewChain(name, primary, cfg)}
}

// Transcribe implements stt.Provider.
func (p *STT) Transcribe(ctx context.Context, audio stt.Audio) (string, error) {
	return Do(p.Chain, func(b stt.Provider) (string, error) {
		return b.Transcribe(ctx, audio)
	})
}

// TTS is a [tts.Provider] that fails over across a [Chain].
type TTS struct{ *Chain[tts.Provider] }

// NewTTS wraps primary.
func NewTTS(name string, primary tts.Provider, cfg BreakerConfig) *TTS {
	return &TTS{NewChain(name, primary, cfg)}
}

// Synthesize implements tts.Provider.
func (p *TTS) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return Do(p.Chain, func(b tts.Provider) ([]byte, error) {
		return b.Synthesize(ctx, text, voice)
	})
}

// ContentType reports the primary's media type.
func (p *TTS) ContentType() string { return p.Primary().ContentType() }
