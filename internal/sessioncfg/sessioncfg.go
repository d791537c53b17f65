// Package sessioncfg builds the realtime session parameters sent in the
// single session.update of every upstream handshake.
//
// [Build] is pure and total: any combination of configuration fields, nil
// included, yields a valid parameter set. Invalid fields fall back to their
// defaults individually and are reported with a warning.
package sessioncfg

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/MrWong99/voxrelay/internal/automation"
	"github.com/MrWong99/voxrelay/internal/tools"
	"github.com/MrWong99/voxrelay/pkg/realtime"
)

const (
	// DefaultInstructions is the system prompt used when none is configured.
	DefaultInstructions = "Ты голосовой ассистент и всегда отвечаешь по-русски, кратко и дружелюбно."

	// DefaultVoice is the realtime voice used when none (or an unknown one) is
	// configured.
	DefaultVoice = "echo"

	// MinSpeed and MaxSpeed bound the accepted playback speed.
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// Tool choice keywords accepted verbatim.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// Default returns the parameters used when no configuration is available.
func Default() realtime.SessionParams {
	return realtime.SessionParams{
		Instructions:      DefaultInstructions,
		Voice:             DefaultVoice,
		InputAudioFormat:  realtime.AudioFormatPCM16,
		OutputAudioFormat: realtime.AudioFormatPCM16,
		TurnDetection:     &realtime.TurnDetection{Type: realtime.TurnDetectionServerVAD},
	}
}

// Build merges cfg over [Default]. Tool names are resolved through catalog;
// a nil catalog resolves nothing.
func Build(cfg *automation.Config, catalog *tools.Catalog) realtime.SessionParams {
	p := Default()
	if cfg == nil {
		return p
	}

	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		p.Instructions = cfg.SystemPrompt
	}

	switch {
	case cfg.Voice == "":
	case realtime.IsVoice(cfg.Voice):
		p.Voice = cfg.Voice
	default:
		slog.Warn("sessioncfg: unknown voice, using default", "voice", cfg.Voice, "default", DefaultVoice)
	}

	if cfg.Speed != nil {
		s := *cfg.Speed
		if s >= MinSpeed && s <= MaxSpeed {
			p.Speed = &s
		} else {
			slog.Warn("sessioncfg: speed out of range, omitting", "speed", s, "min", MinSpeed, "max", MaxSpeed)
		}
	}

	if len(cfg.Tools) > 0 {
		var (
			defs    []realtime.Tool
			unknown []tools.Unknown
		)
		if catalog != nil {
			defs, unknown = catalog.Resolve(cfg.Tools)
		} else {
			for _, n := range cfg.Tools {
				unknown = append(unknown, tools.Unknown{Name: n})
			}
		}
		for _, u := range unknown {
			if u.Suggestion != "" {
				slog.Warn("sessioncfg: unknown tool dropped", "tool", u.Name, "did_you_mean", u.Suggestion)
			} else {
				slog.Warn("sessioncfg: unknown tool dropped", "tool", u.Name)
			}
		}
		p.Tools = defs
	}

	p.ToolChoice = toolChoice(cfg.ToolChoice, p.Tools)
	return p
}

// toolChoice returns the explicit choice when valid, "auto" when tools are
// present, and "" otherwise.
func toolChoice(explicit string, defs []realtime.Tool) string {
	if explicit != "" {
		switch explicit {
		case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
			return explicit
		}
		if slices.ContainsFunc(defs, func(t realtime.Tool) bool { return t.Name == explicit }) {
			return explicit
		}
		slog.Warn("sessioncfg: invalid tool_choice ignored", "tool_choice", explicit)
	}
	if len(defs) > 0 {
		return ToolChoiceAuto
	}
	return ""
}
