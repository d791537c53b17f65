// Package app wires all voxrelay subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialFunc,
// WithFetcher, etc.) and mount [App.Handler] on an httptest server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxrelay/internal/automation"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/gateway"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/journal"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/synth"
	"github.com/MrWong99/voxrelay/internal/tools"
	"github.com/MrWong99/voxrelay/internal/upstream"
	"github.com/MrWong99/voxrelay/internal/voiceapi"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// Providers holds one interface value per provider slot of the HTTP
// synthesis pipeline. Nil means the provider is not configured. Populated by
// main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// missing lists the unset provider slots.
func (p *Providers) missing() []string {
	var out []string
	if p == nil || p.LLM == nil {
		out = append(out, "llm")
	}
	if p == nil || p.STT == nil {
		out = append(out, "stt")
	}
	if p == nil || p.TTS == nil {
		out = append(out, "tts")
	}
	return out
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	fetcher        *automation.Fetcher
	dial           gateway.DialFunc

	snap      *automation.Snapshot
	refresher *automation.Refresher
	journal   *journal.Journal
	history   *history.Store
	sessions  *SessionManager
	handler   http.Handler
	server    *http.Server

	addrMu sync.Mutex
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler, typically
// [observe.Telemetry.Handler]. Default: the Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithFetcher injects the automation webhook client.
func WithFetcher(f *automation.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithDialFunc replaces the upstream realtime dialer.
func WithDialFunc(d gateway.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithCloser registers fn to run during Shutdown after the server stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App from cfg. providers may be partially populated; the
// synthesis endpoint reports a configuration error for missing slots.
//
// New does not perform network I/O. The automation configuration is loaded
// in the background by [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		sessions:  NewSessionManager(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Automation snapshot ───────────────────────────────────────────
	a.initAutomation()

	// ── 2. Event journal + history ───────────────────────────────────────
	a.journal = journal.New(cfg.Journal.Capacity)
	a.history = history.New(cfg.Synthesis.HistorySize)

	// ── 3. Routes ────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.initRealtime(mux)
	a.initVoice(mux)
	a.initHealth(mux)
	journal.NewHandler(a.journal).Register(mux)
	mux.Handle("GET /admin/sessions", a.sessions)
	mux.Handle("GET /metrics", a.metricsHandler)

	a.handler = CORS(observe.Middleware(a.metrics)(mux))
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initAutomation() {
	a.snap = automation.NewSnapshot()
	if a.fetcher == nil {
		a.fetcher = automation.NewFetcher(a.cfg.Automation.WebhookURL)
	}
	a.refresher = automation.NewRefresher(a.fetcher, a.cfg.Automation.ID, a.snap,
		automation.WithInterval(a.cfg.Automation.RefreshInterval),
		automation.WithLoadTimeout(a.cfg.Automation.LoadTimeout),
		automation.WithOnChange(func(old, cur *automation.Config) {
			slog.Info("automation configuration changed; new realtime sessions use it",
				"had_config", old != nil, "voice", voiceOf(cur))
		}),
	)
}

func (a *App) initRealtime(mux *http.ServeMux) {
	if a.dial == nil {
		d := upstream.NewDialer(a.cfg.Realtime.APIKey,
			upstream.WithModel(a.cfg.Realtime.Model),
			upstream.WithBaseURL(a.cfg.Realtime.BaseURL),
			upstream.WithQueueSize(a.cfg.Realtime.QueueSize),
			upstream.WithSnapshot(a.snap),
			upstream.WithCatalog(tools.Default()),
		)
		a.dial = gateway.UpstreamDialer(d)
	}
	gateway.New(a.dial,
		gateway.WithJournal(a.journal),
		gateway.WithMetrics(a.metrics),
		gateway.WithTracker(a.sessions),
	).Register(mux)
}

func (a *App) initVoice(mux *http.ServeMux) {
	ps := a.providers
	turn := &voiceapi.Turn{
		STT:     ps.STT,
		LLM:     ps.LLM,
		History: a.history,
		Metrics: a.metrics,
		STTName: a.cfg.Providers.STT.Name,
		LLMName: a.cfg.Providers.LLM.Name,
	}
	if ps.TTS != nil {
		s := a.cfg.Synthesis
		turn.Synth = synth.New(ps.TTS,
			synth.WithConcurrency(s.Concurrency),
			synth.WithSegmentLengths(s.FirstMinLen, s.MinLen, s.MaxLen),
			synth.WithMetrics(a.metrics),
			synth.WithProviderName(a.cfg.Providers.TTS.Name),
		)
	}

	entry := a.cfg.Providers.TTS
	voice := tts.VoiceProfile{ID: entry.OptionString("voice")}
	if voice.ID == "" {
		voice.ID = entry.OptionString("voice_id")
	}
	voiceapi.NewHandler(turn,
		voiceapi.WithSnapshot(a.snap),
		voiceapi.WithVoice(voice),
		voiceapi.WithAutomationVoice(entry.Name == "openai"),
		voiceapi.WithMaxUploadBytes(a.cfg.Synthesis.MaxUploadBytes),
	).Register(mux)
}

func (a *App) initHealth(mux *http.ServeMux) {
	health.New(
		health.WithOpenAIConfigured(a.cfg.OpenAIConfigured()),
		health.WithChecker(health.Checker{
			Name: "providers",
			Check: func(context.Context) error {
				if m := a.providers.missing(); len(m) > 0 {
					return fmt.Errorf("not configured: %s", strings.Join(m, ", "))
				}
				return nil
			},
		}),
		health.WithChecker(health.Checker{
			Name:          "automation_webhook",
			Informational: true,
			Check:         a.checkAutomation,
		}),
	).Register(mux)
}

// checkAutomation reports whether the configured automation was loaded.
func (a *App) checkAutomation(context.Context) error {
	switch {
	case a.cfg.Automation.ID == "":
		return nil
	case !a.snap.Loaded():
		return errors.New("initial load pending")
	case a.snap.Load() == nil:
		return errors.New("webhook unavailable, using defaults")
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler with CORS and observability
// middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Snapshot returns the automation snapshot shared by both modes.
func (a *App) Snapshot() *automation.Snapshot { return a.snap }

// Addr returns the bound listen address once Run has started listening.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Run starts the automation refresher and serves HTTP until ctx is
// cancelled. Listening does not wait for the automation load. Call Shutdown
// afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()

	a.refresher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, cancels live realtime sessions, stops
// the automation refresher and runs the registered closers. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.sessions.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sessions: %w", err))
		}
		a.refresher.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func voiceOf(c *automation.Config) string {
	if c == nil {
		return ""
	}
	return c.Voice
}
