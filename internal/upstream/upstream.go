// Package upstream manages one WebSocket session to the OpenAI Realtime API
// per connected client.
//
// A [Session] moves through the states Connecting → Ready → Configured →
// Active → Closed. The configuring session.update is sent exactly once, and
// only after the upstream announced session.created. Client events and
// audio submitted before that point are queued and replayed immediately
// after the session.update so the model never sees them unconfigured.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxrelay/internal/automation"
	"github.com/MrWong99/voxrelay/internal/frame"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/sessioncfg"
	"github.com/MrWong99/voxrelay/internal/tools"
	"github.com/MrWong99/voxrelay/pkg/realtime"
)

const (
	DefaultModel   = "gpt-4o-realtime-preview"
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"

	// DefaultQueueSize bounds the number of client messages held while the
	// session is not yet configured.
	DefaultQueueSize = 64

	// readLimit raises the coder/websocket default of 32 KiB; realtime
	// audio deltas regularly exceed it.
	readLimit = 16 << 20
)

// ErrMissingAPIKey is returned by [Dialer.Dial] when no credential is set.
var ErrMissingAPIKey = errors.New("upstream: missing API key")

// State is the lifecycle state of a [Session].
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateConfigured
	StateActive
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Message is one frame received from the upstream.
type Message struct {
	Hint frame.Hint
	Data []byte
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens upstream sessions. A Dialer is safe for concurrent use.
type Dialer struct {
	apiKey    string
	model     string
	baseURL   string
	snap      *automation.Snapshot
	catalog   *tools.Catalog
	queueSize int
	client    *http.Client
}

// Option configures a [Dialer].
type Option func(*Dialer)

// WithModel sets the realtime model name.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(d *Dialer) {
		if u != "" {
			d.baseURL = u
		}
	}
}

// WithSnapshot sets the automation snapshot consulted at handshake time.
func WithSnapshot(s *automation.Snapshot) Option {
	return func(d *Dialer) { d.snap = s }
}

// WithCatalog sets the tool catalog used to resolve configured tool names.
func WithCatalog(c *tools.Catalog) Option {
	return func(d *Dialer) { d.catalog = c }
}

// WithQueueSize bounds the pre-configuration queue.
func WithQueueSize(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.client = c }
}

// NewDialer returns a Dialer authenticating with apiKey.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   DefaultBaseURL,
		catalog:   tools.Default(),
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Configured reports whether the dialer has a credential.
func (d *Dialer) Configured() bool { return d.apiKey != "" }

// SessionOption configures a single [Session].
type SessionOption func(*Session)

// WithLogger sets the session logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDropHook registers a callback invoked for every message the session
// discards instead of sending.
func WithDropHook(fn func(frame.DropReason)) SessionOption {
	return func(s *Session) { s.onDrop = fn }
}

// Dial connects to the realtime endpoint. The handshake runs asynchronously:
// the returned session is in [StateConnecting] and configures itself when the
// upstream sends session.created.
//
// If an automation snapshot is set, Dial first waits for its initial load,
// bounded by ctx.
func (d *Dialer) Dial(ctx context.Context, opts ...SessionOption) (_ *Session, err error) {
	if d.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	ctx, span := observe.StartSpan(ctx, observe.SpanUpstreamDial,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(observe.KeyModel.String(d.model)),
	)
	defer func() { observe.EndSpan(span, err) }()

	if d.snap != nil {
		d.snap.Wait(ctx)
	}

	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.client,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		dialer:   d,
		conn:     conn,
		events:   make(chan Message, 64),
		ctx:      sessCtx,
		cancel:   cancel,
		log:      slog.Default(),
		dialSpan: span.SpanContext(),
	}
	for _, o := range opts {
		o(s)
	}

	go s.readLoop()
	return s, nil
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one upstream realtime connection.
type Session struct {
	dialer *Dialer
	conn   *websocket.Conn
	events chan Message
	log    *slog.Logger
	onDrop func(frame.DropReason)

	// mu serialises state transitions and writes so the replayed queue is
	// always delivered before any later message.
	mu     sync.Mutex
	state  State
	queue  [][]byte
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// dialSpan parents the handshake span started from the read loop.
	dialSpan trace.SpanContext
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that terminated the read loop, if any. A normal
// closure or a local Close yields nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Events returns the channel of upstream frames. It is closed when the read
// loop exits.
func (s *Session) Events() <-chan Message { return s.events }

// SendAudio wraps a PCM16 chunk in an input_audio_buffer.append event.
func (s *Session) SendAudio(pcm []byte) error {
	msg := realtime.InputAudioAppend{
		EventID: realtime.NewEventID(),
		Type:    realtime.EventInputAudioBufferAppend,
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("upstream: marshal audio: %w", err)
	}
	return s.send(data)
}

// SendEvent forwards a client JSON event. The payload is sent unchanged
// except that an event_id is added when the client did not supply one.
func (s *Session) SendEvent(raw json.RawMessage) error {
	return s.send(withEventID(raw))
}

// send writes data, queues it before configuration, or discards it after
// close. Sends after close return nil.
func (s *Session) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		s.drop(frame.DropAfterClose)
		return nil
	case StateConnecting, StateReady:
		if len(s.queue) >= s.dialer.queueSize {
			s.queue = s.queue[1:]
			s.log.Warn("upstream: pre-configuration queue full, dropping oldest message",
				"limit", s.dialer.queueSize)
			s.drop(frame.DropQueueFull)
		}
		s.queue = append(s.queue, data)
		return nil
	case StateConfigured:
		s.state = StateActive
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("upstream: write: %w", err)
	}
	return nil
}

func (s *Session) drop(reason frame.DropReason) {
	if s.onDrop != nil {
		s.onDrop(reason)
	}
}

// configure handles session.created: it sends the single session.update
// built from the current automation snapshot and replays the queue.
// Caller must not hold mu.
func (s *Session) configure() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return nil
	}
	s.state = StateReady

	_, span := observe.StartSpan(trace.ContextWithSpanContext(s.ctx, s.dialSpan), observe.SpanUpstreamConfigure)
	defer func() { observe.EndSpan(span, err) }()

	var cfg *automation.Config
	if s.dialer.snap != nil {
		cfg = s.dialer.snap.Load()
	}
	update := realtime.SessionUpdate{
		EventID: realtime.NewEventID(),
		Type:    realtime.EventSessionUpdate,
		Session: sessioncfg.Build(cfg, s.dialer.catalog),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("upstream: marshal session.update: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("upstream: send session.update: %w", err)
	}
	s.state = StateConfigured
	span.SetAttributes(
		attribute.String("voxrelay.voice", update.Session.Voice),
		attribute.Int("voxrelay.tools", len(update.Session.Tools)),
		attribute.Int("voxrelay.queued", len(s.queue)),
	)
	s.log.Info("upstream: session configured",
		"voice", update.Session.Voice,
		"tools", len(update.Session.Tools),
		"queued", len(s.queue),
	)

	queued := s.queue
	s.queue = nil
	for _, q := range queued {
		if err := s.conn.Write(s.ctx, websocket.MessageText, q); err != nil {
			return fmt.Errorf("upstream: replay queued message: %w", err)
		}
	}
	if len(queued) > 0 {
		s.state = StateActive
	}
	return nil
}

// readLoop reads frames until the connection ends. It owns events and closes
// it on exit.
func (s *Session) readLoop() {
	defer close(s.events)
	defer s.markClosed()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !isNormalClosure(err) {
				s.setErr(err)
			}
			return
		}

		hint := frame.HintText
		if typ == websocket.MessageBinary {
			hint = frame.HintBinary
		}

		if hint == frame.HintText && s.State() == StateConnecting && eventType(data) == realtime.EventSessionCreated {
			if err := s.configure(); err != nil {
				s.log.Error("upstream: handshake failed", "err", err)
				s.setErr(err)
				return
			}
		}

		select {
		case s.events <- Message{Hint: hint, Data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.queue = nil
	s.mu.Unlock()
}

// Close terminates the session. It is idempotent and safe to call
// concurrently with sends.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.markClosed()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// ── helpers ────────────────────────────────────────────────────────────────────

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func eventType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}

// withEventID inserts an event_id into a JSON object that lacks one,
// leaving every other byte in place.
func withEventID(raw []byte) []byte {
	var head struct {
		EventID *string `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.EventID != nil {
		return raw
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	rest := bytes.TrimLeft(trimmed[1:], " \t\r\n")
	idField := `"event_id":"` + realtime.NewEventID() + `"`

	out := make([]byte, 0, len(raw)+len(idField)+2)
	out = append(out, '{')
	out = append(out, idField...)
	if len(rest) > 0 && rest[0] != '}' {
		out = append(out, ',')
	}
	out = append(out, rest...)
	return out
}
