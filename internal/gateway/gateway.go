// Package gateway bridges browser WebSocket clients to upstream realtime
// sessions.
//
// Every client connection on /realtime is paired with exactly one upstream
// session for its whole lifetime. Two loops relay frames in each direction;
// when either leg ends, the shared context is cancelled and the other leg is
// closed best-effort.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/frame"
	"github.com/MrWong99/voxrelay/internal/journal"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/upstream"
	"github.com/MrWong99/voxrelay/pkg/realtime"
)

const (
	// Path is the client WebSocket endpoint.
	Path = "/realtime"

	// DefaultSessionID is used when the client names no session.
	DefaultSessionID = "default"

	// readLimit matches the upstream limit; clients stream raw PCM.
	readLimit = 16 << 20
)

var (
	errClientClosed   = errors.New("gateway: client closed")
	errUpstreamClosed = errors.New("gateway: upstream closed")
)

// Upstream is the upstream half of a session. [*upstream.Session] satisfies
// it.
type Upstream interface {
	Events() <-chan upstream.Message
	SendAudio(pcm []byte) error
	SendEvent(raw json.RawMessage) error
	Err() error
	Close() error
}

// DialFunc opens the upstream session for one client. log carries the
// session attributes; onDrop is invoked for every client message the
// upstream discards.
type DialFunc func(ctx context.Context, log *slog.Logger, onDrop func(frame.DropReason)) (Upstream, error)

// UpstreamDialer adapts an [upstream.Dialer] to a [DialFunc].
func UpstreamDialer(d *upstream.Dialer) DialFunc {
	return func(ctx context.Context, log *slog.Logger, onDrop func(frame.DropReason)) (Upstream, error) {
		s, err := d.Dial(ctx, upstream.WithLogger(log), upstream.WithDropHook(onDrop))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// SessionInfo describes one live client session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
}

// Tracker is notified about session start and end. Track returns the
// function to call when the session ends; cancel aborts the session.
type Tracker interface {
	Track(info SessionInfo, cancel context.CancelFunc) (untrack func())
}

// Handler serves /realtime.
type Handler struct {
	dial       DialFunc
	journal    *journal.Journal
	metrics    *observe.Metrics
	tracker    Tracker
	acceptOpts *websocket.AcceptOptions
}

// Option configures a [Handler].
type Option func(*Handler)

// WithJournal records every non-audio JSON event in j.
func WithJournal(j *journal.Journal) Option {
	return func(h *Handler) { h.journal = j }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithTracker registers live sessions with t.
func WithTracker(t Tracker) Option {
	return func(h *Handler) { h.tracker = t }
}

// WithAcceptOptions overrides the WebSocket accept options. By default any
// origin is accepted, matching the permissive CORS policy.
func WithAcceptOptions(o *websocket.AcceptOptions) Option {
	return func(h *Handler) { h.acceptOpts = o }
}

// New returns a Handler that opens upstream sessions with dial.
func New(dial DialFunc, opts ...Option) *Handler {
	h := &Handler{
		dial:       dial,
		metrics:    observe.DefaultMetrics(),
		acceptOpts: &websocket.AcceptOptions{InsecureSkipVerify: true},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the /realtime route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// session is the per-connection state shared by both loops.
type session struct {
	id     string
	client *websocket.Conn
	up     Upstream
	log    *slog.Logger

	closeOnce sync.Once
}

// closeClient closes the client leg once. The first status wins.
func (s *session) closeClient(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.client.Close(status, reason)
	})
}

// ServeHTTP upgrades the request and runs the relay until either leg ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := SessionInfo{
		SessionID:  sessionID(r),
		ConnID:     uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		StartedAt:  time.Now().UTC(),
	}
	log := observe.Logger(r.Context()).With("session_id", info.SessionID, "conn_id", info.ConnID)

	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		log.Warn("gateway: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if h.tracker != nil {
		defer h.tracker.Track(info, cancel)()
	}

	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	log.Info("gateway: client connected", "remote_addr", info.RemoteAddr)

	up, err := h.dial(ctx, log, func(reason frame.DropReason) {
		h.metrics.RecordFrameDropped(ctx, observe.DirClientToUpstream, string(reason))
	})
	if err != nil {
		h.metrics.RecordDialFailure(ctx)
		log.Error("gateway: upstream dial failed", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "upstream error")
		return
	}
	defer up.Close()

	s := &session{id: info.SessionID, client: conn, up: up, log: log}
	if err := h.run(ctx, s); err != nil && !errors.Is(err, errClientClosed) && !errors.Is(err, errUpstreamClosed) {
		log.Warn("gateway: relay ended with error", "err", err)
	}
	s.closeClient(websocket.StatusNormalClosure, "")
	log.Info("gateway: client disconnected", "duration", time.Since(info.StartedAt))
}

// run relays in both directions. The first loop to finish cancels the
// other; cancellation closes the client leg, which unblocks its reader.
func (h *Handler) run(ctx context.Context, s *session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		s.closeClient(websocket.StatusGoingAway, "session ended")
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return h.clientToUpstream(context.WithoutCancel(gctx), s)
	})
	g.Go(func() error {
		defer cancel()
		return h.upstreamToClient(gctx, s)
	})
	return g.Wait()
}

// ── client → upstream ──────────────────────────────────────────────────────────

// clientGone reports whether err means the browser went away: a close frame,
// or a transport that ended without one.
func clientGone(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func (h *Handler) clientToUpstream(ctx context.Context, s *session) error {
	for {
		typ, data, err := s.client.Read(ctx)
		if err != nil {
			if clientGone(err) {
				return errClientClosed
			}
			return fmt.Errorf("gateway: read client: %w", err)
		}

		hint := frame.HintText
		if typ == websocket.MessageBinary {
			hint = frame.HintBinary
		}
		f, ok := frame.Classify(data, hint)
		if !ok {
			h.dropped(ctx, s, observe.DirClientToUpstream, frame.DropEmpty)
			continue
		}

		switch f.Kind {
		case frame.KindBinary:
			if reason := frame.CheckPCM16(f.Data); reason != frame.DropNone {
				h.dropped(ctx, s, observe.DirClientToUpstream, reason)
				continue
			}
			if err := s.up.SendAudio(f.Data); err != nil {
				return err
			}
		case frame.KindText:
			if !frame.HasType(f.Data) {
				h.dropped(ctx, s, observe.DirClientToUpstream, frame.DropNoType)
				continue
			}
			h.record(s, journal.FromClient, f.Data)
			if err := s.up.SendEvent(json.RawMessage(f.Data)); err != nil {
				return err
			}
		}
		h.metrics.RecordFrameRelayed(ctx, observe.DirClientToUpstream, f.Kind.String())
	}
}

// ── upstream → client ──────────────────────────────────────────────────────────

func (h *Handler) upstreamToClient(ctx context.Context, s *session) error {
	events := s.up.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				if err := s.up.Err(); err != nil {
					s.log.Warn("gateway: upstream ended with error", "err", err)
					s.closeClient(websocket.StatusInternalError, "upstream error")
				} else {
					s.closeClient(websocket.StatusNormalClosure, "upstream closed")
				}
				return errUpstreamClosed
			}
			if err := h.forward(ctx, s, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// forward delivers one upstream frame. An audio delta is delivered as a
// binary frame only; completed assistant text additionally yields an
// assistant.text notification.
func (h *Handler) forward(ctx context.Context, s *session, msg upstream.Message) error {
	f, ok := frame.Classify(msg.Data, msg.Hint)
	if !ok {
		return nil
	}

	if f.Kind == frame.KindBinary {
		if reason := frame.CheckPCM16(f.Data); reason != frame.DropNone {
			h.dropped(ctx, s, observe.DirUpstreamToClient, reason)
			return nil
		}
		return h.write(ctx, s, websocket.MessageBinary, f.Data)
	}

	evt, err := frame.ParseEvent(f.Data)
	if err != nil {
		h.dropped(ctx, s, observe.DirUpstreamToClient, frame.DropNotJSON)
		return nil
	}
	h.record(s, journal.FromUpstream, f.Data)

	if evt.Type == realtime.EventError {
		s.log.Warn("gateway: upstream error event", "event", string(f.Data))
	}
	if evt.AudioDrop != frame.DropNone {
		h.dropped(ctx, s, observe.DirUpstreamToClient, evt.AudioDrop)
	}

	// The derived note precedes the event it was extracted from.
	if evt.AssistantText != "" {
		note, err := json.Marshal(realtime.AssistantText{Type: realtime.EventAssistantText, Text: evt.AssistantText})
		if err != nil {
			return fmt.Errorf("gateway: marshal assistant text: %w", err)
		}
		s.log.Debug("gateway: assistant text", "text", evt.AssistantText)
		if err := h.write(ctx, s, websocket.MessageText, note); err != nil {
			return err
		}
	}

	if evt.AudioDerived() {
		return h.write(ctx, s, websocket.MessageBinary, evt.Audio)
	}
	return h.write(ctx, s, websocket.MessageText, f.Data)
}

func (h *Handler) write(ctx context.Context, s *session, typ websocket.MessageType, data []byte) error {
	if err := s.client.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("gateway: write client: %w", err)
	}
	kind := frame.KindText
	if typ == websocket.MessageBinary {
		kind = frame.KindBinary
	}
	h.metrics.RecordFrameRelayed(ctx, observe.DirUpstreamToClient, kind.String())
	return nil
}

func (h *Handler) record(s *session, dir journal.Direction, data []byte) {
	if h.journal != nil {
		h.journal.Record(s.id, dir, data)
	}
}

func (h *Handler) dropped(ctx context.Context, s *session, direction string, reason frame.DropReason) {
	s.log.Debug("gateway: frame dropped", "direction", direction, "reason", string(reason))
	h.metrics.RecordFrameDropped(ctx, direction, string(reason))
}

// sessionID takes the session from the sessionId query parameter, then the
// X-Session-Id header, else [DefaultSessionID].
func sessionID(r *http.Request) string {
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Session-Id"); id != "" {
		return id
	}
	return DefaultSessionID
}
