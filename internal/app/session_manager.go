package app

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/internal/gateway"
)

// SessionManager tracks the live realtime sessions. It implements
// [gateway.Tracker] and cancels every session on [SessionManager.Stop].
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	stopped  bool
	idle     chan struct{}
}

type trackedSession struct {
	info   gateway.SessionInfo
	cancel context.CancelFunc
}

var _ gateway.Tracker = (*SessionManager)(nil)

// NewSessionManager returns an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*trackedSession)}
}

// Track registers a session keyed by its connection id. A session tracked
// after Stop is cancelled immediately.
func (sm *SessionManager) Track(info gateway.SessionInfo, cancel context.CancelFunc) func() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.stopped {
		cancel()
	}
	sm.sessions[info.ConnID] = &trackedSession{info: info, cancel: cancel}
	slog.Debug("session tracked", "session_id", info.SessionID, "conn_id", info.ConnID, "active", len(sm.sessions))

	var once sync.Once
	return func() {
		once.Do(func() { sm.untrack(info.ConnID) })
	}
}

func (sm *SessionManager) untrack(connID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.sessions, connID)
	if len(sm.sessions) == 0 && sm.idle != nil {
		close(sm.idle)
		sm.idle = nil
	}
}

// Active returns the live sessions ordered by start time.
func (sm *SessionManager) Active() []gateway.SessionInfo {
	sm.mu.Lock()
	out := make([]gateway.SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b gateway.SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConnID, b.ConnID)
	})
	return out
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Stop cancels every live session and waits until all of them have
// finished or ctx expires.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	sm.stopped = true
	if len(sm.sessions) == 0 {
		sm.mu.Unlock()
		return nil
	}
	if sm.idle == nil {
		sm.idle = make(chan struct{})
	}
	idle := sm.idle
	n := len(sm.sessions)
	for _, s := range sm.sessions {
		s.cancel()
	}
	sm.mu.Unlock()

	slog.Info("stopping realtime sessions", "count", n)
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		slog.Warn("realtime sessions still running at shutdown deadline", "count", sm.Count())
		return ctx.Err()
	}
}

// ServeHTTP lists the live sessions as JSON.
func (sm *SessionManager) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Count    int                   `json:"count"`
		Sessions []gateway.SessionInfo `json:"sessions"`
	}{Count: sm.Count(), Sessions: sm.Active()})
}
