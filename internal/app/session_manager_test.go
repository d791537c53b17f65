package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/gateway"
)

func info(conn string, at time.Time) gateway.SessionInfo {
	return gateway.SessionInfo{SessionID: "s-" + conn, ConnID: conn, StartedAt: at}
}

func TestSessionManager_TrackAndUntrack(t *testing.T) {
	t.Parallel()
	sm := NewSessionManager()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	untrackB := sm.Track(info("b", base.Add(time.Second)), func() {})
	untrackA := sm.Track(info("a", base), func() {})

	active := sm.Active()
	if len(active) != 2 || active[0].ConnID != "a" || active[1].ConnID != "b" {
		t.Fatalf("Active = %+v, want a then b", active)
	}

	untrackA()
	untrackA()
	if sm.Count() != 1 {
		t.Errorf("Count = %d, want 1", sm.Count())
	}
	untrackB()
	if sm.Count() != 0 {
		t.Errorf("Count = %d, want 0", sm.Count())
	}
}

func TestSessionManager_StopCancelsAndWaits(t *testing.T) {
	t.Parallel()
	sm := NewSessionManager()

	ctx, cancel := context.WithCancel(context.Background())
	untrack := sm.Track(info("a", time.Now()), cancel)
	go func() {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		untrack()
	}()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := sm.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sm.Count() != 0 {
		t.Errorf("Count = %d after Stop", sm.Count())
	}
}

func TestSessionManager_StopDeadline(t *testing.T) {
	t.Parallel()
	sm := NewSessionManager()
	sm.Track(info("stuck", time.Now()), func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sm.Stop(ctx); err == nil {
		t.Fatal("expected deadline error for a session that never ends")
	}
}

func TestSessionManager_TrackAfterStopCancels(t *testing.T) {
	t.Parallel()
	sm := NewSessionManager()
	if err := sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	cancelled := false
	untrack := sm.Track(info("late", time.Now()), func() { cancelled = true })
	defer untrack()
	if !cancelled {
		t.Error("session tracked after Stop was not cancelled")
	}
}

func TestSessionManager_ServeHTTP(t *testing.T) {
	t.Parallel()
	sm := NewSessionManager()
	sm.Track(info("a", time.Now()), func() {})

	rec := httptest.NewRecorder()
	sm.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/sessions", nil))

	var body struct {
		Count    int                   `json:"count"`
		Sessions []gateway.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Sessions) != 1 || body.Sessions[0].SessionID != "s-a" {
		t.Errorf("body = %+v", body)
	}
}
