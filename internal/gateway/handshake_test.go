package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/journal"
	"github.com/MrWong99/voxrelay/internal/upstream"
)

// scriptedRealtime is a realtime endpoint that holds session.created until
// release is closed and reports the type of every event it receives.
type scriptedRealtime struct {
	srv     *httptest.Server
	release chan struct{}
	types   chan string
}

func startScriptedRealtime(t *testing.T) *scriptedRealtime {
	t.Helper()
	r := &scriptedRealtime{release: make(chan struct{}), types: make(chan string, 32)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-r.release:
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"session.created","session":{"id":"sess_1"}}`))
			case <-ctx.Done():
			}
		}()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var evt struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &evt)
			r.types <- evt.Type
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *scriptedRealtime) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func waitClientEntries(t *testing.T, j *journal.Journal, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, e := range j.Last(100) {
			if e.Direction == journal.FromClient {
				count++
			}
		}
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("journal never reached %d client entries", n)
}

func TestEarlyClientEvents_FollowSessionUpdate(t *testing.T) {
	t.Parallel()

	rt := startScriptedRealtime(t)
	d := upstream.NewDialer("test-key", upstream.WithBaseURL(rt.url()))
	f := newFixture(t, UpstreamDialer(d))
	c := f.connect(t, "?sessionId=early")

	write(t, c, websocket.MessageText, []byte(`{"type":"response.create"}`))
	write(t, c, websocket.MessageBinary, []byte{1, 2, 3, 4})
	write(t, c, websocket.MessageText, []byte(`{"type":"input_audio_buffer.commit"}`))
	waitClientEntries(t, f.journal, 2)

	close(rt.release)

	want := []string{"session.update", "response.create", "input_audio_buffer.append", "input_audio_buffer.commit"}
	var got []string
	for range want {
		got = append(got, recv(t, rt.types))
	}
	if !slices.Equal(got, want) {
		t.Errorf("upstream received %q, want %q", got, want)
	}
}
