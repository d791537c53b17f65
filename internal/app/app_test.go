package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/automation"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/frame"
	"github.com/MrWong99/voxrelay/internal/gateway"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
)

// testConfig returns a validated config with defaults and an API key.
func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// testProviders returns mock providers for the whole synthesis pipeline.
func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{Text: "Привет"},
		LLM: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Здравствуйте, "},
			{Text: "чем могу помочь?", FinishReason: "stop"},
		}},
		TTS: &ttsmock.Provider{},
	}
}

func failingDial(context.Context, *slog.Logger, func(frame.DropReason)) (gateway.Upstream, error) {
	return nil, errors.New("dial refused")
}

func newServer(t *testing.T, cfg *config.Config, ps *app.Providers, opts ...app.Option) (*app.App, *httptest.Server) {
	t.Helper()
	opts = append([]app.Option{app.WithDialFunc(failingDial)}, opts...)
	a, err := app.New(context.Background(), cfg, ps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func TestNew_RequiresConfig(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, testConfig(t, "realtime:\n  api_key: sk-test\n"), testProviders())

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status           string `json:"status"`
		Timestamp        string `json:"timestamp"`
		OpenAIConfigured bool   `json:"openai_configured"`
		Realtime         bool   `json:"realtime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.OpenAIConfigured || !body.Realtime || body.Timestamp == "" {
		t.Errorf("body = %+v", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing on /health")
	}
}

func TestPreflight(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, testConfig(t, ""), testProviders())

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/voice", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "POST" {
		t.Errorf("allow methods = %q", got)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		providers  *app.Providers
		wantStatus int
	}{
		{"all providers", testProviders(), http.StatusOK},
		{"no providers", nil, http.StatusServiceUnavailable},
		{"missing tts", &app.Providers{STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}}, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, srv := newServer(t, testConfig(t, ""), tc.providers)
			resp, err := http.Get(srv.URL + "/readyz")
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func postVoice(t *testing.T, url string, audio []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "clip.webm")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(audio)
	_ = mw.WriteField("sessionId", "app-test")
	_ = mw.Close()

	resp, err := http.Post(url+"/api/voice", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	return resp
}

func TestVoice_StreamsAudio(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	_, srv := newServer(t, testConfig(t, "realtime:\n  api_key: sk-test\n"), ps)

	resp := postVoice(t, srv.URL, []byte("webm-bytes"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, b)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if sid := resp.Header.Get("X-Session-Id"); sid != "app-test" {
		t.Errorf("X-Session-Id = %q", sid)
	}
	audio, _ := io.ReadAll(resp.Body)
	if string(audio) != "Здравствуйте,чем могу помочь?" {
		t.Errorf("audio = %q", audio)
	}
	if len(ps.TTS.(*ttsmock.Provider).Calls()) != 2 {
		t.Errorf("tts calls = %d, want 2", len(ps.TTS.(*ttsmock.Provider).Calls()))
	}
}

func TestVoice_MissingProvidersIs500(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, testConfig(t, ""), nil)

	resp := postVoice(t, srv.URL, []byte("webm-bytes"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRealtime_DialFailureClosesClient(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, testConfig(t, ""), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/realtime", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Errorf("close status = %v (err %v), want 1011", got, err)
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	_, srv := newServer(t, testConfig(t, ""), testProviders())

	for _, path := range []string{"/admin/logs", "/admin/sessions", "/metrics", "/healthz"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
		})
	}
}

func TestRun_ServesAndLoadsAutomationInBackground(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"systemPrompt":"Ты помощник","voice":"ash","automation":%q}`, r.URL.Query().Get("automationId"))
	}))
	defer hook.Close()

	cfg := testConfig(t, "server:\n  listen_addr: \"127.0.0.1:0\"\nautomation:\n  id: auto-1\n")
	a, err := app.New(context.Background(), cfg, testProviders(),
		app.WithDialFunc(failingDial),
		app.WithFetcher(automation.NewFetcher(hook.URL)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The server answers while the webhook is still blocked.
	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if a.Snapshot().Loaded() {
		t.Error("snapshot loaded before the webhook answered")
	}

	close(release)
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	got := a.Snapshot().Wait(wctx)
	if got == nil || got.Voice != "ash" {
		t.Errorf("snapshot = %+v, want voice ash", got)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run: %v", err)
	}
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
