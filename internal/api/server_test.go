package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/config"
	"tools.zach/dev/gamecord/internal/metrics"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

type fixture struct {
	st      *state.State
	cfgPath string
	logPath string
	srv     *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	st, err := state.New(config.DefaultConfig(), state.Options{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	opts.State = st
	opts.LogPath = filepath.Join(dir, "gamecord.log")
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return &fixture{st: st, cfgPath: cfgPath, logPath: opts.LogPath, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

// ///////////////////////////////////////////////
// Services
// ///////////////////////////////////////////////

func TestServices(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.do(t, http.MethodGet, "/api/services", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[[]state.ServiceStatus](t, resp)
	if len(got) != 3 {
		t.Fatalf("got %d services, want 3", len(got))
	}
	if got[0].Kind != service.Xbox || got[0].Enabled {
		t.Errorf("first service = %+v, want disabled xbox", got[0])
	}
}

func TestSetEnabled(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"enable xbox", "/api/services/xbox/enabled", `{"enabled": true}`, http.StatusOK},
		{"unknown service", "/api/services/nintendo/enabled", `{"enabled": true}`, http.StatusNotFound},
		{"missing field", "/api/services/xbox/enabled", `{}`, http.StatusBadRequest},
		{"not json", "/api/services/xbox/enabled", `yes`, http.StatusBadRequest},
		{"steam without key", "/api/services/steam/enabled", `{"enabled": true}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			resp := f.do(t, http.MethodPut, tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestSetEnabledSavesConfig(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.do(t, http.MethodPut, "/api/services/xbox/enabled", `{"enabled": true}`)
	st := decode[state.ServiceStatus](t, resp)
	if !st.Enabled {
		t.Error("response reports service disabled")
	}

	saved, err := config.LoadFile(f.cfgPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !saved.Services.Xbox.Enabled {
		t.Error("saved config has xbox disabled")
	}
}

func TestTwitchIsNotAServiceRoute(t *testing.T) {
	f := newFixture(t, Options{})
	for _, path := range []string{"/api/services/twitch/enabled", "/api/services/twitch/authorize"} {
		method := http.MethodPut
		if strings.HasSuffix(path, "authorize") {
			method = http.MethodPost
		}
		if resp := f.do(t, method, path, `{"enabled": true}`); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", method, path, resp.StatusCode)
		}
	}
}

func TestTwitchLink(t *testing.T) {
	f := newFixture(t, Options{})
	got := decode[state.TwitchStatus](t, f.do(t, http.MethodGet, "/api/twitch", ""))
	if got.Enabled || got.Linked {
		t.Errorf("initial status = %+v", got)
	}

	resp := f.do(t, http.MethodPut, "/api/twitch/enabled", `{"enabled": true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[state.TwitchStatus](t, resp); !got.Enabled {
		t.Errorf("status after enable = %+v", got)
	}
	select {
	case <-f.st.LinkRequests():
	default:
		t.Error("enabling did not ask for a sign-in")
	}
	saved, err := config.LoadFile(f.cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !saved.Services.Twitch.Enabled {
		t.Error("saved config has twitch disabled")
	}

	if resp := f.do(t, http.MethodPut, "/api/twitch/enabled", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing field status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/twitch/authorize?force=1", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	if !f.st.TakeForce(service.Twitch) {
		t.Error("forced twitch sign-in not recorded")
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		query     string
		wantForce bool
	}{
		{"", false},
		{"?force=1", true},
		{"?force=true", true},
	}
	for _, tt := range tests {
		t.Run("query="+tt.query, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.st.SetCredential(service.Xbox, &service.Credential{Kind: service.Xbox, Token: "t"})

			resp := f.do(t, http.MethodPost, "/api/services/xbox/authorize"+tt.query, "")
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if c := f.st.Credential(service.Xbox); c != nil {
				t.Errorf("credential = %+v, want cleared", c)
			}
			if got := f.st.TakeForce(service.Xbox); got != tt.wantForce {
				t.Errorf("force = %v, want %v", got, tt.wantForce)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Presence, Logs, Exit, Metrics
// ///////////////////////////////////////////////

func TestPresence(t *testing.T) {
	f := newFixture(t, Options{})
	f.st.SetPresence(service.PlayStation, &presence.Presence{Details: "Astro Bot"})

	got := decode[map[string]presence.Presence](t, f.do(t, http.MethodGet, "/api/presence", ""))
	if len(got) != 1 || got["playstation"].Details != "Astro Bot" {
		t.Errorf("presence = %+v", got)
	}
}

func TestLogs(t *testing.T) {
	f := newFixture(t, Options{})

	empty := decode[logsResponse](t, f.do(t, http.MethodGet, "/api/logs", ""))
	if empty.Lines == nil || len(empty.Lines) != 0 {
		t.Errorf("missing log file: lines = %#v, want empty", empty.Lines)
	}

	if err := os.WriteFile(f.logPath, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := decode[logsResponse](t, f.do(t, http.MethodGet, "/api/logs?lines=2", ""))
	if strings.Join(got.Lines, ",") != "two,three" {
		t.Errorf("lines = %v, want [two three]", got.Lines)
	}

	if resp := f.do(t, http.MethodGet, "/api/logs?lines=-1", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative lines: status = %d", resp.StatusCode)
	}
}

func TestExit(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.do(t, http.MethodPost, "/api/exit", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case <-f.st.Done():
	case <-time.After(time.Second):
		t.Fatal("state did not exit")
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, Options{Metrics: metrics.New()})
	resp := f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output lacks the runtime collector")
	}

	off := newFixture(t, Options{})
	if resp := off.do(t, http.MethodGet, "/metrics", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("metrics disabled: status = %d, want 404", resp.StatusCode)
	}
}

func TestLoopbackOnly(t *testing.T) {
	st, err := state.New(config.DefaultConfig(), state.Options{})
	if err != nil {
		t.Fatal(err)
	}
	h := New(Options{State: st}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/exit", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	select {
	case <-st.Done():
		t.Error("remote request triggered exit")
	default:
	}
}

// ///////////////////////////////////////////////
// Serve and Websocket
// ///////////////////////////////////////////////

func TestServeStreamsEvents(t *testing.T) {
	st, err := state.New(config.DefaultConfig(), state.Options{})
	if err != nil {
		t.Fatal(err)
	}
	browser := auth.NewBrowser(auth.BrowserOptions{Open: func(string) error { return nil }})
	surface, err := browser.Factory("s1", func(string) auth.Decision { return auth.Continue })
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(Options{State: st, Browser: browser})
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), ln) }()

	select {
	case <-surface.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("surface never became ready")
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap snapshotMessage
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if snap.Kind != "snapshot" || len(snap.Services) != 3 {
		t.Errorf("snapshot = %+v", snap)
	}

	st.SetPresence(service.Xbox, &presence.Presence{Details: "Halo Infinite"})
	var ev state.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Kind != state.EventPresence || ev.Service != service.Xbox || ev.Presence == nil || ev.Presence.Details != "Halo Infinite" {
		t.Errorf("event = %+v", ev)
	}

	st.Exit()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Serve did not return after exit")
	}
	select {
	case <-surface.Done():
	default:
		t.Error("open surface not dismissed on shutdown")
	}
}
