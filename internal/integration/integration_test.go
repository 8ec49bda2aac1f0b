// Package integration drives the daemon's packages together: the local API
// toggles and reauthorizes services while a supervised polling loop fetches
// presence from a fake platform and publishes it to a fake Discord client.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"
	"tools.zach/dev/gamecord/internal/api"
	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/config"
	"tools.zach/dev/gamecord/internal/core"
	"tools.zach/dev/gamecord/internal/credstore"
	"tools.zach/dev/gamecord/internal/discord"
	"tools.zach/dev/gamecord/internal/metrics"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ///////////////////////////////////////////////
// Fakes
// ///////////////////////////////////////////////

type fakeXbox struct {
	mu    sync.Mutex
	title string
	calls []string
	// session, when set, runs a browser sign-in before handing out a token.
	session *auth.Session
}

func (f *fakeXbox) Kind() service.Kind { return service.Xbox }

func (f *fakeXbox) Authorize(ctx context.Context, force bool) (*service.Credential, error) {
	if f.session != nil {
		_, err := f.session.Authorize(ctx, auth.Request{
			AuthURL:        "https://login.example/authorize",
			RedirectPrefix: "http://localhost:3000/api/xbox/authorize/redirect",
			State:          "s",
			Force:          force,
			Owner:          service.Xbox.String(),
		})
		if err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.calls = append(f.calls, "authorize forced")
	} else {
		f.calls = append(f.calls, "authorize")
	}
	return &service.Credential{Kind: service.Xbox, Token: "xbl-token", UserHash: "uhs", Account: "Master Chief"}, nil
}

func (f *fakeXbox) FetchPresence(_ context.Context, _ *service.Credential) (*presence.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch")
	return &presence.Record{
		Status: presence.StatusOnline,
		Devices: []presence.Device{{
			Type:   "Scarlett",
			Titles: []presence.Title{{Name: "Home"}, {Name: f.title}},
		}},
	}, nil
}

func (f *fakeXbox) SearchCatalog(_ context.Context, title string) (*catalog.Match, error) {
	return &catalog.Match{
		Title:    title,
		StoreURL: "https://www.xbox.com/games/store/halo-infinite/9PP5G1F0C2B6",
		ImageURL: "https://store-images.s-microsoft.com/image/apps.halo",
	}, nil
}

func (f *fakeXbox) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type fakeDiscord struct {
	mu  sync.Mutex
	ops []string
}

func (f *fakeDiscord) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeDiscord) Reconnect() error                      { return f.record("reconnect") }
func (f *fakeDiscord) SetActivity(a *discord.Activity) error { return f.record("set " + a.Details) }
func (f *fakeDiscord) Close() error                          { return f.record("close") }

func (f *fakeDiscord) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ops)
}

// ///////////////////////////////////////////////
// Daemon
// ///////////////////////////////////////////////

type daemon struct {
	t         *testing.T
	ctx       context.Context
	clock     *clockwork.FakeClock
	st        *state.State
	client    *fakeXbox
	rpc       *fakeDiscord
	handle    *core.Handle
	srv       *httptest.Server
	cfgPath   string
	credsPath string
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	return startDaemonWith(t, false)
}

// startDaemonWith builds the daemon. With signIn set, Xbox sign-in goes
// through a real auth browser mounted on the API, and disabling or
// reauthorizing a service dismisses its pending sign-in.
func startDaemonWith(t *testing.T, signIn bool) *daemon {
	t.Helper()
	dir := t.TempDir()
	d := &daemon{
		t:         t,
		clock:     clockwork.NewFakeClock(),
		client:    &fakeXbox{title: "Halo Infinite"},
		rpc:       &fakeDiscord{},
		cfgPath:   filepath.Join(dir, "config.toml"),
		credsPath: filepath.Join(dir, "credentials.json"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	d.ctx = ctx

	opts := state.Options{
		ConfigPath: d.cfgPath,
		Store:      credstore.New(d.credsPath),
	}
	var browser *auth.Browser
	if signIn {
		browser = auth.NewBrowser(auth.BrowserOptions{
			BaseURL: "http://localhost:3000",
			Open:    func(string) error { return nil },
		})
		browser.MarkReady()
		t.Cleanup(browser.Shutdown)
		session := auth.NewSession(browser.Factory, nil)
		d.client.session = session
		opts.CancelAuthorization = func(k service.Kind) { session.Cancel(k.String()) }
	}
	st, err := state.New(config.DefaultConfig(), opts)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	d.st = st

	rec := metrics.New()
	loop := core.NewLoop(core.LoopOptions{
		Client:    d.client,
		State:     st,
		Publisher: core.NewPublisher(service.Xbox, d.rpc, st, rec, nil),
		Clock:     d.clock,
		Metrics:   rec,
	})
	d.handle = core.NewSupervisor(st, nil).Start(context.Background(), loop)
	t.Cleanup(func() { _ = d.handle.Terminate() })

	d.srv = httptest.NewServer(api.New(api.Options{State: st, Browser: browser, Metrics: rec}).Handler())
	t.Cleanup(d.srv.Close)
	return d
}

// tick fires the loop's timer and waits for the tick to finish.
func (d *daemon) tick() {
	d.t.Helper()
	d.waitTimer()
	d.clock.Advance(15 * time.Second)
	d.waitTimer()
}

func (d *daemon) waitTimer() {
	d.t.Helper()
	if err := d.clock.BlockUntilContext(d.ctx, 1); err != nil {
		d.t.Fatalf("loop never armed its timer: %v", err)
	}
}

func (d *daemon) do(method, path, body string) *http.Response {
	d.t.Helper()
	req, err := http.NewRequestWithContext(d.ctx, method, d.srv.URL+path, strings.NewReader(body))
	if err != nil {
		d.t.Fatal(err)
	}
	resp, err := d.srv.Client().Do(req)
	if err != nil {
		d.t.Fatalf("%s %s: %v", method, path, err)
	}
	d.t.Cleanup(func() { resp.Body.Close() })
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
// Tests
// ///////////////////////////////////////////////

func TestDisabledServiceIsNotPolled(t *testing.T) {
	d := startDaemon(t)
	d.tick()
	d.tick()

	if calls := d.client.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none while disabled", calls)
	}
	if ops := d.rpc.Ops(); len(ops) != 0 {
		t.Errorf("discord ops = %v, want none", ops)
	}
}

func TestEnableOverAPIPublishesPresence(t *testing.T) {
	d := startDaemon(t)
	d.waitTimer()

	if resp := d.do(http.MethodPut, "/api/services/xbox/enabled", `{"enabled":true}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("enable: status = %d", resp.StatusCode)
	}
	d.tick()

	if got, want := d.client.Calls(), []string{"authorize", "fetch"}; !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if got, want := d.rpc.Ops(), []string{"reconnect", "set Halo Infinite"}; !slices.Equal(got, want) {
		t.Errorf("discord ops = %v, want %v", got, want)
	}

	pres := decode[map[string]presence.Presence](t, d.do(http.MethodGet, "/api/presence", ""))
	if pres["xbox"].Details != "Halo Infinite" {
		t.Errorf("presence = %+v", pres)
	}

	services := decode[[]state.ServiceStatus](t, d.do(http.MethodGet, "/api/services", ""))
	xbox := services[0]
	if !xbox.Enabled || !xbox.Authorized || xbox.Account != "Master Chief" || xbox.LastTick.IsZero() {
		t.Errorf("xbox status = %+v", xbox)
	}

	body, err := io.ReadAll(d.do(http.MethodGet, "/metrics", "").Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `gamecord_authorizations_total{result="ok",service="xbox"} 1`) {
		t.Error("metrics lack the authorization")
	}

	saved, err := config.LoadFile(d.cfgPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !saved.Services.Xbox.Enabled {
		t.Error("enabling over the api did not save the config")
	}
	creds, err := credstore.New(d.credsPath).Load()
	if err != nil {
		t.Fatalf("credstore Load: %v", err)
	}
	if c := creds[service.Xbox]; c == nil || c.Token != "xbl-token" {
		t.Errorf("saved credential = %+v", c)
	}
}

func TestForcedReauthorizeOverAPI(t *testing.T) {
	d := startDaemon(t)
	d.waitTimer()
	d.do(http.MethodPut, "/api/services/xbox/enabled", `{"enabled":true}`)
	d.tick()

	if resp := d.do(http.MethodPost, "/api/services/xbox/authorize?force=1", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("authorize: status = %d", resp.StatusCode)
	}
	d.tick()

	want := []string{"authorize", "fetch", "authorize forced", "fetch"}
	if got := d.client.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	// Same title after reauthorizing: nothing new to publish.
	if got := d.rpc.Ops(); len(got) != 2 {
		t.Errorf("discord ops = %v, want a single publish", got)
	}
}

func TestExitOverAPIStopsLoops(t *testing.T) {
	d := startDaemon(t)
	d.waitTimer()
	d.do(http.MethodPut, "/api/services/xbox/enabled", `{"enabled":true}`)
	d.tick()

	if resp := d.do(http.MethodPost, "/api/exit", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("exit: status = %d", resp.StatusCode)
	}

	done := make(chan error, 1)
	go func() { done <- d.handle.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() = %v, want nil", err)
		}
	case <-d.ctx.Done():
		t.Fatal("loops did not stop after exit")
	}

	ops := d.rpc.Ops()
	if len(ops) == 0 || ops[len(ops)-1] != "close" {
		t.Errorf("discord ops = %v, want the connection closed last", ops)
	}
}

func TestAbandonedSignInDismissedOverAPI(t *testing.T) {
	d := startDaemonWith(t, true)
	d.waitTimer()
	d.do(http.MethodPut, "/api/services/xbox/enabled", `{"enabled":true}`)
	d.clock.Advance(15 * time.Second)

	// The sign-in page is open and nobody completes it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		services := decode[[]state.ServiceStatus](t, d.do(http.MethodGet, "/api/services", ""))
		if services[0].Authorizing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("xbox never reported a pending sign-in")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp := d.do(http.MethodPut, "/api/services/xbox/enabled", `{"enabled":false}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: status = %d", resp.StatusCode)
	}
	// The loop is back on its timer instead of waiting on the page.
	d.waitTimer()

	xbox := decode[[]state.ServiceStatus](t, d.do(http.MethodGet, "/api/services", ""))[0]
	if xbox.Authorizing || !strings.Contains(xbox.LastError, "dismissed") {
		t.Errorf("xbox status = %+v, want a dismissed sign-in", xbox)
	}
	if calls := d.client.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}

	d.tick()
	if calls := d.client.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none while disabled", calls)
	}
}
