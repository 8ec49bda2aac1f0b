package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type openRecorder struct {
	mu     sync.Mutex
	opened []string
	ch     chan string
}

func (o *openRecorder) open(rawURL string) error {
	o.mu.Lock()
	o.opened = append(o.opened, rawURL)
	o.mu.Unlock()
	o.ch <- rawURL
	return nil
}

func newTestBrowser(t *testing.T) (*Browser, *httptest.Server, *openRecorder) {
	t.Helper()
	rec := &openRecorder{ch: make(chan string, 4)}
	var b *Browser
	r := chi.NewRouter()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	b = NewBrowser(BrowserOptions{BaseURL: srv.URL, Open: rec.open})
	b.Routes(r)
	b.MarkReady()
	return b, srv, rec
}

func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

func TestBrowserCallbackFlow(t *testing.T) {
	b, srv, rec := newTestBrowser(t)
	prefix := srv.URL + "/api/xbox/authorize/redirect"
	sess := NewSession(b.Factory, nil)

	type out struct {
		a   *Artifact
		err error
	}
	done := make(chan out, 1)
	go func() {
		a, err := sess.Authorize(context.Background(), Request{
			AuthURL:        "https://login.example/authorize?x=1",
			RedirectPrefix: prefix,
			State:          "s1",
		})
		done <- out{a, err}
	}()

	var page string
	select {
	case page = <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("browser was never opened")
	}
	if !strings.HasPrefix(page, srv.URL+"/api/auth/") {
		t.Fatalf("opened %q", page)
	}

	client := &http.Client{CheckRedirect: noRedirect}
	resp, err := client.Get(page + "/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "https://login.example/authorize?x=1" {
		t.Errorf("start = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = http.Get(prefix + "?code=abc&state=s1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("callback status = %d", resp.StatusCode)
	}

	select {
	case o := <-done:
		if o.err != nil || o.a.Value != "abc" {
			t.Fatalf("Authorize = %+v, %v", o.a, o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize did not return")
	}
	if len(b.snapshot()) != 0 {
		t.Errorf("surface not removed after authorization")
	}
}

func TestBrowserPasteFlow(t *testing.T) {
	b, _, rec := newTestBrowser(t)
	const prefix = "com.playstation.PlayStationApp://redirect"
	sess := NewSession(b.Factory, nil)

	errc := make(chan error, 1)
	var got *Artifact
	go func() {
		a, err := sess.Authorize(context.Background(), Request{AuthURL: "https://ca.account.sony.com/x", RedirectPrefix: prefix, State: "s1"})
		got = a
		errc <- err
	}()
	page := <-rec.ch

	resp, err := http.Get(page)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `name="redirect"`) {
		t.Errorf("page has no paste form: %s", body)
	}

	resp, err = http.PostForm(page, url.Values{"redirect": {"https://elsewhere/"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unrelated paste status = %d", resp.StatusCode)
	}

	resp, err = http.PostForm(page, url.Values{"redirect": {"com.playstation.playstationapp://redirect?code=v3.x&state=s1"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case err := <-errc:
		if err != nil || got.Value != "v3.x" {
			t.Fatalf("Authorize = %+v, %v", got, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize did not return")
	}
}

func TestBrowserTokenRedirectRelay(t *testing.T) {
	b, srv, rec := newTestBrowser(t)
	prefix := srv.URL + "/api/twitch/authorize/redirect"

	resp, err := http.Get(prefix)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "location.hash") {
		t.Fatalf("relay page = %d %s", resp.StatusCode, body)
	}

	sess := NewSession(b.Factory, nil)
	type out struct {
		a   *Artifact
		err error
	}
	done := make(chan out, 1)
	go func() {
		a, err := sess.Authorize(context.Background(), Request{
			AuthURL:        "https://id.twitch.example/oauth2/authorize",
			RedirectPrefix: prefix,
			State:          "s1",
			Variant:        VariantToken,
			Owner:          "twitch",
		})
		done <- out{a, err}
	}()
	<-rec.ch

	// The relay turns #access_token=... into a query the server can see.
	resp, err = http.Get(prefix + "?access_token=tok&scope=&state=s1&token_type=bearer")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	select {
	case o := <-done:
		if o.err != nil || o.a.Value != "tok" || o.a.Variant != VariantToken {
			t.Fatalf("Authorize = %+v, %v", o.a, o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize did not return")
	}
}

func TestBrowserCancelledSignInClosesSurface(t *testing.T) {
	b, _, rec := newTestBrowser(t)
	sess := NewSession(b.Factory, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := sess.Authorize(context.Background(), Request{RedirectPrefix: "http://nowhere/", State: "s", Owner: "xbox"})
		errc <- err
	}()
	page := <-rec.ch

	sess.Cancel("xbox")
	select {
	case err := <-errc:
		if !errors.Is(err, ErrDismissed) {
			t.Fatalf("err = %v, want ErrDismissed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize did not return after Cancel")
	}
	if len(b.snapshot()) != 0 {
		t.Error("surface left open after Cancel")
	}
	resp, err := http.Get(page)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("page status = %d, want 404", resp.StatusCode)
	}
}

func TestBrowserRedirectWithoutSurface(t *testing.T) {
	_, srv, _ := newTestBrowser(t)
	resp, err := http.Get(srv.URL + "/api/xbox/authorize/redirect?code=a&state=b")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBrowserCloseAll(t *testing.T) {
	b, _, rec := newTestBrowser(t)
	errc := make(chan error, 1)
	go func() {
		_, err := NewSession(b.Factory, nil).Authorize(context.Background(), Request{RedirectPrefix: "http://nowhere/", State: "s"})
		errc <- err
	}()
	<-rec.ch
	b.CloseAll()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrDismissed) {
			t.Fatalf("err = %v, want ErrDismissed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize did not return after CloseAll")
	}
}

func TestBrowserSurfaceCloseTwice(t *testing.T) {
	b := NewBrowser(BrowserOptions{Open: func(string) error { return nil }})
	s, err := b.Factory("id", func(string) Decision { return Continue })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Factory("id", func(string) Decision { return Continue }); err == nil {
		t.Error("duplicate id accepted")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); !errors.Is(err, ErrSurfaceClosed) {
		t.Errorf("second Close = %v", err)
	}
	if err := s.Navigate("http://x", false); !errors.Is(err, ErrSurfaceClosed) {
		t.Errorf("Navigate after close = %v", err)
	}
}

func TestBrowserShutdownRefusesSurfaces(t *testing.T) {
	b := NewBrowser(BrowserOptions{Open: func(string) error { return nil }})
	b.MarkReady()
	b.Shutdown()

	_, err := NewSession(b.Factory, nil).Authorize(context.Background(), Request{RedirectPrefix: "http://nowhere/", State: "s"})
	if !errors.Is(err, ErrDismissed) {
		t.Fatalf("err = %v, want ErrDismissed", err)
	}
	var host *HostError
	if errors.As(err, &host) {
		t.Error("shutdown surfaced as a host error")
	}
}
