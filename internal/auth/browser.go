package auth

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"sync"

	"github.com/go-chi/chi/v5"
)

// ///////////////////////////////////////////////
// Browser
// ///////////////////////////////////////////////

// BrowserOptions configures [NewBrowser].
type BrowserOptions struct {
	// BaseURL is where the local API is reachable, e.g. "http://localhost:3000".
	BaseURL string
	// Open launches the system browser. Defaults to [OpenURL].
	Open func(rawURL string) error
	// Logger receives surface lifecycle logs.
	Logger *slog.Logger
}

// Browser hosts authorization surfaces in the user's system browser. Each
// surface is a small local page linking to the provider, with a form for
// pasting redirects the browser cannot follow (custom URL schemes).
// Provider redirects to the local API are routed to the surface whose
// interceptor claims them.
type Browser struct {
	opts BrowserOptions

	// mu guards surfaces and shut.
	mu       sync.Mutex
	surfaces map[string]*browserSurface
	shut     bool

	// ready is closed by MarkReady once the routes are being served.
	ready     chan struct{}
	readyOnce sync.Once
}

// NewBrowser returns a Browser. Surfaces it creates wait for MarkReady.
func NewBrowser(opts BrowserOptions) *Browser {
	if opts.Open == nil {
		opts.Open = OpenURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Browser{
		opts:     opts,
		surfaces: make(map[string]*browserSurface),
		ready:    make(chan struct{}),
	}
}

// MarkReady reports that the routes are reachable at BaseURL.
func (b *Browser) MarkReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

// Factory is a SurfaceFactory creating browser surfaces.
func (b *Browser) Factory(id string, intercept Interceptor) (Surface, error) {
	if intercept == nil {
		return nil, errors.New("nil interceptor")
	}
	s := &browserSurface{
		id:        id,
		browser:   b,
		intercept: intercept,
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut {
		return nil, ErrDismissed
	}
	if _, ok := b.surfaces[id]; ok {
		return nil, errors.New("duplicate surface id " + id)
	}
	b.surfaces[id] = s
	return s, nil
}

// CloseAll dismisses every open surface. Pending authorizations return
// ErrDismissed.
func (b *Browser) CloseAll() {
	for _, s := range b.snapshot() {
		_ = s.Close()
	}
}

// Shutdown dismisses every open surface and refuses new ones.
func (b *Browser) Shutdown() {
	b.mu.Lock()
	b.shut = true
	b.mu.Unlock()
	b.CloseAll()
}

func (b *Browser) snapshot() []*browserSurface {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*browserSurface, 0, len(b.surfaces))
	for _, s := range b.surfaces {
		out = append(out, s)
	}
	return out
}

func (b *Browser) lookup(id string) (*browserSurface, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.surfaces[id]
	return s, ok
}

// dispatch offers rawURL to every open surface and reports whether one
// claimed it.
func (b *Browser) dispatch(rawURL string) bool {
	for _, s := range b.snapshot() {
		if s.intercept(rawURL) == Cancel {
			return true
		}
	}
	return false
}

// ///////////////////////////////////////////////
// Surface
// ///////////////////////////////////////////////

type browserSurface struct {
	id        string
	browser   *Browser
	intercept Interceptor

	mu     sync.Mutex
	target string
	closed bool
	done   chan struct{}
}

func (s *browserSurface) Ready() <-chan struct{} { return s.browser.ready }

func (s *browserSurface) Done() <-chan struct{} { return s.done }

func (s *browserSurface) Navigate(rawURL string, clearSession bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSurfaceClosed
	}
	s.target = rawURL
	s.mu.Unlock()

	if clearSession {
		s.browser.opts.Logger.Debug("system browser keeps its cookies; relying on the provider login prompt", "surface", s.id)
	}
	page := s.browser.opts.BaseURL + "/api/auth/" + s.id
	s.browser.opts.Logger.Info("open this page to sign in", "url", page)
	if err := s.browser.opts.Open(page); err != nil {
		s.browser.opts.Logger.Warn("could not launch browser", "error", err)
	}
	return nil
}

func (s *browserSurface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSurfaceClosed
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.browser.mu.Lock()
	delete(s.browser.surfaces, s.id)
	s.browser.mu.Unlock()
	return nil
}

func (s *browserSurface) targetURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// ///////////////////////////////////////////////
// HTTP Routes
// ///////////////////////////////////////////////

// Routes mounts the surface pages and provider callbacks on r.
func (b *Browser) Routes(r chi.Router) {
	r.Get("/api/{service}/authorize/redirect", b.handleRedirect)
	r.Get("/api/auth/{id}", b.handlePage)
	r.Get("/api/auth/{id}/start", b.handleStart)
	r.Post("/api/auth/{id}", b.handlePaste)
}

func (b *Browser) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery == "" {
		// The implicit flow returns its token in the fragment, which only the
		// page can read. The relay reloads with the fragment as the query.
		writePage(w, http.StatusOK, pageData{Relay: true, Message: "Finishing sign-in..."})
		return
	}
	rawURL := "http://" + r.Host + r.URL.RequestURI()
	if !b.dispatch(rawURL) {
		writePage(w, http.StatusNotFound, pageData{Message: "No authorization is in progress for " + chi.URLParam(r, "service") + "."})
		return
	}
	writePage(w, http.StatusOK, pageData{Message: "Authorization received. You can close this window."})
}

func (b *Browser) handlePage(w http.ResponseWriter, r *http.Request) {
	s, ok := b.lookup(chi.URLParam(r, "id"))
	if !ok {
		writePage(w, http.StatusNotFound, pageData{Message: "This authorization has finished."})
		return
	}
	writePage(w, http.StatusOK, pageData{ID: s.id, Start: s.targetURL() != ""})
}

func (b *Browser) handleStart(w http.ResponseWriter, r *http.Request) {
	s, ok := b.lookup(chi.URLParam(r, "id"))
	if !ok || s.targetURL() == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, s.targetURL(), http.StatusFound)
}

func (b *Browser) handlePaste(w http.ResponseWriter, r *http.Request) {
	s, ok := b.lookup(chi.URLParam(r, "id"))
	if !ok {
		writePage(w, http.StatusNotFound, pageData{Message: "This authorization has finished."})
		return
	}
	redirect := r.PostFormValue("redirect")
	if s.intercept(redirect) != Cancel {
		writePage(w, http.StatusBadRequest, pageData{ID: s.id, Start: true, Message: "That address is not the expected redirect."})
		return
	}
	writePage(w, http.StatusOK, pageData{Message: "Authorization received. You can close this window."})
}

type pageData struct {
	ID      string
	Start   bool
	Relay   bool
	Message string
}

var pageTmpl = template.Must(template.New("auth").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>gamecord sign-in</title></head>
<body>
{{if .Message}}<p>{{.Message}}</p>{{end}}
{{if .Relay}}<script>
if (location.hash.length > 1) {
  location.replace(location.pathname + "?" + location.hash.substring(1));
} else {
  document.body.textContent = "The provider sent no authorization data.";
}
</script>{{end}}
{{if .ID}}
{{if .Start}}<p><a href="/api/auth/{{.ID}}/start" target="_blank">Sign in</a></p>{{end}}
<form method="post" action="/api/auth/{{.ID}}">
<p>If the provider ends on an address your browser cannot open, paste it here:</p>
<input name="redirect" size="80" autocomplete="off">
<button type="submit">Submit</button>
</form>
{{end}}
</body></html>
`))

func writePage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTmpl.Execute(w, data)
}

// ///////////////////////////////////////////////
// System Browser
// ///////////////////////////////////////////////

// OpenURL opens rawURL with the platform's default handler.
func OpenURL(rawURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL)
	case "darwin":
		cmd = exec.Command("open", rawURL)
	default:
		cmd = exec.Command("xdg-open", rawURL)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
