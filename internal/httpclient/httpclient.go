// Package httpclient builds the retrying HTTP clients shared by the service
// clients.
package httpclient

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// MaxResponseBytes caps every response body read through [ReadBody].
const MaxResponseBytes = 4 << 20

// Options configures [New].
type Options struct {
	// RetryMax is the number of retries after the first attempt. Presence
	// fetches use 0 so a failed tick is reported rather than stretched.
	RetryMax int
	// Timeout bounds each attempt, including reading the body.
	Timeout time.Duration
	// Logger receives retryablehttp's request logs. Nil disables them.
	Logger *slog.Logger
}

// Presence is the profile for authenticated per-tick presence requests.
func Presence(logger *slog.Logger) Options {
	return Options{RetryMax: 0, Timeout: 10 * time.Second, Logger: logger}
}

// Catalog is the profile for public store lookups and token exchanges.
func Catalog(logger *slog.Logger) Options {
	return Options{RetryMax: 2, Timeout: 10 * time.Second, Logger: logger}
}

// New returns a retryablehttp client. The last response is handed back to
// the caller when retries run out so status codes stay inspectable.
func New(opts Options) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	if opts.Timeout > 0 {
		c.HTTPClient.Timeout = opts.Timeout
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Logger != nil {
		c.Logger = opts.Logger.With("component", "http")
	} else {
		c.Logger = nil
	}
	return c
}

// ReadBody reads at most MaxResponseBytes of resp's body and closes it.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > MaxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", MaxResponseBytes)
	}
	return body, nil
}
