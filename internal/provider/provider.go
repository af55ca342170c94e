// Package provider implements the marketplace search clients that feed the
// monitoring engine. A provider turns a user-supplied search URL into an
// ordered snapshot of listings, newest first.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/HamletDuFromage/vintelegram/internal/model"
)

// Search failure classes. Callers branch on these with errors.Is; the
// scheduler widens the poll interval on ErrRateLimited and leaves the
// seen-item state untouched on every failure.
var (
	ErrTimeout      = errors.New("search timed out")
	ErrRateLimited  = errors.New("provider rate limited")
	ErrInvalidQuery = errors.New("invalid search URL")
	ErrUnreachable  = errors.New("provider unreachable")
)

const (
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) vintelegram/1.0"
	maxBodySize = 5 * 1024 * 1024
	reqTimeout  = 30 * time.Second
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider fetches the current listings for one search URL.
// Implementations must return listings in the provider's newest-first
// order and never reorder them.
type Provider interface {
	Name() string
	Validate(rawURL string) bool
	Search(ctx context.Context, rawURL string, limit int) ([]model.Item, error)
}

// Registry resolves a search URL to the provider that claims it.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry with all built-in providers sharing client.
// Order matters: the RSS provider accepts any HTTP URL and must come last.
func NewRegistry(client HTTPClient) *Registry {
	return &Registry{providers: []Provider{
		NewVinted(client),
		NewLeboncoin(client),
		NewRSS(client),
	}}
}

// NewRegistryWith creates a registry from an explicit provider list.
func NewRegistryWith(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Resolve returns the provider claiming rawURL, or ErrInvalidQuery.
func (r *Registry) Resolve(rawURL string) (Provider, error) {
	for _, p := range r.providers {
		if p.Validate(rawURL) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider for %q: %w", rawURL, ErrInvalidQuery)
}

// ByName returns the named provider.
func (r *Registry) ByName(name string) (Provider, bool) {
	for _, p := range r.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// doRequest executes req with the request timeout applied and maps transport
// and HTTP-status failures onto the provider error taxonomy. On success the
// response body (size-capped) is returned.
func doRequest(ctx context.Context, client HTTPClient, req *http.Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%s: %w", req.URL.Host, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: %v: %w", req.URL.Host, err, ErrUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %v: %w", err, ErrUnreachable)
	}
	return body, nil
}

// statusCodeError keeps the HTTP status reachable through errors.As so a
// provider can react to a specific rejection (Vinted drops its session
// cookies on 401/403) while callers keep matching the sentinels.
type statusCodeError struct {
	code int
	err  error
}

func (e *statusCodeError) Error() string { return e.err.Error() }
func (e *statusCodeError) Unwrap() error { return e.err }

func statusError(code int) error {
	var err error
	switch {
	case code == http.StatusTooManyRequests:
		err = fmt.Errorf("status %d: %w", code, ErrRateLimited)
	case code == http.StatusBadRequest, code == http.StatusNotFound,
		code == http.StatusUnprocessableEntity:
		err = fmt.Errorf("status %d: %w", code, ErrInvalidQuery)
	default:
		err = fmt.Errorf("status %d: %w", code, ErrUnreachable)
	}
	return &statusCodeError{code: code, err: err}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func hostContains(rawURL, fragment string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Hostname()), fragment)
}
