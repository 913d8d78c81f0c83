package routesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/burrownet/burrow/internal/domain"
)

// HTTPAdmin drives a reverse proxy's HTTP admin API. Routes live under
// {base}/routes/{subdomain}; PUT upserts, DELETE removes, and deleting an
// absent route (404) is success.
type HTTPAdmin struct {
	baseURL string
	client  *http.Client
}

const httpAdminTimeout = 10 * time.Second

// NewHTTPAdmin creates a proxy admin client for the given base URL.
func NewHTTPAdmin(baseURL string) (*HTTPAdmin, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy admin URL %q", baseURL)
	}
	return &HTTPAdmin{
		baseURL: baseURL,
		client:  &http.Client{Timeout: httpAdminTimeout},
	}, nil
}

type routePayload struct {
	Upstream string `json:"upstream"`
}

// Upsert installs or replaces the subdomain's route.
func (a *HTTPAdmin) Upsert(ctx context.Context, entry domain.RoutingEntry) error {
	body, err := json.Marshal(routePayload{Upstream: entry.Upstream})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.routeURL(entry.Subdomain), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, false)
}

// Delete removes the subdomain's route; absent routes are not an error.
func (a *HTTPAdmin) Delete(ctx context.Context, subdomain string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.routeURL(subdomain), nil)
	if err != nil {
		return err
	}
	return a.do(req, true)
}

func (a *HTTPAdmin) routeURL(subdomain string) string {
	return a.baseURL + "/routes/" + url.PathEscape(subdomain)
}

// do marks connection failures and 5xx responses as transient so the
// synchronizer retries them; 4xx responses are taken at their word.
func (a *HTTPAdmin) do(req *http.Request, absentOK bool) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: proxy admin %s %s: %v", domain.ErrTransport, req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if absentOK && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: proxy admin %s %s: status %d: %s", domain.ErrTransport, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return fmt.Errorf("proxy admin %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(b)))
}
