package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/oauth2"
	"tangled.org/dispatch/dispatch/models"
)

const (
	DefaultBaseURL = "https://api.github.com"

	// apiVersion pins the REST API version so response shapes stay stable.
	apiVersion = "2022-11-28"
)

var userAgent = "tangled-dispatch/" + versioninfo.Short()

type Config struct {
	// BaseURL defaults to DefaultBaseURL. GitHub Enterprise installs use
	// https://host/api/v3.
	BaseURL    string
	Credential models.Credential

	// HTTPClient supplies the base transport and timeout. The client wraps
	// its transport with bearer authentication.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client talks to the Actions endpoints of a single repository.
type Client struct {
	baseURL *url.URL
	cred    models.Credential
	http    *http.Client
	// download fetches redirected log archives without credentials
	download  *http.Client
	l         *slog.Logger
	rateLimit *rateLimit
}

func NewClient(cfg Config) (*Client, error) {
	if !cfg.Credential.Valid() {
		return nil, fmt.Errorf("github: credential needs a token, org and repo")
	}

	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("github: parsing base url: %w", err)
	}
	if base.Scheme != "https" && !isLoopback(base.Hostname()) {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", raw)
	}

	var (
		baseTransport http.RoundTripper
		timeout       time.Duration
	)
	if cfg.HTTPClient != nil {
		baseTransport = cfg.HTTPClient.Transport
		timeout = cfg.HTTPClient.Timeout
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Credential.Token})
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   baseTransport,
		},
		// redirects to log storage are followed by the download client
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		baseURL:   base,
		cred:      cfg.Credential,
		http:      httpClient,
		download:  &http.Client{Timeout: timeout, Transport: baseTransport},
		l:         l,
		rateLimit: newRateLimit(now),
	}, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// repoPath joins endpoint segments below /repos/{org}/{repo}.
func (c *Client) repoPath(segments ...string) string {
	parts := []string{"repos", url.PathEscape(c.cred.Org), url.PathEscape(c.cred.Repo)}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return "/" + strings.Join(parts, "/")
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body any) (*http.Request, error) {
	reqUrl := c.baseURL.JoinPath(endpoint)
	if query != nil {
		reqUrl.RawQuery = query.Encode()
	}
	return c.newRequestURL(ctx, method, reqUrl, body)
}

// newRequestURL builds a request for an absolute API URL, such as a
// pagination link.
func (c *Client) newRequestURL(ctx context.Context, method string, reqUrl *url.URL, body any) (*http.Request, error) {
	if reqUrl.Host != c.baseURL.Host {
		return nil, fmt.Errorf("github: refusing to send credentials to %s", reqUrl.Host)
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqUrl.String(), r)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// doRaw sends req after waiting out an exhausted rate limit. The caller
// owns the response body.
func (c *Client) doRaw(req *http.Request) (*http.Response, error) {
	if err := c.rateLimit.wait(req.Context(), c.l); err != nil {
		return nil, err
	}

	c.l.Debug("github request", "method", req.Method, "url", req.URL.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", req.Method, req.URL.Path, err)
	}

	c.rateLimit.update(resp.Header)
	return resp, nil
}

// do sends req and returns the body and headers when the status is one of
// want. Anything else becomes an *APIError carrying the body.
func (c *Client) do(req *http.Request, want ...int) ([]byte, http.Header, error) {
	resp, err := c.doRaw(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("github: reading response body: %w", err)
	}

	for _, code := range want {
		if resp.StatusCode == code {
			return body, resp.Header, nil
		}
	}

	return nil, nil, parseAPIError(resp.StatusCode, body)
}

// get decodes a 200 response into T. Decoding failures wrap
// ErrMalformedResponse.
func get[T any](c *Client, req *http.Request) (*T, error) {
	result, _, err := getPage[T](c, req)
	return result, err
}

// getPage is get for paginated endpoints. It also returns the rel="next"
// link, empty on the last page.
func getPage[T any](c *Client, req *http.Request) (*T, string, error) {
	body, header, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, "", err
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, "", fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, req.Method, req.URL.Path, err)
	}

	return &result, parseLinkNext(header.Get("Link")), nil
}

// parseLinkNext extracts the rel="next" URL from a Link header such as
// <https://api.github.com/...?page=2>; rel="next", <...>; rel="last".
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
		if !ok || !strings.Contains(params, `rel="next"`) {
			continue
		}
		target = strings.TrimSpace(target)
		if strings.HasPrefix(target, "<") && strings.HasSuffix(target, ">") {
			return target[1 : len(target)-1]
		}
	}
	return ""
}
