package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.github.com"
	uploadsBaseURL = "https://uploads.github.com"
	userAgent      = "upstream-deb (+https://github.com/etnz/upstream-deb)"
)

// Config holds the settings for a Client. The zero value gives anonymous
// access to the public GitHub API.
type Config struct {
	// BaseURL is the API root. Defaults to https://api.github.com and
	// must use HTTPS.
	BaseURL string

	// Token is sent as "Authorization: token <Token>" when set.
	Token string

	// HTTPClient is used for all requests. Defaults to a client with a
	// 30 second timeout; release listing and index uploads are small
	// transfers, large artifacts go through the fetch package.
	HTTPClient *http.Client

	// Listener receives advisory events, currently rate-limit telemetry.
	// May be nil.
	Listener func(fmt.Stringer)
}

// Client queries and publishes to the release-hosting API.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	listener func(fmt.Stringer)
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("release: API base URL must use https (got %q)", baseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:  baseURL,
		token:    cfg.Token,
		http:     httpClient,
		listener: cfg.Listener,
	}, nil
}

// RateLimit reports API quota telemetry read from response headers. It is
// purely informational: requests proceed regardless of remaining quota.
type RateLimit struct {
	Remaining int
	Limit     int
	Reset     time.Time
}

func (r RateLimit) String() string {
	return fmt.Sprintf("rate limit %d/%d, resets %s", r.Remaining, r.Limit, r.Reset.UTC().Format(time.RFC3339))
}

// observeRateLimit surfaces the X-RateLimit headers through the listener.
// Missing or malformed headers are ignored, never an error.
func (c *Client) observeRateLimit(header http.Header) {
	if c.listener == nil {
		return
	}
	remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	limit, err := strconv.Atoi(header.Get("X-RateLimit-Limit"))
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	c.listener(RateLimit{Remaining: remaining, Limit: limit, Reset: time.Unix(resetUnix, 0)})
}

// do executes one API request and returns the response body. Non-2xx
// responses come back as *RemoteAPIError.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, contentType string, contentLength int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("release: creating %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if contentLength > 0 {
		req.ContentLength = contentLength
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("release: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	c.observeRateLimit(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("release: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

// ListReleases fetches every release of "owner/name". The API signals
// errors both as non-2xx statuses and, behind some proxies, as a 200
// whose payload is an object with a "message" field where an array is
// expected; both surface as *RemoteAPIError.
func (c *Client) ListReleases(ctx context.Context, repoPath string) ([]Release, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/repos/"+repoPath+"/releases", nil, "", 0)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return nil, apiError(http.StatusOK, body)
	}

	var releases []Release
	if err := json.Unmarshal(body, &releases); err != nil {
		return nil, fmt.Errorf("release: decoding releases for %s: %w", repoPath, err)
	}
	return releases, nil
}

// ListTargets lists the releases of repoPath where every role in spec
// resolved to an asset. Releases with a partial role set are dropped.
func (c *Client) ListTargets(ctx context.Context, repoPath string, spec TargetSpec) ([]ReleaseTarget, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	releases, err := c.ListReleases(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	var targets []ReleaseTarget
	for _, rel := range releases {
		if target, ok := matchTarget(rel, spec); ok {
			targets = append(targets, target)
		}
	}
	return targets, nil
}

// LatestTarget resolves the most recent qualifying release of repoPath
// under CompareReleases.
func (c *Client) LatestTarget(ctx context.Context, repoPath string, spec TargetSpec) (ReleaseTarget, error) {
	targets, err := c.ListTargets(ctx, repoPath, spec)
	if err != nil {
		return ReleaseTarget{}, err
	}
	target, ok := Latest(targets)
	if !ok {
		return ReleaseTarget{}, fmt.Errorf("release: no release of %s matches the target spec", repoPath)
	}
	return target, nil
}
