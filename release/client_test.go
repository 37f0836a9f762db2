package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// jsonResponse builds a canned API response.
func jsonResponse(status int, body any, header http.Header) *http.Response {
	data, _ := json.Marshal(body)
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(data))),
		Header:     header,
	}
}

func newTestClient(t *testing.T, transport http.RoundTripper, listener func(fmt.Stringer)) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Token:      "test-token",
		HTTPClient: &http.Client{Transport: transport},
		Listener:   listener,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientRejectsPlainHTTP(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "http://api.example.com"}); err == nil {
		t.Error("Plain http base URL must be rejected")
	}
}

func TestListTargetsEndToEnd(t *testing.T) {
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	releases := []Release{
		{
			TagName:     "v3.13.4",
			CreatedAt:   created,
			PublishedAt: created.Add(time.Hour),
			Assets:      fullAssets(),
		},
		{
			// Incomplete: no signature asset.
			TagName:   "v3.13.3",
			CreatedAt: created.Add(-24 * time.Hour),
			Assets: []Asset{
				{Name: "cmake-3.13.3-linux-x86_64.tar.gz"},
				{Name: "cmake-3.13.3-SHA-256.txt"},
			},
		},
	}

	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/repos/Kitware/CMake/releases" {
			t.Errorf("Unexpected path %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "token test-token" {
			t.Errorf("Expected token auth header, got %q", got)
		}
		return jsonResponse(200, releases, nil), nil
	})

	client := newTestClient(t, transport, nil)
	targets, err := client.ListTargets(context.Background(), "Kitware/CMake", testSpec())
	if err != nil {
		t.Fatalf("ListTargets failed: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("Expected 1 complete target, got %d", len(targets))
	}
	if targets[0].Version != "3.13.4" {
		t.Errorf("Expected version 3.13.4, got %q", targets[0].Version)
	}
}

func TestListReleasesErrorPayload(t *testing.T) {
	// The API can answer with an object carrying a "message" where a list
	// is expected. That must surface as RemoteAPIError, not a decode error.
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, map[string]string{"message": "Not Found"}, nil), nil
	})
	client := newTestClient(t, transport, nil)

	_, err := client.ListReleases(context.Background(), "nobody/nothing")
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected RemoteAPIError, got %v", err)
	}
	if apiErr.Message != "Not Found" {
		t.Errorf("Expected message from payload, got %q", apiErr.Message)
	}
}

func TestListReleasesRateLimited(t *testing.T) {
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(403, map[string]string{"message": "API rate limit exceeded for 1.2.3.4"}, nil), nil
	})
	client := newTestClient(t, transport, nil)

	_, err := client.ListReleases(context.Background(), "Kitware/CMake")
	if err == nil {
		t.Fatal("Expected an error from a 403 response")
	}
	if !IsRateLimited(err) {
		t.Errorf("Expected IsRateLimited to recognize the error, got %v", err)
	}
	if IsNotFound(err) {
		t.Error("Rate limit error misclassified as not found")
	}
}

func TestRateLimitTelemetry(t *testing.T) {
	reset := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	header := make(http.Header)
	header.Set("X-RateLimit-Remaining", "41")
	header.Set("X-RateLimit-Limit", "60")
	header.Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()))

	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, []Release{}, header), nil
	})

	var events []fmt.Stringer
	client := newTestClient(t, transport, func(e fmt.Stringer) { events = append(events, e) })

	if _, err := client.ListReleases(context.Background(), "Kitware/CMake"); err != nil {
		t.Fatalf("ListReleases failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 rate limit event, got %d", len(events))
	}
	limit, ok := events[0].(RateLimit)
	if !ok {
		t.Fatalf("Expected a RateLimit event, got %T", events[0])
	}
	if limit.Remaining != 41 || limit.Limit != 60 || !limit.Reset.Equal(reset) {
		t.Errorf("Rate limit event carries wrong values: %+v", limit)
	}
}

func TestRateLimitNeverBlocksListing(t *testing.T) {
	// Exhausted quota headers on a successful response must not turn into
	// an error or alter results.
	header := make(http.Header)
	header.Set("X-RateLimit-Remaining", "0")
	header.Set("X-RateLimit-Limit", "60")
	header.Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))

	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, []Release{{TagName: "v1.0.0", Assets: fullAssets()}}, header), nil
	})
	client := newTestClient(t, transport, func(fmt.Stringer) {})

	releases, err := client.ListReleases(context.Background(), "Kitware/CMake")
	if err != nil {
		t.Fatalf("Expected telemetry to stay advisory, got error %v", err)
	}
	if len(releases) != 1 {
		t.Errorf("Expected 1 release, got %d", len(releases))
	}
}
