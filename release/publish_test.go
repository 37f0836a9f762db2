package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/etnz/upstream-deb/apt"
)

// fakeGithub implements http.RoundTripper and mimics the release API
// endpoints the publisher touches.
type fakeGithub struct {
	// Map "owner/repo" -> releases.
	repos map[string][]*Release
	// Map assetID -> uploaded content.
	assetsContent map[int64][]byte
	nextAssetID   int64
}

func newFakeGithub() *fakeGithub {
	return &fakeGithub{
		repos:         make(map[string][]*Release),
		assetsContent: make(map[int64][]byte),
		nextAssetID:   1000,
	}
}

func (f *fakeGithub) addRelease(repoPath, tag string, assets []Asset) {
	rel := &Release{
		ID:      int64(len(f.repos[repoPath]) + 1),
		TagName: tag,
		Assets:  assets,
	}
	f.repos[repoPath] = append(f.repos[repoPath], rel)
}

func (f *fakeGithub) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/"), "/")
	// parts example: ["repos", "owner", "repo", "releases", ...]

	if req.URL.Host == "api.github.com" && len(parts) >= 4 && parts[0] == "repos" && parts[3] == "releases" {
		repoPath := parts[1] + "/" + parts[2]

		if req.Method == "GET" && len(parts) == 6 && parts[4] == "tags" {
			return f.getReleaseByTag(repoPath, parts[5])
		}
		if req.Method == "DELETE" && len(parts) == 6 && parts[4] == "assets" {
			id, _ := strconv.ParseInt(parts[5], 10, 64)
			return f.deleteAsset(repoPath, id)
		}
	}

	if req.URL.Host == "uploads.github.com" && req.Method == "POST" &&
		len(parts) == 6 && parts[0] == "repos" && parts[3] == "releases" && parts[5] == "assets" {
		repoPath := parts[1] + "/" + parts[2]
		id, _ := strconv.ParseInt(parts[4], 10, 64)
		return f.uploadAsset(repoPath, id, req.URL.Query().Get("name"), req.Body)
	}

	return &http.Response{
		StatusCode: 404,
		Body:       io.NopCloser(strings.NewReader(`{"message": "Not Found"}`)),
		Header:     make(http.Header),
	}, nil
}

func (f *fakeGithub) getReleaseByTag(repoPath, tag string) (*http.Response, error) {
	for _, rel := range f.repos[repoPath] {
		if rel.TagName == tag {
			body, _ := json.Marshal(rel)
			return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
		}
	}
	return &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader(`{"message": "Not Found"}`)), Header: make(http.Header)}, nil
}

func (f *fakeGithub) deleteAsset(repoPath string, assetID int64) (*http.Response, error) {
	for _, rel := range f.repos[repoPath] {
		for i, a := range rel.Assets {
			if a.ID == assetID {
				rel.Assets = append(rel.Assets[:i], rel.Assets[i+1:]...)
				return &http.Response{StatusCode: 204, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}, nil
			}
		}
	}
	return &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader(`{"message": "asset not found"}`)), Header: make(http.Header)}, nil
}

func (f *fakeGithub) uploadAsset(repoPath string, releaseID int64, name string, body io.Reader) (*http.Response, error) {
	for _, rel := range f.repos[repoPath] {
		if rel.ID != releaseID {
			continue
		}
		newID := f.nextAssetID
		f.nextAssetID++

		content, _ := io.ReadAll(body)
		f.assetsContent[newID] = content

		newAsset := Asset{
			ID:                 newID,
			Name:               name,
			BrowserDownloadURL: fmt.Sprintf("https://github.com/%s/releases/download/%s/%s", repoPath, rel.TagName, name),
		}
		rel.Assets = append(rel.Assets, newAsset)

		respBody, _ := json.Marshal(newAsset)
		return &http.Response{StatusCode: 201, Body: io.NopCloser(bytes.NewReader(respBody)), Header: make(http.Header)}, nil
	}
	return &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader(`{"message": "release not found"}`)), Header: make(http.Header)}, nil
}

func TestDebAssets(t *testing.T) {
	fake := newFakeGithub()
	fake.addRelease("myorg/myrepo", "apt", []Asset{
		{ID: 1, Name: "tool_1.0-1_amd64.deb", BrowserDownloadURL: "https://github.com/myorg/myrepo/releases/download/apt/tool_1.0-1_amd64.deb"},
		{ID: 2, Name: "Packages", BrowserDownloadURL: "https://github.com/myorg/myrepo/releases/download/apt/Packages"},
		{ID: 3, Name: "other_2.0-1_arm64.deb", BrowserDownloadURL: "https://github.com/myorg/myrepo/releases/download/apt/other_2.0-1_arm64.deb"},
	})
	client := newTestClient(t, fake, nil)

	urls, err := client.DebAssets(context.Background(), "myorg/myrepo", "apt")
	if err != nil {
		t.Fatalf("DebAssets failed: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("Expected 2 deb URLs, got %d: %v", len(urls), urls)
	}
	// Index files are not packages and must be skipped.
	for _, u := range urls {
		if !strings.HasSuffix(u, ".deb") {
			t.Errorf("Non-deb URL leaked through: %s", u)
		}
	}
}

func TestDebAssetsMissingRelease(t *testing.T) {
	client := newTestClient(t, newFakeGithub(), nil)
	_, err := client.DebAssets(context.Background(), "myorg/myrepo", "nope")
	if !IsNotFound(err) {
		t.Errorf("Expected a not-found error, got %v", err)
	}
}

func TestPushDebsOverwritesExistingAsset(t *testing.T) {
	fake := newFakeGithub()
	fake.addRelease("myorg/myrepo", "v1.0.0", []Asset{
		// An asset with the same name that must be replaced, not duplicated.
		{ID: 555, Name: "test.deb", BrowserDownloadURL: "http://old/test.deb"},
	})

	client := newTestClient(t, fake, nil)

	tmpDir := t.TempDir()
	debPath := filepath.Join(tmpDir, "test.deb")
	if err := os.WriteFile(debPath, []byte("binary-content"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := client.PushDebs(context.Background(), "myorg/myrepo", "v1.0.0", []string{debPath}); err != nil {
		t.Fatalf("PushDebs failed: %v", err)
	}

	rel := fake.repos["myorg/myrepo"][0]
	found := false
	for _, a := range rel.Assets {
		if a.Name == "test.deb" {
			if a.ID == 555 {
				t.Error("Old asset was not deleted before upload")
			}
			found = true
			if string(fake.assetsContent[a.ID]) != "binary-content" {
				t.Error("Uploaded binary content mismatch")
			}
		}
	}
	if !found {
		t.Error("New binary asset not found in release")
	}
}

func TestUploadRepoIndices(t *testing.T) {
	fake := newFakeGithub()
	fake.addRelease("myorg/myrepo", "index", nil)

	client := newTestClient(t, fake, nil)

	idx := &apt.PackageIndex{
		PackagesContent:   []byte("packages-content"),
		PackagesGzContent: []byte("packages-gz-content"),
		ReleaseContent:    []byte("release-content"),
		InReleaseContent:  []byte("inrelease-content"),
	}
	if err := client.UploadRepoIndices(context.Background(), "myorg/myrepo", "index", idx); err != nil {
		t.Fatalf("UploadRepoIndices failed: %v", err)
	}

	rel := fake.repos["myorg/myrepo"][0]
	if len(rel.Assets) != 4 {
		t.Errorf("Expected 4 index assets, got %d", len(rel.Assets))
	}
}

func TestUploadRepoIndicesIncomplete(t *testing.T) {
	client := newTestClient(t, newFakeGithub(), nil)
	err := client.UploadRepoIndices(context.Background(), "o/r", "tag", &apt.PackageIndex{})
	if err == nil || !strings.Contains(err.Error(), "incomplete repository") {
		t.Errorf("Expected incomplete repository error, got %v", err)
	}
}

func TestPredictRemote(t *testing.T) {
	localPkg := &apt.Package{
		Filename: "/some/local/path/package_1.0_amd64.deb",
	}
	remotePkg := PredictRemote("owner/repo", "v1.0.0", localPkg)

	expected := "https://github.com/owner/repo/releases/download/v1.0.0/package_1.0_amd64.deb"
	if remotePkg.Filename != expected {
		t.Errorf("Expected %s, got %s", expected, remotePkg.Filename)
	}
	if localPkg.Filename == remotePkg.Filename {
		t.Error("PredictRemote must not mutate the local package")
	}
}
