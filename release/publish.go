package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/etnz/upstream-deb/apt"
)

// releaseByTag fetches a single release identified by its tag.
func (c *Client) releaseByTag(ctx context.Context, repoPath, tag string) (Release, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/repos/"+repoPath+"/releases/tags/"+url.PathEscape(tag), nil, "", 0)
	if err != nil {
		return Release{}, err
	}
	var rel Release
	if err := json.Unmarshal(body, &rel); err != nil {
		return Release{}, fmt.Errorf("release: decoding release %s: %w", tag, err)
	}
	return rel, nil
}

// DebAssets lists the download URLs of the .deb assets already attached
// to the release tagged tag, so a republish can rebuild the repository
// index from them.
func (c *Client) DebAssets(ctx context.Context, repoPath, tag string) ([]string, error) {
	rel, err := c.releaseByTag(ctx, repoPath, tag)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, asset := range rel.Assets {
		if strings.HasSuffix(asset.Name, ".deb") {
			urls = append(urls, asset.BrowserDownloadURL)
		}
	}
	return urls, nil
}

// UploadAsset uploads a local file as an asset of the release tagged tag,
// replacing any existing asset of the same name.
func (c *Client) UploadAsset(ctx context.Context, repoPath, tag, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("release: opening asset: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return c.UploadAssetFrom(ctx, repoPath, tag, filepath.Base(path), f, stat.Size())
}

// UploadAssetFrom streams content as an asset named name on the release
// tagged tag. An existing asset of the same name is deleted first so the
// upload acts as an overwrite.
func (c *Client) UploadAssetFrom(ctx context.Context, repoPath, tag, name string, content io.Reader, size int64) error {
	rel, err := c.releaseByTag(ctx, repoPath, tag)
	if err != nil {
		return fmt.Errorf("release: locating release %s: %w", tag, err)
	}

	for _, asset := range rel.Assets {
		if asset.Name == name {
			deleteURL := fmt.Sprintf("%s/repos/%s/releases/assets/%d", c.baseURL, repoPath, asset.ID)
			// Best effort: a failed delete surfaces as an upload conflict.
			c.do(ctx, http.MethodDelete, deleteURL, nil, "", 0)
			break
		}
	}

	uploadURL := fmt.Sprintf("%s/repos/%s/releases/%d/assets?name=%s", uploadsBaseURL, repoPath, rel.ID, url.QueryEscape(name))
	if _, err := c.do(ctx, http.MethodPost, uploadURL, content, "application/octet-stream", size); err != nil {
		return fmt.Errorf("release: uploading %s: %w", name, err)
	}
	return nil
}

// UploadRepoIndices uploads the apt metadata files (Packages, Release,
// InRelease) to the release tagged tag, turning that release into the
// hosted repository index.
func (c *Client) UploadRepoIndices(ctx context.Context, repoPath, tag string, idx *apt.PackageIndex) error {
	if len(idx.ReleaseContent) == 0 {
		return fmt.Errorf("release: incomplete repository: Release missing")
	}

	assets := []struct {
		Name    string
		Content []byte
	}{
		{"Packages", idx.PackagesContent},
		{"Packages.gz", idx.PackagesGzContent},
		{"Release", idx.ReleaseContent},
		{"InRelease", idx.InReleaseContent},
		{"public.gpg", idx.PublicKeyContent},
		{"public.asc", idx.PublicKeyContentArmored},
	}

	for _, asset := range assets {
		if len(asset.Content) == 0 {
			continue
		}
		err := c.UploadAssetFrom(ctx, repoPath, tag, asset.Name, bytes.NewReader(asset.Content), int64(len(asset.Content)))
		if err != nil {
			return fmt.Errorf("release: uploading index %s: %w", asset.Name, err)
		}
	}
	return nil
}

// PushDebs uploads built packages to the release tagged tag.
func (c *Client) PushDebs(ctx context.Context, repoPath, tag string, files []string) error {
	for _, file := range files {
		if err := c.UploadAsset(ctx, repoPath, tag, file); err != nil {
			return fmt.Errorf("release: pushing %s: %w", filepath.Base(file), err)
		}
	}
	return nil
}

// PredictRemote prepares a local package for the index by rewriting its
// Filename to the URL the file will have once uploaded to the release
// tagged tag.
func PredictRemote(repoPath, tag string, localPkg *apt.Package) *apt.Package {
	downloadURL := fmt.Sprintf("https://github.com/%s/releases/download/%s/%s", repoPath, tag, filepath.Base(localPkg.Filename))
	remote := *localPkg
	remote.Filename = downloadURL
	return &remote
}
