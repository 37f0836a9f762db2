package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/etnz/upstream-deb/checksum"
	"github.com/etnz/upstream-deb/release"
	"github.com/etnz/upstream-deb/trust"
)

// HashMismatchKind distinguishes the two ways an artifact can fail its
// manifest check.
type HashMismatchKind string

const (
	// MissingEntry means the manifest has no line for the artifact.
	MissingEntry HashMismatchKind = "missing-entry"
	// Mismatch means the artifact's digest differs from the manifest's.
	Mismatch HashMismatchKind = "mismatch"
)

// HashMismatchError reports an artifact the verified manifest does not
// vouch for. It is fatal: a wrong digest means tampering or an upstream
// inconsistency, and the artifact must not be used.
type HashMismatchError struct {
	Kind     HashMismatchKind
	File     string
	Declared string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	if e.Kind == MissingEntry {
		return fmt.Sprintf("fetch: manifest has no entry for %q", e.File)
	}
	return fmt.Sprintf("fetch: digest mismatch for %q: manifest declares %s, got %s", e.File, e.Declared, e.Actual)
}

// Verified reports an artifact whose digest matched the verified
// manifest.
type Verified struct {
	File   string
	Digest string
}

func (v Verified) String() string {
	return fmt.Sprintf("verified %s (sha256 %s)", v.File, v.Digest)
}

// Pipeline downloads a release target and verifies it before releasing
// it to the caller: the manifest's signature is checked against the
// trust store, then the archive's digest is checked against the
// manifest. Neither check alone is sufficient, and their order is fixed.
type Pipeline struct {
	// Store verifies the manifest signature.
	Store *trust.Store
	// Client fetches the manifest and signature blobs. Nil means a
	// shared default.
	Client *http.Client
	// Downloader fetches the payload files. Nil means an HTTPDownloader
	// sharing Client and Listener.
	Downloader Downloader
	// Dir is where payload files land. Empty means the current
	// directory.
	Dir string
	// ExtraURLs are auxiliary files, such as an upstream license text,
	// downloaded alongside the payload. They are not covered by the
	// manifest.
	ExtraURLs []string
	// Listener receives progress events. May be nil.
	Listener func(fmt.Stringer)
}

func (p *Pipeline) emit(event fmt.Stringer) {
	if p.Listener != nil {
		p.Listener(event)
	}
}

func (p *Pipeline) downloader() Downloader {
	if p.Downloader != nil {
		return p.Downloader
	}
	return &HTTPDownloader{Client: p.Client, Listener: p.Listener}
}

// FetchAndVerify downloads target's archive and returns its local path
// once the whole trust chain has passed. Any failure aborts the run; no
// partially trusted artifact is ever returned.
func (p *Pipeline) FetchAndVerify(ctx context.Context, target release.ReleaseTarget, fingerprint string) (string, error) {
	if p.Store == nil {
		return "", fmt.Errorf("fetch: no trust store configured")
	}
	archive, ok := target.Files[release.RoleArchive]
	if !ok {
		return "", fmt.Errorf("fetch: target %s resolved no archive asset", target.Version)
	}
	manifestFile, ok := target.Files[release.RoleManifest]
	if !ok {
		return "", fmt.Errorf("fetch: target %s resolved no manifest asset", target.Version)
	}
	sigFile, ok := target.Files[release.RoleSignature]
	if !ok {
		return "", fmt.Errorf("fetch: target %s resolved no signature asset", target.Version)
	}

	trusted, err := p.Store.TrustedSet(fingerprint)
	if err != nil {
		return "", err
	}

	manifestBytes, err := Bytes(ctx, p.Client, manifestFile.URL)
	if err != nil {
		return "", err
	}
	sigBytes, err := Bytes(ctx, p.Client, sigFile.URL)
	if err != nil {
		return "", err
	}

	// Signature before parse: unverified manifest text is not even
	// worth reading.
	if err := p.Store.Verify(manifestBytes, sigBytes, trusted); err != nil {
		return "", err
	}
	manifest, err := checksum.Parse(string(manifestBytes))
	if err != nil {
		return "", err
	}
	declared, ok := manifest.Lookup(archive.Name)
	if !ok {
		return "", &HashMismatchError{Kind: MissingEntry, File: archive.Name}
	}

	requests := []Request{{URL: archive.URL, Path: filepath.Join(p.Dir, archive.Name)}}
	if extra, ok := target.Files[release.RoleExtra]; ok {
		requests = append(requests, Request{URL: extra.URL, Path: filepath.Join(p.Dir, extra.Name)})
	}
	for _, raw := range p.ExtraURLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", &DownloadError{URL: raw, Err: err}
		}
		requests = append(requests, Request{URL: raw, Path: filepath.Join(p.Dir, path.Base(parsed.Path))})
	}
	if err := p.downloader().Fetch(ctx, requests); err != nil {
		return "", err
	}

	archivePath := requests[0].Path
	actual, err := fileDigest(archivePath)
	if err != nil {
		return "", err
	}
	if !manifest.Match(archive.Name, actual) {
		return "", &HashMismatchError{Kind: Mismatch, File: archive.Name, Declared: declared, Actual: actual}
	}

	p.emit(Verified{File: archive.Name, Digest: actual})
	return archivePath, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fetch: opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fetch: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
