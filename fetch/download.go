// Package fetch downloads release assets and runs the trust chain over
// them: the manifest signature is verified first, then each payload is
// checked against the verified manifest before anyone gets to use it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTimeout bounds a download when the caller brings no client and
// no context deadline.
const DefaultTimeout = 15 * time.Minute

var defaultClient = &http.Client{Timeout: DefaultTimeout}

// Request names one file to download.
type Request struct {
	URL  string
	Path string
}

// DownloadError reports a failed download. The run as a whole fails, but
// a retry by the caller is safe: completed files are written atomically.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("fetch: downloading %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader fetches a batch of files. Implementations report per-file
// completion and fail the batch when any file fails.
type Downloader interface {
	Fetch(ctx context.Context, requests []Request) error
}

// Started reports a download beginning.
type Started struct {
	URL string
}

func (s Started) String() string { return fmt.Sprintf("downloading %s", s.URL) }

// Done reports a completed download.
type Done struct {
	URL   string
	Path  string
	Bytes int64
}

func (d Done) String() string {
	return fmt.Sprintf("downloaded %s to %s (%d bytes)", d.URL, d.Path, d.Bytes)
}

// HTTPDownloader fetches files over HTTP with a small worker pool. Files
// land under their requested paths via a .part rename, so an interrupted
// download never leaves a truncated file under the final name.
type HTTPDownloader struct {
	// Client to download with. Nil means a shared default with a
	// DefaultTimeout deadline.
	Client *http.Client
	// Workers caps concurrent downloads. Zero means 4.
	Workers int
	// Listener receives Started and Done events. May be nil.
	Listener func(fmt.Stringer)
}

func (d *HTTPDownloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return defaultClient
}

func (d *HTTPDownloader) emit(event fmt.Stringer) {
	if d.Listener != nil {
		d.Listener(event)
	}
}

// Fetch downloads every request, running up to Workers transfers at
// once. All requests are attempted even when some fail; the returned
// error joins every failure.
func (d *HTTPDownloader) Fetch(ctx context.Context, requests []Request) error {
	workers := d.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(requests) {
		workers = len(requests)
	}
	if len(requests) == 0 {
		return nil
	}

	jobs := make(chan Request)
	failures := make(chan error, len(requests))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				if err := d.fetchOne(ctx, req); err != nil {
					failures <- err
				}
			}
		}()
	}

feed:
	for _, req := range requests {
		select {
		case jobs <- req:
		case <-ctx.Done():
			failures <- ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(failures)

	var errs []error
	for err := range failures {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *HTTPDownloader) fetchOne(ctx context.Context, req Request) error {
	d.emit(Started{URL: req.URL})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return &DownloadError{URL: req.URL, Err: err}
	}
	resp, err := d.client().Do(httpReq)
	if err != nil {
		return &DownloadError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &DownloadError{URL: req.URL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if dir := filepath.Dir(req.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &DownloadError{URL: req.URL, Err: err}
		}
	}
	part := req.Path + ".part"
	f, err := os.Create(part)
	if err != nil {
		return &DownloadError{URL: req.URL, Err: err}
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(part)
		return &DownloadError{URL: req.URL, Err: err}
	}
	if err := os.Rename(part, req.Path); err != nil {
		os.Remove(part)
		return &DownloadError{URL: req.URL, Err: err}
	}

	d.emit(Done{URL: req.URL, Path: req.Path, Bytes: n})
	return nil
}

// Bytes downloads url into memory. Meant for small control files like
// manifests and signatures; payload archives go through a Downloader.
func Bytes(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = defaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	return body, nil
}
