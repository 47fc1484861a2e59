package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/ironledger/updateverify/stages"
)

// HTTPFetcher fetches small resources synchronously and launches
// cancelable, progress-reporting downloads for larger ones.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch implements stages.HTTPFetcher: a synchronous GET with no retry,
// suitable for the attestation index page and the small per-user
// assertion/signature files.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	return data, nil
}

// Download is the cancelable handle to an in-flight artifact download.
type Download struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the download. It is safe to call more than once.
func (d *Download) Cancel() { d.cancel() }

// Wait blocks until the download's result callback has run.
func (d *Download) Wait() { <-d.done }

// DownloadAsync implements stages.Downloader. It streams the response body
// to path, invoking onProgress as bytes arrive and onResult exactly once
// when the download finishes (successfully, with an error, or because it
// was canceled).
func (f *HTTPFetcher) DownloadAsync(ctx context.Context, path, url string, onProgress func(done, total int64), onResult func(success bool)) stages.Download {
	dctx, cancel := context.WithCancel(ctx)
	dl := &Download{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(dl.done)
		success := f.download(dctx, path, url, onProgress)
		onResult(success)
	}()

	return dl
}

func (f *HTTPFetcher) download(ctx context.Context, path, url string, onProgress func(done, total int64)) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	out, err := os.Create(path)
	if err != nil {
		return false
	}
	defer func() { _ = out.Close() }()

	var written int64
	total := resp.ContentLength

	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return false
			}
			atomic.AddInt64(&written, int64(n))
			if onProgress != nil {
				onProgress(atomic.LoadInt64(&written), total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
	return true
}
