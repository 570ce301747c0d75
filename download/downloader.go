// Package download fetches remote source images. Concurrent requests for the
// same URL share a single upstream fetch.
package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wolfeidau/imgcache"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a download operation.
type Result struct {
	Data   []byte
	Header http.Header
	Hash   imgcache.Hash
	Size   int64
}

// DownloadFunc fetches from upstream. The context passed to DownloadFunc is
// detached from any single caller so that one caller timing out does not
// cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same resource key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithDownloaderLogger sets the logger for the downloader.
func WithDownloaderLogger(logger *slog.Logger) DownloaderOption {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// NewDownloader creates a new Downloader.
func NewDownloader(opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("shared in-flight download", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// forgetOnDownloadError forgets key unless err is a caller context error,
// in which case the download may still be in flight for other waiters.
func forgetOnDownloadError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
