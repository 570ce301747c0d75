package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/imgcache"
	"github.com/wolfeidau/imgcache/telemetry"
)

const (
	// DefaultTimeout bounds a whole remote fetch.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxBytes limits the size of a downloaded image.
	DefaultMaxBytes int64 = 64 << 20
)

var (
	// ErrTimeout is returned when a fetch does not complete within the
	// configured timeout.
	ErrTimeout = errors.New("fetch timeout")

	// ErrTooLarge is returned when the response body exceeds the size limit.
	ErrTooLarge = errors.New("response body too large")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to download: %s (%d)", e.URL, e.Status)
}

// Client fetches remote images over HTTP with a timeout. Fetches of the same
// URL that overlap in time share one request.
type Client struct {
	http       *http.Client
	downloader *Downloader
	timeout    time.Duration
	maxBytes   int64
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the per-fetch timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxBytes sets the response size limit.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		c.maxBytes = n
	}
}

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a Client. The default HTTP client records upstream
// fetch metrics.
func NewClient(opts ...Option) *Client {
	c := &Client{
		timeout:   DefaultTimeout,
		maxBytes:  DefaultMaxBytes,
		userAgent: "imgcache",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "remote"),
		}
	}
	c.downloader = NewDownloader(WithDownloaderLogger(c.logger))
	return c
}

// Fetch downloads url and returns its body and response headers.
func (c *Client) Fetch(ctx context.Context, url string) (*Result, error) {
	res, _, err := c.downloader.Do(ctx, url, func(ctx context.Context) (*Result, error) {
		return c.fetch(ctx, url)
	})
	if err != nil {
		forgetOnDownloadError(c.downloader, url, err)
		return nil, err
	}
	return res, nil
}

func (c *Client) fetch(ctx context.Context, url string) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.get(ctx, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, url)
		}
		return nil, err
	}

	c.logger.Info("download completed",
		"src", url,
		"size", humanize.Bytes(uint64(res.Size)),
		"duration", time.Since(start),
	)
	return res, nil
}

func (c *Client) get(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	hr := imgcache.NewHashingReader(body)

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(min(resp.ContentLength, c.maxBytes)))
	}
	if _, err := io.Copy(&buf, hr); err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if c.maxBytes > 0 && hr.BytesRead() > c.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, url, humanize.Bytes(uint64(c.maxBytes)))
	}

	return &Result{
		Data:   buf.Bytes(),
		Header: resp.Header.Clone(),
		Hash:   hr.Sum(),
		Size:   hr.BytesRead(),
	}, nil
}
