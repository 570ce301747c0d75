package telemetry

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Fetch outcomes recorded by InstrumentedTransport.
const (
	FetchSuccess  = "success"
	FetchNotImage = "not_image"
	Fetch4xx      = "4xx"
	Fetch5xx      = "5xx"
	FetchError    = "error"
	FetchCanceled = "canceled"
)

// InstrumentedTransport records a metric for every remote source fetch,
// labelled with the source host and the announced image format.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper. Successful responses are recorded
// when their body is closed so the byte count is complete.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fetch := UpstreamFetch{Upstream: t.upstream, Host: req.URL.Hostname()}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		fetch.Duration = time.Since(start)
		fetch.Outcome = FetchError
		if req.Context().Err() != nil {
			fetch.Outcome = FetchCanceled
		}
		RecordUpstreamFetch(req.Context(), fetch)
		return nil, err
	}

	fetch.Format = imageFormat(resp.Header.Get("Content-Type"))
	fetch.Outcome = fetchOutcome(resp.StatusCode, fetch.Format)
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		fetch:      fetch,
		start:      start,
	}
	return resp, nil
}

func fetchOutcome(status int, format string) string {
	switch {
	case status >= 500:
		return Fetch5xx
	case status >= 400:
		return Fetch4xx
	case format == "other":
		return FetchNotImage
	}
	return FetchSuccess
}

// imageFormat maps a Content-Type to an image format label: the subtype of
// image/* ("jpeg", "webp", "svg+xml"), "other" for anything else and empty
// when the header is missing.
func imageFormat(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "other"
	}
	sub, ok := strings.CutPrefix(mediaType, "image/")
	if !ok || sub == "" {
		return "other"
	}
	return sub
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	fetch    UpstreamFetch
	start    time.Time
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.Bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		b.fetch.Duration = time.Since(b.start)
		RecordUpstreamFetch(b.ctx, b.fetch)
	}
	return b.ReadCloser.Close()
}
