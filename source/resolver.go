package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wolfeidau/imgcache"
	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/download"
	"github.com/wolfeidau/imgcache/expiry"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/store"
	"github.com/wolfeidau/imgcache/telemetry"
)

// Fetcher downloads remote sources.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*download.Result, error)
}

// Request describes one source to resolve.
type Request struct {
	Ref string
	// Ops are the source-level transforms. They apply to dominant colour
	// sampling.
	Ops []imageproc.Op
	// WantColor requests the dominant colour. Set it only when the colour is
	// needed and not supplied by the caller.
	WantColor bool
	// Expiry bounds the freshness of remote sources.
	Expiry expiry.Config
}

// Resolver finds or creates source records.
type Resolver struct {
	store         store.Store
	processor     imageproc.Processor
	fetcher       Fetcher
	downloads     backend.Backend
	hasher        imgcache.Hasher
	dirs          Dirs
	useRefForHash bool
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHasher sets the identity hasher.
func WithHasher(h imgcache.Hasher) Option {
	return func(r *Resolver) {
		r.hasher = h
	}
}

// WithDirs sets the directories used to resolve local references.
func WithDirs(dirs Dirs) Option {
	return func(r *Resolver) {
		r.dirs = dirs
	}
}

// WithRefForHash makes local sources hash their reference instead of their
// content.
func WithRefForHash(enabled bool) Option {
	return func(r *Resolver) {
		r.useRefForHash = enabled
	}
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver. downloads holds the files of remote
// sources keyed by source hash.
func NewResolver(s store.Store, p imageproc.Processor, f Fetcher, downloads backend.Backend, opts ...Option) *Resolver {
	r := &Resolver{
		store:     s,
		processor: p,
		fetcher:   f,
		downloads: downloads,
		hasher:    imgcache.DefaultHasher(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the cached or newly added source for req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Source, error) {
	kind, err := Classify(req.Ref)
	if err != nil {
		return nil, &Error{Ref: req.Ref, Op: "classify", Err: err}
	}

	src := &Source{
		resolver: r,
		req:      req,
		kind:     kind,
		record:   store.Record{Category: store.CategorySource},
	}
	switch kind {
	case Local:
		if src.localPath, err = LocalPath(req.Ref, r.dirs); err != nil {
			return nil, &Error{Ref: req.Ref, Op: "resolve", Err: err}
		}
		src.record.Source = src.localPath
	case Remote:
		src.record.Source = req.Ref
	case Data:
		src.record.Source = dataSource
	}

	hash, err := src.identity(ctx)
	if err != nil {
		return nil, &Error{Ref: req.Ref, Op: "hash", Err: err}
	}
	src.record.Hash = hash

	existing, err := r.store.Fetch(ctx, store.ByHash(hash))
	if err != nil {
		return nil, &Error{Ref: req.Ref, Op: "fetch record", Err: err}
	}
	if existing != nil {
		src.record = *existing
		if err := src.renew(ctx); err != nil {
			return nil, &Error{Ref: req.Ref, Op: "renew", Err: err}
		}
		return src, nil
	}

	telemetry.RecordCacheLookup(ctx, string(store.CategorySource), telemetry.CacheMiss)
	if err := src.add(ctx); err != nil {
		return nil, &Error{Ref: req.Ref, Op: "add", Err: err}
	}
	return src, nil
}

// Source is a resolved source image.
type Source struct {
	resolver  *Resolver
	req       Request
	kind      Kind
	localPath string
	// downloadName is set once the remote file name is known.
	downloadName string

	mu     sync.Mutex
	record store.Record
	buf    []byte
}

// Kind returns the source kind.
func (s *Source) Kind() Kind { return s.kind }

// Ref returns the original reference.
func (s *Source) Ref() string { return s.req.Ref }

// Hash returns the identity hash.
func (s *Source) Hash() string { return s.Record().Hash }

// Ops returns the source-level transforms.
func (s *Source) Ops() []imageproc.Op { return s.req.Ops }

// Record returns a copy of the source record.
func (s *Source) Record() store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// DownloadPath returns the path of the downloaded file of a remote source.
func (s *Source) DownloadPath() string {
	if s.downloadName == "" {
		return ""
	}
	return s.resolver.downloads.Path(s.downloadName)
}

// Color returns the captured dominant colour, if any.
func (s *Source) Color() (imageproc.Color, bool) {
	rec := s.Record()
	if !rec.HasColor() {
		return imageproc.Color{}, false
	}
	return imageproc.Color{R: uint8(*rec.R), G: uint8(*rec.G), B: uint8(*rec.B)}, true
}

// Buffer returns the source bytes. They are read or downloaded at most once;
// a failed attempt is retried on the next call.
func (s *Source) Buffer(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		return s.buf, nil
	}
	buf, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.buf = buf
	return buf, nil
}

// refresh refetches a stale remote source regardless of the download cache.
// Later Buffer calls in the session reuse the fetched bytes.
func (s *Source) refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver.logger.Info("remote source stale, downloading", "src", s.req.Ref)
	buf, err := s.downloadAndStore(ctx)
	if err != nil {
		return err
	}
	s.buf = buf
	return nil
}

func (s *Source) load(ctx context.Context) ([]byte, error) {
	r := s.resolver
	switch s.kind {
	case Local:
		data, err := os.ReadFile(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.localPath, err)
		}
		return data, nil
	case Data:
		return DecodeDataURL(s.req.Ref)
	}

	// Remote source seen for the first time. The file is written by add
	// once the format, and so the extension, is known.
	if s.downloadName == "" {
		return s.download(ctx)
	}

	exists, err := r.downloads.Exists(ctx, s.downloadName)
	if err != nil {
		return nil, err
	}
	switch {
	case !exists:
		r.logger.Info("remote file cache does not exist, downloading", "src", s.req.Ref)
		return s.downloadAndStore(ctx)
	case s.record.ExpiresAt == nil:
		// Without an expiry the file is current for this session: renew
		// refetches stale sources before any read.
		return r.downloads.Read(ctx, s.downloadName)
	case expiry.Stale(fromMillis(s.record.ExpiresAt), r.now()):
		r.logger.Info("remote file expired, downloading", "src", s.req.Ref)
		return s.downloadAndStore(ctx)
	}
	data, err := r.downloads.Read(ctx, s.downloadName)
	if errors.Is(err, backend.ErrNotFound) {
		return s.downloadAndStore(ctx)
	}
	return data, err
}

// download fetches a remote source and records its new expiry.
func (s *Source) download(ctx context.Context) ([]byte, error) {
	r := s.resolver
	res, err := r.fetcher.Fetch(ctx, s.req.Ref)
	if err != nil {
		return nil, err
	}
	now := r.now()
	s.record.ExpiresAt = toMillis(s.req.Expiry.Resolve(res.Header, now))
	s.record.Source = s.req.Ref

	attrs := []any{"src", s.req.Ref}
	if s.record.ExpiresAt != nil {
		attrs = append(attrs, "expires_at", fromMillis(s.record.ExpiresAt).UTC())
	}
	r.logger.Debug("download completed", attrs...)
	return res.Data, nil
}

func (s *Source) downloadAndStore(ctx context.Context) ([]byte, error) {
	data, err := s.download(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.downloads.Write(ctx, s.downloadName, data); err != nil {
		return nil, fmt.Errorf("writing download cache: %w", err)
	}
	return data, nil
}

func (s *Source) identity(ctx context.Context) (string, error) {
	r := s.resolver
	if s.kind == Remote || (s.kind == Local && r.useRefForHash) {
		return imgcache.SumString(r.hasher, s.req.Ref), nil
	}
	buf, err := s.Buffer(ctx)
	if err != nil {
		return "", err
	}
	return r.hasher.Sum(buf), nil
}

func (s *Source) add(ctx context.Context) error {
	r := s.resolver
	buf, err := s.Buffer(ctx)
	if err != nil {
		return err
	}

	md, err := r.processor.Probe(ctx, buf, s.req.Ops, s.req.WantColor)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.applyMetadata(md)
	rec := s.record
	s.mu.Unlock()

	if s.kind == Remote {
		s.downloadName = backend.FileName(rec.Hash, imageproc.Format(rec.Format).Ext())
		if err := r.downloads.Write(ctx, s.downloadName, buf); err != nil {
			return fmt.Errorf("writing download cache: %w", err)
		}
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("inserting source record: %w", err)
	}
	r.logger.Debug("added source", "src", s.req.Ref, "hash", rec.Hash, "format", rec.Format,
		"width", rec.Width, "height", rec.Height)
	return nil
}

func (s *Source) renew(ctx context.Context) error {
	r := s.resolver
	rec := s.Record()
	if rec.Hash == "" || rec.Format == "" {
		return errors.New("invalid source record")
	}

	refreshed := false
	if s.kind == Remote {
		s.downloadName = backend.FileName(rec.Hash, imageproc.Format(rec.Format).Ext())
		if expiry.Stale(fromMillis(rec.ExpiresAt), r.now()) {
			if err := s.refresh(ctx); err != nil {
				return err
			}
			refreshed = true
		}
	}

	result := telemetry.CacheHit
	if refreshed {
		result = telemetry.CacheStale
	}
	telemetry.RecordCacheLookup(ctx, string(store.CategorySource), result)

	if refreshed || (s.req.WantColor && !rec.HasColor()) {
		r.logger.Info("refreshing source metadata", "src", s.req.Ref, "hash", rec.Hash)
		if err := s.updateMetadata(ctx); err != nil {
			return err
		}
	}

	if err := r.store.Renew(ctx, store.ByHash(rec.Hash)); err != nil {
		return fmt.Errorf("renewing source record: %w", err)
	}
	return nil
}

func (s *Source) updateMetadata(ctx context.Context) error {
	r := s.resolver
	buf, err := s.Buffer(ctx)
	if err != nil {
		return err
	}
	md, err := r.processor.Probe(ctx, buf, s.req.Ops, s.req.WantColor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.record.R, s.record.G, s.record.B = nil, nil, nil
	s.applyMetadata(md)
	rec := s.record
	s.mu.Unlock()

	err = r.store.UpdateMetadata(ctx, rec.Hash, store.Metadata{
		Width:     rec.Width,
		Height:    rec.Height,
		Format:    rec.Format,
		R:         rec.R,
		G:         rec.G,
		B:         rec.B,
		ExpiresAt: rec.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("updating source metadata: %w", err)
	}
	return nil
}

// applyMetadata copies probed facts into the record. Callers hold s.mu.
func (s *Source) applyMetadata(md *imageproc.Metadata) {
	s.record.Width = md.Width
	s.record.Height = md.Height
	s.record.Format = string(md.Format)
	if md.Color != nil {
		r, g, b := int(md.Color.R), int(md.Color.G), int(md.Color.B)
		s.record.R, s.record.G, s.record.B = &r, &g, &b
	}
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
