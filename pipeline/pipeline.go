// Package pipeline drives a build: it resolves each image's source, its
// responsive sizes, its derivatives and placeholder, and prunes the cache
// when the build ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/config"
	"github.com/wolfeidau/imgcache/download"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/prune"
	"github.com/wolfeidau/imgcache/sizes"
	"github.com/wolfeidau/imgcache/source"
	"github.com/wolfeidau/imgcache/store"
	"github.com/wolfeidau/imgcache/variant"
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("pipeline: builder closed")

// Kind is the kind of element an image is rendered as.
type Kind string

const (
	KindImg        Kind = "img"
	KindPicture    Kind = "picture"
	KindBackground Kind = "background"
)

// ParseKind parses a kind name. Empty selects KindImg.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindImg, nil
	case KindImg, KindPicture, KindBackground:
		return k, nil
	}
	return "", fmt.Errorf("invalid kind %q", s)
}

// defaultPlaceholder is the placeholder of a kind when none is configured
// per image.
func (k Kind) defaultPlaceholder() config.Placeholder {
	if k == KindBackground {
		return config.PlaceholderDominantColor
	}
	return config.PlaceholderBlurred
}

// Request describes one image to process.
type Request struct {
	Ref    string
	Kind   Kind
	Width  *float64
	Height *float64
	// Component overrides the build defaults for this image.
	Component config.Component
	// SizesFunc builds the sizes attribute when no sizes string is set.
	SizesFunc sizes.SizesFunc
}

// Error annotates a failure with the image reference.
type Error struct {
	Ref string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("processing %s: %v", e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Builder is the context of one build. Create it once, call Process for
// every image, then Close.
type Builder struct {
	opts      config.Options
	dirs      config.Dirs
	store     store.Store
	files     backend.Backend
	downloads backend.Backend
	resolver  *source.Resolver
	generator *variant.Generator
	processor imageproc.Processor
	fetcher   source.Fetcher
	id        string
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithNow sets the clock used for freshness and pruning.
func WithNow(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// WithProcessor replaces the image processor.
func WithProcessor(p imageproc.Processor) Option {
	return func(b *Builder) {
		b.processor = p
	}
}

// WithFetcher replaces the remote fetcher.
func WithFetcher(f source.Fetcher) Option {
	return func(b *Builder) {
		b.fetcher = f
	}
}

// New validates opts, initializes s and prepares the cache directories.
func New(ctx context.Context, opts config.Options, s store.Store, options ...Option) (*Builder, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	dirs, err := opts.ResolveDirs()
	if err != nil {
		return nil, err
	}
	hasher, err := opts.HasherImpl()
	if err != nil {
		return nil, err
	}

	b := &Builder{
		opts:   opts,
		dirs:   dirs,
		store:  s,
		id:     uuid.NewString(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	b.logger = b.logger.With("build_id", b.id)

	if b.processor == nil {
		b.processor = imageproc.NewImaging(imageproc.WithLogger(b.logger))
	}
	if b.fetcher == nil {
		b.fetcher = download.NewClient(download.WithTimeout(opts.Timeout), download.WithLogger(b.logger))
	}

	files, err := backend.NewFilesystem(dirs.ImageCache)
	if err != nil {
		return nil, err
	}
	downloads, err := backend.NewFilesystem(dirs.Download)
	if err != nil {
		return nil, err
	}
	b.files = backend.NewInstrumentedBackend(files, "derivatives")
	b.downloads = backend.NewInstrumentedBackend(downloads, "downloads")

	if err := s.Initialize(ctx, dirs.InitOptions(opts.Retention())); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	b.resolver = source.NewResolver(s, b.processor, b.fetcher, b.downloads,
		source.WithHasher(hasher),
		source.WithDirs(source.Dirs{RootDir: dirs.Root, OutDir: dirs.Out, AssetsDirName: dirs.AssetsDirName}),
		source.WithRefForHash(opts.UseRefForHash),
		source.WithNow(b.now),
		source.WithLogger(b.logger),
	)
	b.generator = variant.NewGenerator(s, b.processor, b.files,
		variant.WithHasher(hasher),
		variant.WithConcurrency(opts.Concurrency),
		variant.WithLogger(b.logger),
	)

	b.logger.Debug("build started", "image_cache_dir", dirs.ImageCache, "download_dir", dirs.Download)
	return b, nil
}

// ID returns the build id.
func (b *Builder) ID() string { return b.id }

// Dirs returns the resolved directories.
func (b *Builder) Dirs() config.Dirs { return b.dirs }

// Stats returns the derivative counters of the build so far.
func (b *Builder) Stats() variant.Stats { return b.generator.Stats() }

// Process resolves one image. It is safe to call concurrently.
func (b *Builder) Process(ctx context.Context, req Request) (*Result, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	res, err := b.process(ctx, req)
	if err != nil {
		return nil, &Error{Ref: req.Ref, Err: err}
	}
	return res, nil
}

func (b *Builder) process(ctx context.Context, req Request) (*Result, error) {
	kind := req.Kind
	if kind == "" {
		kind = KindImg
	}
	c := config.Merge(b.opts.Defaults, config.Component{Placeholder: kind.defaultPlaceholder()}, req.Component)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	formats := c.Formats
	fallback := c.Format
	if kind == KindImg {
		formats = []imageproc.Format{c.Format}
	} else if len(formats) > 0 {
		fallback = formats[len(formats)-1]
	}

	start := time.Now()
	src, err := b.resolver.Resolve(ctx, source.Request{
		Ref:       req.Ref,
		Ops:       c.Ops,
		WantColor: c.WantColor(),
		Expiry:    c.Expiry(),
	})
	if err != nil {
		return nil, err
	}
	rec := src.Record()

	vopts := variant.Options{FormatOptions: b.opts.FormatOptions, Profile: c.Profile}
	res := &Result{
		Ref:        req.Ref,
		Kind:       kind,
		SourceHash: rec.Hash,
		Formats:    formats,
		Preload:    c.Preload,
	}

	switch c.Placeholder {
	case config.PlaceholderBlurred:
		if res.Placeholder, err = b.generator.Placeholder(ctx, src, c.Blur, vopts); err != nil {
			return nil, err
		}
	case config.PlaceholderDominantColor:
		res.DominantColor = c.PlaceholderColor
		if color, ok := src.Color(); ok && res.DominantColor == "" {
			res.DominantColor = color.CSS()
		}
	}

	m, err := sizes.Resolve(sizes.Input{
		Width:      req.Width,
		Height:     req.Height,
		Widths:     c.Widths,
		Densities:  c.Densities,
		Upscale:    c.Upscale,
		RealWidth:  rec.Width,
		RealHeight: rec.Height,
	})
	if err != nil {
		return nil, err
	}

	if res.Variants, err = b.generator.Generate(ctx, src, m, formats, vopts); err != nil {
		return nil, err
	}

	items := res.Variants[fallback]
	dims := make([]sizes.Dimensions, len(items))
	for i, d := range items {
		dims[i] = sizes.Dimensions{Width: d.Width, Height: d.Height}
	}
	w, h, err := sizes.ElementDimensions(req.Width, req.Height, rec.Width, dims)
	if err != nil {
		return nil, err
	}
	res.Element = Element{Width: w, Height: h, Sizes: sizes.Sizes(c.Sizes, req.SizesFunc, c.Layout, m)}

	b.logger.Info("processed", "src", req.Ref, "kind", kind, "duration", time.Since(start))
	return res, nil
}

// Close ends the build: it waits for running Process calls, prunes expired
// records and their files and closes the store.
func (b *Builder) Close(ctx context.Context) (*prune.Result, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.closed = true
	b.mu.Unlock()
	b.inflight.Wait()

	p := prune.New(b.store, []backend.Backend{b.files, b.downloads}, prune.WithLogger(b.logger))
	return p.Run(ctx, b.now())
}
