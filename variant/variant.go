// Package variant generates resized and re-encoded derivatives of a source
// image, reusing cached derivatives whenever their processing profile was
// seen before.
package variant

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wolfeidau/imgcache"
	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/sizes"
	"github.com/wolfeidau/imgcache/store"
	"github.com/wolfeidau/imgcache/telemetry"
)

var (
	// ErrNoFormats is returned when Generate is called without formats.
	ErrNoFormats = errors.New("no output formats")

	// ErrInvalidOutputFormat is returned when a stored or generated
	// derivative has a format that is not an output format.
	ErrInvalidOutputFormat = errors.New("invalid output format")
)

// Source is the part of a resolved source the generator needs.
type Source interface {
	Hash() string
	Ref() string
	Ops() []imageproc.Op
	Buffer(ctx context.Context) ([]byte, error)
}

// Descriptor describes one generated or cached derivative.
type Descriptor struct {
	Hash   string           `json:"hash"`
	Width  int              `json:"width"`
	Height int              `json:"height"`
	Format imageproc.Format `json:"format"`
	Ext    string           `json:"ext"`
	// Descriptor is the srcset descriptor, "{density}x" or "{width}w".
	Descriptor string `json:"descriptor"`
}

// FileName returns the derivative's file name in the cache directory.
func (d Descriptor) FileName() string {
	return backend.FileName(d.Hash, d.Ext)
}

// Set holds the derivatives of each format, ascending by width.
type Set map[imageproc.Format][]Descriptor

// Options control how a source's derivatives are encoded and fingerprinted.
type Options struct {
	// FormatOptions are the encoder settings per output format.
	FormatOptions map[imageproc.Format]imageproc.Options
	// Profile replaces the source ops in the processing profile. It lets a
	// caller name a transform chain that cannot be described by its ops.
	Profile string
}

// Stats counts generator activity.
type Stats struct {
	Hits      int64 `json:"hits"`
	Invalid   int64 `json:"invalid"`
	Generated int64 `json:"generated"`
}

// Generator produces derivatives. Transcodes from every Generate call share
// one bounded pool.
type Generator struct {
	store       store.Store
	processor   imageproc.Processor
	files       backend.Backend
	hasher      imgcache.Hasher
	concurrency int
	pool        *semaphore.Weighted
	logger      *slog.Logger

	hits      atomic.Int64
	invalid   atomic.Int64
	generated atomic.Int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithConcurrency bounds the number of concurrent transcodes.
func WithConcurrency(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// WithHasher sets the hasher for profiles and output identities.
func WithHasher(h imgcache.Hasher) Option {
	return func(g *Generator) {
		g.hasher = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// NewGenerator creates a Generator writing derivative files to files.
func NewGenerator(s store.Store, p imageproc.Processor, files backend.Backend, opts ...Option) *Generator {
	g := &Generator{
		store:       s,
		processor:   p,
		files:       files,
		hasher:      imgcache.DefaultHasher(),
		concurrency: runtime.NumCPU(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.pool = semaphore.NewWeighted(int64(g.concurrency))
	return g
}

// Stats returns the counters accumulated so far.
func (g *Generator) Stats() Stats {
	return Stats{
		Hits:      g.hits.Load(),
		Invalid:   g.invalid.Load(),
		Generated: g.generated.Load(),
	}
}

type job struct {
	format  imageproc.Format
	slot    int
	output  imageproc.Output
	profile string
	label   string
}

// Generate returns the derivatives of src for every (format, width) pair of
// m. Cached derivatives are reused; the rest are transcoded on the pool.
func (g *Generator) Generate(ctx context.Context, src Source, m sizes.Matrix, formats []imageproc.Format, opts Options) (Set, error) {
	if len(formats) == 0 {
		return nil, ErrNoFormats
	}
	for _, f := range formats {
		if !g.processor.Supports(f) {
			return nil, fmt.Errorf("%w: %s", imageproc.ErrUnsupportedFormat, f)
		}
	}
	if m.Len() == 0 || len(m.Densities) != m.Len() {
		return nil, sizes.ErrNothingToOutput
	}

	sourceHash := src.Hash()
	slots := make(map[imageproc.Format][]*Descriptor, len(formats))
	var jobs []job

	for _, f := range formats {
		slots[f] = make([]*Descriptor, m.Len())
		for i, w := range m.Widths {
			width := int(math.Round(w))
			output := imageproc.Output{Width: width, Format: f, Options: opts.FormatOptions[f]}
			profile, err := g.profile(src, opts, output)
			if err != nil {
				return nil, err
			}
			label := descriptorLabel(m, i, width)

			cached, err := g.lookup(ctx, src, sourceHash, profile, width, label)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				slots[f][i] = cached
				continue
			}
			jobs = append(jobs, job{format: f, slot: i, output: output, profile: profile, label: label})
		}
	}

	if len(jobs) > 0 {
		buf, err := src.Buffer(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading source %s: %w", src.Ref(), err)
		}

		// Started transcodes run to completion even if ctx is cancelled.
		jobCtx := context.WithoutCancel(ctx)
		var eg errgroup.Group
		eg.SetLimit(g.concurrency)
		for _, j := range jobs {
			eg.Go(func() error {
				d, err := g.transcode(jobCtx, src, sourceHash, buf, j)
				if err != nil {
					return err
				}
				slots[j.format][j.slot] = d
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	set := make(Set, len(formats))
	for _, f := range formats {
		list := make([]Descriptor, 0, m.Len())
		for _, d := range slots[f] {
			list = append(list, *d)
		}
		slices.SortStableFunc(list, func(a, b Descriptor) int { return a.Width - b.Width })
		set[f] = list
	}
	return set, nil
}

func (g *Generator) profile(src Source, opts Options, parts ...any) (string, error) {
	var sourcePart any
	switch {
	case opts.Profile != "":
		sourcePart = opts.Profile
	case len(src.Ops()) > 0:
		sourcePart = src.Ops()
	}
	profile, err := imgcache.ProfileHash(g.hasher, append([]any{sourcePart}, parts...)...)
	if err != nil {
		return "", fmt.Errorf("hashing profile: %w", err)
	}
	return profile, nil
}

func descriptorLabel(m sizes.Matrix, i, width int) string {
	if m.ByDensity {
		return sizes.FormatNumber(m.Densities[i]) + "x"
	}
	return strconv.Itoa(width) + "w"
}

// lookup returns the cached derivative for (sourceHash, profile). A record
// whose file is gone or whose width differs is deleted and reported as a miss.
func (g *Generator) lookup(ctx context.Context, src Source, sourceHash, profile string, width int, label string) (*Descriptor, error) {
	criteria := store.BySourceProfile(sourceHash, profile)
	rec, err := g.store.Fetch(ctx, criteria)
	if err != nil {
		return nil, fmt.Errorf("fetching variant record: %w", err)
	}
	if rec == nil {
		telemetry.RecordCacheLookup(ctx, string(store.CategoryVariant), telemetry.CacheMiss)
		return nil, nil
	}

	format := imageproc.Format(rec.Format)
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutputFormat, rec.Format)
	}
	d := &Descriptor{
		Hash:       rec.Hash,
		Width:      rec.Width,
		Height:     rec.Height,
		Format:     format,
		Ext:        format.Ext(),
		Descriptor: label,
	}

	exists, err := g.files.Exists(ctx, d.FileName())
	if err != nil {
		return nil, err
	}
	if exists && rec.Width == width {
		if err := g.store.Renew(ctx, criteria); err != nil {
			return nil, fmt.Errorf("renewing variant record: %w", err)
		}
		g.hits.Add(1)
		telemetry.RecordCacheLookup(ctx, string(store.CategoryVariant), telemetry.CacheHit)
		g.logger.Debug("cache hit", "src", src.Ref(), "format", d.Ext, "width", d.Width, "height", d.Height)
		return d, nil
	}

	if err := g.store.Delete(ctx, criteria); err != nil {
		return nil, fmt.Errorf("deleting stale variant record: %w", err)
	}
	g.invalid.Add(1)
	telemetry.RecordCacheLookup(ctx, string(store.CategoryVariant), telemetry.CacheInvalid)
	return nil, nil
}

func (g *Generator) transcode(ctx context.Context, src Source, sourceHash string, buf []byte, j job) (*Descriptor, error) {
	if err := g.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.pool.Release(1)

	start := time.Now()
	out, err := g.processor.Process(ctx, sourceHash, buf, imageproc.Pipeline{Ops: src.Ops(), Output: j.output})
	if err != nil {
		telemetry.RecordTranscode(ctx, string(j.format), "error", time.Since(start), 0)
		return nil, fmt.Errorf("transcoding %s to %s %dw: %w", src.Ref(), j.format, j.output.Width, err)
	}
	telemetry.RecordTranscode(ctx, string(j.format), "success", time.Since(start), int64(len(out)))

	md, err := g.processor.Probe(ctx, out, nil, false)
	if err != nil {
		return nil, err
	}
	if !md.Format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutputFormat, md.Format)
	}

	d := &Descriptor{
		Hash:       g.hasher.Sum(out),
		Width:      md.Width,
		Height:     md.Height,
		Format:     md.Format,
		Ext:        md.Format.Ext(),
		Descriptor: j.label,
	}
	// Identical output from another profile may already be on disk; the
	// atomic write makes the duplicate harmless.
	if err := g.files.Write(ctx, d.FileName(), out); err != nil {
		return nil, fmt.Errorf("writing variant: %w", err)
	}

	err = g.store.Insert(ctx, store.Record{
		Hash:     d.Hash,
		Category: store.CategoryVariant,
		Format:   string(d.Format),
		Width:    d.Width,
		Height:   d.Height,
		Source:   sourceHash,
		Profile:  j.profile,
	})
	if err != nil {
		return nil, fmt.Errorf("inserting variant record: %w", err)
	}

	g.generated.Add(1)
	g.logger.Info("generated", "src", src.Ref(), "format", d.Ext, "width", d.Width, "height", d.Height,
		"duration", time.Since(start))
	return d, nil
}

// Placeholder returns a data URI of src processed by p, typically a tiny
// blurred rendition. The payload is cached inline in a placeholder record.
func (g *Generator) Placeholder(ctx context.Context, src Source, p imageproc.Pipeline, opts Options) (string, error) {
	sourceHash := src.Hash()
	profile, err := g.profile(src, opts, p)
	if err != nil {
		return "", err
	}
	criteria := store.BySourceProfile(sourceHash, profile)

	rec, err := g.store.Fetch(ctx, criteria)
	if err != nil {
		return "", fmt.Errorf("fetching placeholder record: %w", err)
	}
	if rec != nil && rec.Base64 != "" {
		if err := g.store.Renew(ctx, criteria); err != nil {
			return "", fmt.Errorf("renewing placeholder record: %w", err)
		}
		g.hits.Add(1)
		telemetry.RecordCacheLookup(ctx, string(store.CategoryPlaceholder), telemetry.CacheHit)
		g.logger.Debug("cache hit (placeholder)", "src", src.Ref())
		return dataURI(rec.Format, rec.Base64), nil
	}
	telemetry.RecordCacheLookup(ctx, string(store.CategoryPlaceholder), telemetry.CacheMiss)

	buf, err := src.Buffer(ctx)
	if err != nil {
		return "", fmt.Errorf("reading source %s: %w", src.Ref(), err)
	}
	pipeline := imageproc.Pipeline{
		Ops:    append(slices.Clone(src.Ops()), p.Ops...),
		Output: p.Output,
	}
	out, err := g.processor.Process(ctx, sourceHash, buf, pipeline)
	if err != nil {
		return "", fmt.Errorf("generating placeholder for %s: %w", src.Ref(), err)
	}
	md, err := g.processor.Probe(ctx, out, nil, false)
	if err != nil {
		return "", err
	}

	encoded := base64.StdEncoding.EncodeToString(out)
	err = g.store.Insert(ctx, store.Record{
		Hash:     g.hasher.Sum(out),
		Category: store.CategoryPlaceholder,
		Base64:   encoded,
		Format:   string(md.Format),
		Width:    md.Width,
		Height:   md.Height,
		Source:   sourceHash,
		Profile:  profile,
	})
	if err != nil {
		return "", fmt.Errorf("inserting placeholder record: %w", err)
	}

	g.generated.Add(1)
	g.logger.Info("generated (placeholder)", "src", src.Ref())
	return dataURI(string(md.Format), encoded), nil
}

func dataURI(format, payload string) string {
	return "data:image/" + format + ";base64," + payload
}
