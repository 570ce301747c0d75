// Package config holds build options, their defaults and the ordered
// overlay used to combine defaults, global settings and per-image settings.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/wolfeidau/imgcache"
	"github.com/wolfeidau/imgcache/expiry"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/sizes"
	"github.com/wolfeidau/imgcache/store"
)

// Placeholder selects what is shown while an image loads.
type Placeholder string

const (
	PlaceholderBlurred       Placeholder = "blurred"
	PlaceholderDominantColor Placeholder = "dominantColor"
	PlaceholderNone          Placeholder = "none"
)

// Store backends.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
)

// Defaults.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultRetentionPeriod = 100 * 24 * time.Hour
	DefaultRetentionCount  = 10
	DefaultAssetsDirName   = "_astro"
	DefaultCacheDir        = "[root]node_modules/.imgcache/"
	DefaultImageCacheDir   = "[cacheDir]images/"
	DefaultDownloadDir     = "[imageCacheDir]downloads/"
)

// Options are the build-level settings.
type Options struct {
	RootDir       string
	OutDir        string
	AssetsDirName string
	// CacheDir may reference [root].
	CacheDir string
	// ImageCacheDir holds derivative files and may reference [root] and
	// [cacheDir].
	ImageCacheDir string
	// DownloadDir holds remote source files and may reference any of the
	// directory placeholders.
	DownloadDir string

	Hasher        string
	UseRefForHash bool
	Timeout       time.Duration
	// Concurrency bounds concurrent transcodes. Zero uses the CPU count.
	Concurrency int

	// RetentionPeriod and RetentionCount configure eviction. A negative
	// value disables that policy.
	RetentionPeriod time.Duration
	RetentionCount  int

	Store     string
	StoreFile string

	FormatOptions map[imageproc.Format]imageproc.Options

	// Defaults apply to every image before per-image settings.
	Defaults Component
}

// Component holds the per-image settings. Zero fields inherit from the
// layer below in Merge.
type Component struct {
	Format    imageproc.Format
	Formats   []imageproc.Format
	Widths    []float64
	Densities []float64
	Upscale   sizes.Upscale
	Layout    sizes.Layout
	Sizes     string

	Placeholder      Placeholder
	PlaceholderColor string
	// Blur is the pipeline of the blurred placeholder.
	Blur imageproc.Pipeline

	Ops []imageproc.Op
	// Profile names Ops in the processing fingerprint.
	Profile string

	// Preload selects the format of the preload link, if any.
	Preload imageproc.Format

	MinAge time.Duration
	MaxAge time.Duration
}

// DefaultBlur is the default placeholder pipeline.
func DefaultBlur() imageproc.Pipeline {
	return imageproc.Pipeline{Output: imageproc.Output{Width: 20, Format: imageproc.WebP}}
}

// DefaultComponent returns the built-in per-image defaults.
func DefaultComponent() Component {
	return Component{
		Format:      imageproc.WebP,
		Formats:     []imageproc.Format{imageproc.WebP, imageproc.JPEG},
		Upscale:     sizes.UpscaleNever,
		Layout:      sizes.LayoutConstrained,
		Placeholder: PlaceholderBlurred,
		Blur:        DefaultBlur(),
		MinAge:      expiry.DefaultConfig().MinAge,
	}
}

// Default returns the built-in build options.
func Default() Options {
	return Options{
		RootDir:         ".",
		OutDir:          "dist",
		AssetsDirName:   DefaultAssetsDirName,
		CacheDir:        DefaultCacheDir,
		ImageCacheDir:   DefaultImageCacheDir,
		DownloadDir:     DefaultDownloadDir,
		Hasher:          "blake3",
		Timeout:         DefaultTimeout,
		Concurrency:     runtime.NumCPU(),
		RetentionPeriod: DefaultRetentionPeriod,
		RetentionCount:  DefaultRetentionCount,
		Store:           StoreJSON,
		FormatOptions: map[imageproc.Format]imageproc.Options{
			imageproc.JPEG: {Quality: 80},
		},
		Defaults: DefaultComponent(),
	}
}

// Merge overlays layers in order. A later layer's non-zero field replaces
// the earlier value.
func Merge(layers ...Component) Component {
	var out Component
	for _, l := range layers {
		if l.Format != "" {
			out.Format = l.Format
		}
		if len(l.Formats) > 0 {
			out.Formats = slices.Clone(l.Formats)
		}
		if len(l.Widths) > 0 {
			out.Widths = slices.Clone(l.Widths)
			out.Densities = nil
		}
		if len(l.Densities) > 0 {
			out.Densities = slices.Clone(l.Densities)
			out.Widths = nil
		}
		if l.Upscale != "" {
			out.Upscale = l.Upscale
		}
		if l.Layout != "" {
			out.Layout = l.Layout
		}
		if l.Sizes != "" {
			out.Sizes = l.Sizes
		}
		if l.Placeholder != "" {
			out.Placeholder = l.Placeholder
		}
		if l.PlaceholderColor != "" {
			out.PlaceholderColor = l.PlaceholderColor
		}
		if l.Blur.Output.Format != "" {
			out.Blur = l.Blur
		}
		if len(l.Ops) > 0 {
			out.Ops = slices.Clone(l.Ops)
		}
		if l.Profile != "" {
			out.Profile = l.Profile
		}
		if l.Preload != "" {
			out.Preload = l.Preload
		}
		if l.MinAge != 0 {
			out.MinAge = l.MinAge
		}
		if l.MaxAge != 0 {
			out.MaxAge = l.MaxAge
		}
	}
	return out
}

// Expiry returns the freshness bounds of c. Negative ages disable a bound.
func (c Component) Expiry() expiry.Config {
	return expiry.Config{MinAge: max(c.MinAge, 0), MaxAge: max(c.MaxAge, 0)}
}

// WantColor reports whether the dominant colour must be computed.
func (c Component) WantColor() bool {
	return c.Placeholder == PlaceholderDominantColor && c.PlaceholderColor == ""
}

func positive(value any) error {
	if v, _ := value.(float64); v <= 0 {
		return errors.New("must be greater than zero")
	}
	return nil
}

func validFormat(value any) error {
	f, _ := value.(imageproc.Format)
	if f == "" || f.Valid() {
		return nil
	}
	return fmt.Errorf("unknown format %q", f)
}

// Validate checks c.
func (c Component) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Format, validation.By(validFormat)),
		validation.Field(&c.Formats, validation.Each(validation.By(validFormat))),
		validation.Field(&c.Widths, validation.Each(validation.By(positive))),
		validation.Field(&c.Densities, validation.Each(validation.By(positive))),
		validation.Field(&c.Upscale, validation.In(sizes.UpscaleNever, sizes.UpscaleAlways, sizes.UpscaleOriginal)),
		validation.Field(&c.Layout, validation.In(sizes.LayoutConstrained, sizes.LayoutFixed, sizes.LayoutFullWidth)),
		validation.Field(&c.Placeholder, validation.In(PlaceholderBlurred, PlaceholderDominantColor, PlaceholderNone)),
		validation.Field(&c.Preload, validation.By(validFormat)),
		validation.Field(&c.Ops),
	)
	if err != nil {
		return err
	}
	if len(c.Widths) > 0 && len(c.Densities) > 0 {
		return sizes.ErrWidthsAndDensities
	}
	return nil
}

// Validate checks o.
func (o Options) Validate() error {
	err := validation.ValidateStruct(&o,
		validation.Field(&o.RootDir, validation.Required),
		validation.Field(&o.CacheDir, validation.Required),
		validation.Field(&o.ImageCacheDir, validation.Required),
		validation.Field(&o.DownloadDir, validation.Required),
		validation.Field(&o.Hasher, validation.In("blake3", "sha256", "md5")),
		validation.Field(&o.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&o.Concurrency, validation.Min(0)),
		validation.Field(&o.Store, validation.Required, validation.In(StoreJSON, StoreSQLite, StoreBolt)),
	)
	if err != nil {
		return err
	}
	if err := o.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

// Retention returns the store retention policy.
func (o Options) Retention() store.Retention {
	var r store.Retention
	if o.RetentionPeriod >= 0 {
		p := o.RetentionPeriod
		r.Period = &p
	}
	if o.RetentionCount >= 0 {
		c := o.RetentionCount
		r.Count = &c
	}
	return r
}

// HasherImpl returns the configured hasher.
func (o Options) HasherImpl() (imgcache.Hasher, error) {
	return imgcache.HasherByName(o.Hasher)
}

// Dirs are the resolved absolute directories of a build.
type Dirs struct {
	Root          string
	Out           string
	AssetsDirName string
	Cache         string
	ImageCache    string
	Download      string
}

// ResolveDirs expands the directory placeholders.
func (o Options) ResolveDirs() (Dirs, error) {
	root, err := filepath.Abs(o.RootDir)
	if err != nil {
		return Dirs{}, fmt.Errorf("resolving root dir: %w", err)
	}
	init := store.InitOptions{RootDir: root + string(filepath.Separator)}
	cache := init.ResolveDir(o.CacheDir)
	init.CacheDir = cache + string(filepath.Separator)
	imageCache := init.ResolveDir(o.ImageCacheDir)
	init.ImageCacheDir = imageCache + string(filepath.Separator)

	out := o.OutDir
	if !filepath.IsAbs(out) {
		out = filepath.Join(root, out)
	}
	return Dirs{
		Root:          root,
		Out:           out,
		AssetsDirName: o.AssetsDirName,
		Cache:         cache,
		ImageCache:    imageCache,
		Download:      init.ResolveDir(o.DownloadDir),
	}, nil
}

// InitOptions returns the store initialization options for d.
func (d Dirs) InitOptions(r store.Retention) store.InitOptions {
	sep := string(filepath.Separator)
	return store.InitOptions{
		RootDir:       d.Root + sep,
		CacheDir:      d.Cache + sep,
		ImageCacheDir: d.ImageCache + sep,
		Retention:     r,
	}
}
