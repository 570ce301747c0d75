package imageproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	// Additional decoders registered with image.Decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDecodeCacheSize is the number of decoded source images kept in
// memory by an Imaging processor.
const DefaultDecodeCacheSize = 16

// Metadata describes an encoded image.
type Metadata struct {
	Format Format
	Width  int
	Height int
	// Color is the dominant colour, set only when requested.
	Color *Color
}

// Pipeline is a complete transform: source-level ops applied in order,
// then the variant resize and encode.
type Pipeline struct {
	Ops    []Op   `json:"ops,omitempty" cbor:"ops,omitempty"`
	Output Output `json:"output" cbor:"output"`
}

// Processor decodes, transforms and encodes images.
type Processor interface {
	// Probe reads format and dimensions. When withColor is true the
	// dominant colour of the image, after ops are applied, is computed too.
	Probe(ctx context.Context, data []byte, ops []Op, withColor bool) (*Metadata, error)
	// Process runs p over data. key identifies the decoded source for
	// caching and may be empty.
	Process(ctx context.Context, key string, data []byte, p Pipeline) ([]byte, error)
	// Supports reports whether f can be encoded.
	Supports(f Format) bool
}

// Imaging is a pure Go Processor built on disintegration/imaging. WebP is
// encoded with nativewebp; AVIF is not supported.
type Imaging struct {
	decoded *lru.Cache[string, image.Image]
	logger  *slog.Logger
}

// Option configures an Imaging processor.
type Option func(*Imaging)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Imaging) {
		p.logger = logger
	}
}

// WithDecodeCacheSize sets the number of decoded sources kept in memory.
func WithDecodeCacheSize(size int) Option {
	return func(p *Imaging) {
		if size <= 0 {
			p.decoded = nil
			return
		}
		cache, err := lru.New[string, image.Image](size)
		if err == nil {
			p.decoded = cache
		}
	}
}

// NewImaging creates an Imaging processor.
func NewImaging(opts ...Option) *Imaging {
	p := &Imaging{logger: slog.Default()}
	WithDecodeCacheSize(DefaultDecodeCacheSize)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Supports implements Processor.
func (p *Imaging) Supports(f Format) bool {
	switch f {
	case JPEG, PNG, GIF, WebP:
		return true
	}
	return false
}

// Probe implements Processor.
func (p *Imaging) Probe(ctx context.Context, data []byte, ops []Op, withColor bool) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading image metadata: %w", decodeError(err))
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, errors.New("reading image metadata: empty dimensions")
	}
	md := &Metadata{
		Format: formatFromDecoder(name),
		Width:  cfg.Width,
		Height: cfg.Height,
	}
	if !withColor {
		return md, nil
	}
	img, err := p.decode("", data)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		img = op.apply(img)
	}
	c := DominantColor(img)
	md.Color = &c
	return md, nil
}

// Process implements Processor.
func (p *Imaging) Process(ctx context.Context, key string, data []byte, pl Pipeline) ([]byte, error) {
	if !p.Supports(pl.Output.Format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, pl.Output.Format)
	}
	for _, op := range pl.Ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := p.decode(key, data)
	if err != nil {
		return nil, err
	}
	for _, op := range pl.Ops {
		img = op.apply(img)
	}
	if w := pl.Output.Width; w > 0 && w != img.Bounds().Dx() {
		img = imaging.Resize(img, w, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := encode(&buf, img, pl.Output); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", pl.Output.Format, err)
	}
	return buf.Bytes(), nil
}

func (p *Imaging) decode(key string, data []byte) (image.Image, error) {
	if key != "" && p.decoded != nil {
		if img, ok := p.decoded.Get(key); ok {
			return img, nil
		}
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", decodeError(err))
	}
	if key != "" && p.decoded != nil {
		p.decoded.Add(key, img)
		p.logger.Debug("cached decoded image", "key", key)
	}
	return img, nil
}

func encode(buf *bytes.Buffer, img image.Image, out Output) error {
	switch out.Format {
	case JPEG:
		q := out.Options.Quality
		if q <= 0 {
			q = 80
		}
		return imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(q))
	case PNG:
		return imaging.Encode(buf, img, imaging.PNG, imaging.PNGCompressionLevel(pngCompression(out.Options.Compression)))
	case GIF:
		return imaging.Encode(buf, img, imaging.GIF)
	case WebP:
		return nativewebp.Encode(buf, img, &nativewebp.Options{})
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, out.Format)
}

func pngCompression(level string) png.CompressionLevel {
	switch level {
	case "speed":
		return png.BestSpeed
	case "best":
		return png.BestCompression
	case "none":
		return png.NoCompression
	}
	return png.DefaultCompression
}

func formatFromDecoder(name string) Format {
	if f, err := ParseFormat(name); err == nil {
		return f
	}
	return Format(name)
}

func decodeError(err error) error {
	if errors.Is(err, image.ErrFormat) {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return err
}

var _ Processor = (*Imaging)(nil)
