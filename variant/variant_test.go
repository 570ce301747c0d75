package variant

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/sizes"
	"github.com/wolfeidau/imgcache/store"
	"github.com/wolfeidau/imgcache/store/jsonstore"
	"github.com/wolfeidau/imgcache/store/storetest"
)

type testSource struct {
	hash string
	ops  []imageproc.Op
	data []byte
}

func (s *testSource) Hash() string                           { return s.hash }
func (s *testSource) Ref() string                            { return "test.png" }
func (s *testSource) Ops() []imageproc.Op                    { return s.ops }
func (s *testSource) Buffer(context.Context) ([]byte, error) { return s.data, nil }

// countingProcessor records how many transcodes ran and how many overlapped.
type countingProcessor struct {
	imageproc.Processor
	delay    time.Duration
	jobs     atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
}

func (p *countingProcessor) Process(ctx context.Context, key string, data []byte, pl imageproc.Pipeline) ([]byte, error) {
	p.jobs.Add(1)
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.Processor.Process(ctx, key, data, pl)
}

type failingInsertStore struct {
	store.Store
}

func (s failingInsertStore) Insert(context.Context, store.Record) error {
	return errors.New("disk full")
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	store     store.Store
	files     *backend.Filesystem
	processor *countingProcessor
	gen       *Generator
	src       *testSource
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := storetest.NewClock(storetest.Epoch)
	s := jsonstore.New(jsonstore.WithFile(jsonstore.InMemory), jsonstore.WithNow(clock.Now))
	require.NoError(t, s.Initialize(context.Background(), store.InitOptions{}))
	t.Cleanup(func() { _ = s.Close() })

	files, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	p := &countingProcessor{Processor: imageproc.NewImaging()}
	return &harness{
		store:     s,
		files:     files,
		processor: p,
		gen:       NewGenerator(s, p, files, opts...),
		src:       &testSource{hash: "srchash", data: testPNG(t, 250, 150)},
	}
}

func TestGenerateWidths(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := sizes.Matrix{Widths: []float64{200, 100}, Densities: []float64{0.8, 0.4}}

	set, err := h.gen.Generate(ctx, h.src, m, []imageproc.Format{imageproc.WebP, imageproc.JPEG}, Options{})
	require.NoError(t, err)
	require.Len(t, set, 2)

	webp := set[imageproc.WebP]
	require.Len(t, webp, 2)
	assert.Equal(t, 100, webp[0].Width)
	assert.Equal(t, 60, webp[0].Height)
	assert.Equal(t, "100w", webp[0].Descriptor)
	assert.Equal(t, 200, webp[1].Width)
	assert.Equal(t, "200w", webp[1].Descriptor)
	assert.Equal(t, "webp", webp[0].Ext)

	jpeg := set[imageproc.JPEG]
	require.Len(t, jpeg, 2)
	assert.Equal(t, "jpg", jpeg[0].Ext)

	for _, list := range set {
		for _, d := range list {
			ok, err := h.files.Exists(ctx, d.FileName())
			require.NoError(t, err)
			assert.True(t, ok, d.FileName())

			rec, err := h.store.Fetch(ctx, store.ByHash(d.Hash))
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, store.CategoryVariant, rec.Category)
			assert.Equal(t, "srchash", rec.Source)
			assert.NotEmpty(t, rec.Profile)
		}
	}
	assert.Equal(t, int32(4), h.processor.jobs.Load())
	assert.Equal(t, int64(4), h.gen.Stats().Generated)

	// Everything is cached on the second run.
	again, err := h.gen.Generate(ctx, h.src, m, []imageproc.Format{imageproc.WebP, imageproc.JPEG}, Options{})
	require.NoError(t, err)
	assert.Equal(t, set, again)
	assert.Equal(t, int32(4), h.processor.jobs.Load())
	assert.Equal(t, int64(4), h.gen.Stats().Generated)
	assert.Equal(t, int64(4), h.gen.Stats().Hits)
}

func TestGenerateDensities(t *testing.T) {
	h := newHarness(t)
	m := sizes.Matrix{Widths: []float64{100, 200}, Densities: []float64{1, 2}, ByDensity: true}

	set, err := h.gen.Generate(context.Background(), h.src, m, []imageproc.Format{imageproc.PNG}, Options{})
	require.NoError(t, err)
	got := set[imageproc.PNG]
	require.Len(t, got, 2)
	assert.Equal(t, "1x", got[0].Descriptor)
	assert.Equal(t, "2x", got[1].Descriptor)
}

func TestGenerateRoundsWidths(t *testing.T) {
	h := newHarness(t)
	m := sizes.Matrix{Widths: []float64{99.6}, Densities: []float64{1.5}, ByDensity: true}

	set, err := h.gen.Generate(context.Background(), h.src, m, []imageproc.Format{imageproc.PNG}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 100, set[imageproc.PNG][0].Width)
	assert.Equal(t, "1.5x", set[imageproc.PNG][0].Descriptor)
}

func TestGenerateRegeneratesMissingFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := sizes.Matrix{Widths: []float64{100}, Densities: []float64{1}}
	formats := []imageproc.Format{imageproc.PNG}

	set, err := h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.NoError(t, err)
	require.NoError(t, h.files.Delete(ctx, set[imageproc.PNG][0].FileName()))

	again, err := h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.processor.jobs.Load())
	assert.Equal(t, int64(1), h.gen.Stats().Invalid)

	ok, err := h.files.Exists(ctx, again[imageproc.PNG][0].FileName())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerateRegeneratesWidthMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := sizes.Matrix{Widths: []float64{100}, Densities: []float64{1}}
	formats := []imageproc.Format{imageproc.PNG}

	set, err := h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.NoError(t, err)

	rec, err := h.store.Fetch(ctx, store.ByHash(set[imageproc.PNG][0].Hash))
	require.NoError(t, err)
	rec.Width = 99
	require.NoError(t, h.store.Insert(ctx, *rec))

	_, err = h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.processor.jobs.Load())

	rec, err = h.store.Fetch(ctx, store.BySourceProfile(rec.Source, rec.Profile))
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Width)
}

func TestGenerateProfileIncludesOps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := sizes.Matrix{Widths: []float64{100}, Densities: []float64{1}}
	formats := []imageproc.Format{imageproc.PNG}

	_, err := h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.NoError(t, err)

	h.src.ops = []imageproc.Op{{Name: imageproc.OpGrayscale}}
	_, err = h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.processor.jobs.Load())

	// A named profile replaces the ops in the fingerprint.
	_, err = h.gen.Generate(ctx, h.src, m, formats, Options{Profile: "mono"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), h.processor.jobs.Load())
}

func TestGenerateUnsupportedFormat(t *testing.T) {
	h := newHarness(t)
	m := sizes.Matrix{Widths: []float64{100}, Densities: []float64{1}}

	_, err := h.gen.Generate(context.Background(), h.src, m, []imageproc.Format{imageproc.WebP, imageproc.AVIF}, Options{})
	require.ErrorIs(t, err, imageproc.ErrUnsupportedFormat)
	assert.Zero(t, h.processor.jobs.Load())

	_, err = h.gen.Generate(context.Background(), h.src, m, nil, Options{})
	require.ErrorIs(t, err, ErrNoFormats)
}

func TestGenerateInvalidStoredFormat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := sizes.Matrix{Widths: []float64{100}, Densities: []float64{1}}
	formats := []imageproc.Format{imageproc.PNG}

	set, err := h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.NoError(t, err)
	rec, err := h.store.Fetch(ctx, store.ByHash(set[imageproc.PNG][0].Hash))
	require.NoError(t, err)
	rec.Format = "tiff"
	require.NoError(t, h.store.Insert(ctx, *rec))

	_, err = h.gen.Generate(ctx, h.src, m, formats, Options{})
	require.ErrorIs(t, err, ErrInvalidOutputFormat)
}

func TestGenerateInsertFailureAborts(t *testing.T) {
	h := newHarness(t)
	gen := NewGenerator(failingInsertStore{h.store}, h.processor, h.files)
	m := sizes.Matrix{Widths: []float64{50, 100}, Densities: []float64{0.5, 1}}

	set, err := gen.Generate(context.Background(), h.src, m, []imageproc.Format{imageproc.PNG}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, set)
}

func TestGenerateBoundedConcurrency(t *testing.T) {
	h := newHarness(t, WithConcurrency(2))
	h.processor.delay = 20 * time.Millisecond
	m := sizes.Matrix{Widths: []float64{20, 40, 60, 80, 100, 120}, Densities: []float64{1, 2, 3, 4, 5, 6}}

	var wg sync.WaitGroup
	for _, f := range []imageproc.Format{imageproc.PNG, imageproc.JPEG} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.gen.Generate(context.Background(), h.src, m, []imageproc.Format{f}, Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(12), h.processor.jobs.Load())
	assert.LessOrEqual(t, h.processor.peak.Load(), int32(2))
}

func TestPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blur := imageproc.Pipeline{Output: imageproc.Output{Width: 20, Format: imageproc.WebP}}

	uri, err := h.gen.Placeholder(ctx, h.src, blur, Options{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "data:image/webp;base64,"))

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:image/webp;base64,"))
	require.NoError(t, err)
	md, err := imageproc.NewImaging().Probe(ctx, payload, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 20, md.Width)
	assert.Equal(t, 12, md.Height)

	again, err := h.gen.Placeholder(ctx, h.src, blur, Options{})
	require.NoError(t, err)
	assert.Equal(t, uri, again)
	assert.Equal(t, int32(1), h.processor.jobs.Load())
}
