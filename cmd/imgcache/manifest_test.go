package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/imgcache/config"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/pipeline"
	"github.com/wolfeidau/imgcache/sizes"
	"github.com/wolfeidau/imgcache/variant"
)

func TestParseManifest(t *testing.T) {
	entries, err := parseManifest([]byte(`[
		{"src": "src/hero.jpg", "width": 1000, "densities": [1, 2], "format": "jpg"},
		{"src": "https://example.com/a.png", "kind": "picture", "formats": ["webp", "png"],
		 "widths": [320, 640], "layout": "fullWidth", "ops": "grayscale,blur=2", "maxAge": "1h"}
	]`))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	req, err := entries[0].request()
	require.NoError(t, err)
	assert.Equal(t, "src/hero.jpg", req.Ref)
	assert.Equal(t, pipeline.KindImg, req.Kind)
	require.NotNil(t, req.Width)
	assert.Equal(t, 1000.0, *req.Width)
	assert.Equal(t, imageproc.JPEG, req.Component.Format)
	assert.Equal(t, []float64{1, 2}, req.Component.Densities)

	req, err = entries[1].request()
	require.NoError(t, err)
	assert.Equal(t, pipeline.KindPicture, req.Kind)
	assert.Equal(t, []imageproc.Format{imageproc.WebP, imageproc.PNG}, req.Component.Formats)
	assert.Equal(t, sizes.LayoutFullWidth, req.Component.Layout)
	assert.Len(t, req.Component.Ops, 2)
	assert.Equal(t, time.Hour, req.Component.MaxAge)
	assert.Zero(t, req.Component.MinAge)
}

func TestManifestEntry_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		entry manifestEntry
	}{
		{"missing src", manifestEntry{}},
		{"bad kind", manifestEntry{Src: "a.png", Kind: "video"}},
		{"bad format", manifestEntry{Src: "a.png", Format: "bmp"}},
		{"bad upscale", manifestEntry{Src: "a.png", Upscale: "sometimes"}},
		{"bad ops", manifestEntry{Src: "a.png", Ops: "melt"}},
		{"bad age", manifestEntry{Src: "a.png", MaxAge: "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.entry.request()
			assert.Error(t, err)
		})
	}
}

func TestParseManifest_Malformed(t *testing.T) {
	_, err := parseManifest([]byte(`{"src": "a.png"}`))
	assert.Error(t, err)
}

func TestNewManifestResult(t *testing.T) {
	res := &pipeline.Result{
		Kind:    pipeline.KindBackground,
		Formats: []imageproc.Format{imageproc.WebP},
		Variants: variant.Set{
			imageproc.WebP: {{Hash: "abc", Width: 100, Ext: "webp", Descriptor: "1x"}},
		},
	}
	out := newManifestResult(res, basePath("/_astro"))
	assert.Equal(t, "/_astro/abc.webp 1x", out.Srcset[imageproc.WebP])
	assert.Equal(t, `image-set(url("/_astro/abc.webp") 1x type("image/webp"))`, out.ImageSet)
	assert.Nil(t, out.PreloadLink)
}

func TestGlobals_Options(t *testing.T) {
	g := Globals{
		Root:            t.TempDir(),
		OutDir:          "dist",
		CacheDir:        config.DefaultCacheDir,
		ImageCacheDir:   config.DefaultImageCacheDir,
		DownloadDir:     config.DefaultDownloadDir,
		Store:           config.StoreBolt,
		Hasher:          "sha256",
		Timeout:         time.Second,
		RetentionPeriod: -1,
		RetentionCount:  3,
		JPEGQuality:     70,
		PNGCompression:  "best",
		MinAge:          time.Hour,
	}
	opts, err := g.Options()
	require.NoError(t, err)
	assert.Equal(t, config.StoreBolt, opts.Store)
	assert.Equal(t, 70, opts.FormatOptions[imageproc.JPEG].Quality)
	assert.Equal(t, time.Hour, opts.Defaults.MinAge)

	r := opts.Retention()
	assert.Nil(t, r.Period)
	require.NotNil(t, r.Count)
	assert.Equal(t, 3, *r.Count)

	g.Hasher = "crc32"
	_, err = g.Options()
	assert.Error(t, err)
}
