package sizes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func TestResolveDefault(t *testing.T) {
	m, err := Resolve(Input{RealWidth: 2500, RealHeight: 1500})
	require.NoError(t, err)
	assert.Equal(t, []float64{2500}, m.Widths)
	assert.Equal(t, []float64{1}, m.Densities)
	assert.False(t, m.ByDensity)

	m, err = Resolve(Input{Width: ptr(800), RealWidth: 2500, RealHeight: 1500})
	require.NoError(t, err)
	assert.Equal(t, []float64{800}, m.Widths)
	assert.Equal(t, []float64{1}, m.Densities)
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve(Input{Widths: []float64{100}, Densities: []float64{1}, RealWidth: 10, RealHeight: 10})
	require.ErrorIs(t, err, ErrWidthsAndDensities)

	_, err = Resolve(Input{Widths: []float64{100}})
	require.ErrorIs(t, err, ErrInvalidDimensions)

	_, err = Resolve(Input{Widths: []float64{3000}, Upscale: UpscaleNever, RealWidth: 2500, RealHeight: 1500})
	require.ErrorIs(t, err, ErrNothingToOutput)

	_, err = Resolve(Input{Densities: []float64{2, 3}, Width: ptr(2000), Upscale: UpscaleNever, RealWidth: 2500, RealHeight: 1500})
	require.ErrorIs(t, err, ErrNothingToOutput)

	_, err = Resolve(Input{Densities: []float64{0, 1}, RealWidth: 200, RealHeight: 100})
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = Resolve(Input{Widths: []float64{0, 100}, Upscale: UpscaleAlways, RealWidth: 200, RealHeight: 100})
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestResolveWidths(t *testing.T) {
	tests := []struct {
		upscale   Upscale
		widths    []float64
		densities []float64
	}{
		{UpscaleNever, []float64{1000, 2000}, []float64{0.4, 0.8}},
		{UpscaleAlways, []float64{1000, 2000, 3000}, []float64{0.4, 0.8, 1.2}},
		{UpscaleOriginal, []float64{1000, 2000, 2500}, []float64{0.4, 0.8, 1}},
	}
	for _, tt := range tests {
		t.Run(string(tt.upscale), func(t *testing.T) {
			m, err := Resolve(Input{
				Widths:     []float64{3000, 1000, 2000},
				Upscale:    tt.upscale,
				RealWidth:  2500,
				RealHeight: 1500,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.widths, m.Widths)
			assert.InDeltaSlice(t, tt.densities, m.Densities, 1e-9)
			assert.False(t, m.ByDensity)
		})
	}
}

func TestResolveWidthsOriginalAlreadyMax(t *testing.T) {
	m, err := Resolve(Input{Widths: []float64{1000, 2500}, Upscale: UpscaleOriginal, RealWidth: 2500, RealHeight: 1500})
	require.NoError(t, err)
	assert.Equal(t, []float64{1000, 2500}, m.Widths)
}

func TestResolveDensities(t *testing.T) {
	tests := []struct {
		upscale   Upscale
		widths    []float64
		densities []float64
	}{
		{UpscaleNever, []float64{1000, 2000}, []float64{1, 2}},
		{UpscaleAlways, []float64{1000, 2000, 3000}, []float64{1, 2, 3}},
		{UpscaleOriginal, []float64{1000, 2000, 2500}, []float64{1, 2, 2.5}},
	}
	for _, tt := range tests {
		t.Run(string(tt.upscale), func(t *testing.T) {
			m, err := Resolve(Input{
				Width:      ptr(1000),
				Densities:  []float64{3, 1, 2},
				Upscale:    tt.upscale,
				RealWidth:  2500,
				RealHeight: 1500,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.widths, m.Widths)
			assert.Equal(t, tt.densities, m.Densities)
			assert.True(t, m.ByDensity)
		})
	}
}

func TestResolveDensitiesWithoutWidth(t *testing.T) {
	m, err := Resolve(Input{Densities: []float64{1, 2}, RealWidth: 2000, RealHeight: 1000})
	require.NoError(t, err)
	assert.Equal(t, []float64{1000, 2000}, m.Widths)
	assert.Equal(t, []float64{1, 2}, m.Densities)
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	widths := []float64{3000, 1000}
	_, err := Resolve(Input{Widths: widths, Upscale: UpscaleAlways, RealWidth: 10, RealHeight: 10})
	require.NoError(t, err)
	assert.Equal(t, []float64{3000, 1000}, widths)
}

func TestElementDimensions(t *testing.T) {
	fallback := []Dimensions{{1000, 600}, {2000, 1200}}

	w, h, err := ElementDimensions(nil, nil, 2500, fallback)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, w)
	assert.Equal(t, 1200.0, h)

	w, h, err = ElementDimensions(ptr(1000), nil, 2500, fallback)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, w)
	assert.Equal(t, 600.0, h)

	w, h, err = ElementDimensions(nil, ptr(300), 2500, fallback)
	require.NoError(t, err)
	assert.Equal(t, 500.0, w)
	assert.Equal(t, 300.0, h)

	w, h, err = ElementDimensions(ptr(10), ptr(20), 2500, fallback)
	require.NoError(t, err)
	assert.Equal(t, 10.0, w)
	assert.Equal(t, 20.0, h)

	_, _, err = ElementDimensions(nil, nil, 2500, nil)
	require.ErrorIs(t, err, ErrNothingToOutput)
}

func TestElementDimensionsPrefersRealWidth(t *testing.T) {
	fallback := []Dimensions{{1000, 500}, {2500, 1500}, {3000, 1000}}
	w, h, err := ElementDimensions(nil, nil, 2500, fallback)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, w)
	assert.Equal(t, 1500.0, h)
}

func TestSizes(t *testing.T) {
	m := Matrix{Widths: []float64{1000, 2000}, Densities: []float64{1, 2}}

	assert.Equal(t, "(min-width: 2000px) 2000px, 100vw", Sizes("", nil, LayoutConstrained, m))
	assert.Equal(t, "(min-width: 2000px) 2000px, 100vw", Sizes("", nil, "", m))
	assert.Equal(t, "2000px", Sizes("", nil, LayoutFixed, m))
	assert.Equal(t, "100vw", Sizes("", nil, LayoutFullWidth, m))
	assert.Equal(t, "50vw", Sizes("50vw", nil, LayoutFixed, m))

	fn := func(widths, densities []float64) string {
		return FormatNumber(widths[0]) + "/" + FormatNumber(densities[1])
	}
	assert.Equal(t, "1000/2", Sizes("", fn, LayoutFixed, m))
}

func TestParse(t *testing.T) {
	u, err := ParseUpscale("")
	require.NoError(t, err)
	assert.Equal(t, UpscaleNever, u)
	u, err = ParseUpscale("original")
	require.NoError(t, err)
	assert.Equal(t, UpscaleOriginal, u)
	_, err = ParseUpscale("sometimes")
	require.Error(t, err)

	l, err := ParseLayout("fullWidth")
	require.NoError(t, err)
	assert.Equal(t, LayoutFullWidth, l)
	_, err = ParseLayout("wide")
	require.Error(t, err)
}
