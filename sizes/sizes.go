// Package sizes resolves responsive width/density matrices, element
// dimensions and sizes attributes from a source's real dimensions.
package sizes

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrWidthsAndDensities is returned when both explicit sets are given.
	ErrWidthsAndDensities = errors.New("both widths and densities are set")

	// ErrInvalidDimensions is returned when the real dimensions are unknown.
	ErrInvalidDimensions = errors.New("invalid source dimensions")

	// ErrInvalidSize is returned for a non-positive requested width or
	// density.
	ErrInvalidSize = errors.New("invalid size")

	// ErrNothingToOutput is returned when filtering leaves no widths.
	ErrNothingToOutput = errors.New("nothing to output (minimum specified width is greater than real width)")
)

// Upscale controls whether widths larger than the source are produced.
type Upscale string

const (
	// UpscaleNever drops widths larger than the source.
	UpscaleNever Upscale = "never"
	// UpscaleAlways keeps every requested width.
	UpscaleAlways Upscale = "always"
	// UpscaleOriginal drops larger widths and adds the source width.
	UpscaleOriginal Upscale = "original"
)

// ParseUpscale parses an upscale policy. Empty selects UpscaleNever.
func ParseUpscale(s string) (Upscale, error) {
	switch u := Upscale(strings.TrimSpace(s)); u {
	case "":
		return UpscaleNever, nil
	case UpscaleNever, UpscaleAlways, UpscaleOriginal:
		return u, nil
	}
	return "", fmt.Errorf("invalid upscale policy %q", s)
}

// Layout selects the default sizes attribute.
type Layout string

const (
	LayoutConstrained Layout = "constrained"
	LayoutFixed       Layout = "fixed"
	LayoutFullWidth   Layout = "fullWidth"
)

// ParseLayout parses a layout name. Empty selects LayoutConstrained.
func ParseLayout(s string) (Layout, error) {
	switch l := Layout(strings.TrimSpace(s)); l {
	case "":
		return LayoutConstrained, nil
	case LayoutConstrained, LayoutFixed, LayoutFullWidth:
		return l, nil
	}
	return "", fmt.Errorf("invalid layout %q", s)
}

// Input holds the requested constraints and the source's real size.
type Input struct {
	Width      *float64
	Height     *float64
	Widths     []float64
	Densities  []float64
	Upscale    Upscale
	RealWidth  int
	RealHeight int
}

// Matrix is the resolved list of output widths and their density labels.
// Widths and Densities are non-empty and index aligned.
type Matrix struct {
	Widths    []float64
	Densities []float64
	// ByDensity is set when the matrix was requested in density terms.
	ByDensity bool
}

// Len returns the number of entries.
func (m Matrix) Len() int { return len(m.Widths) }

// MaxWidth returns the largest width.
func (m Matrix) MaxWidth() float64 {
	if len(m.Widths) == 0 {
		return 0
	}
	return slices.Max(m.Widths)
}

// Resolve computes the width/density matrix for in.
func Resolve(in Input) (Matrix, error) {
	if in.RealWidth <= 0 || in.RealHeight <= 0 {
		return Matrix{}, ErrInvalidDimensions
	}
	if len(in.Widths) > 0 && len(in.Densities) > 0 {
		return Matrix{}, ErrWidthsAndDensities
	}
	if slices.ContainsFunc(in.Widths, nonPositive) {
		return Matrix{}, fmt.Errorf("%w: widths must be greater than zero", ErrInvalidSize)
	}
	if slices.ContainsFunc(in.Densities, nonPositive) {
		return Matrix{}, fmt.Errorf("%w: densities must be greater than zero", ErrInvalidSize)
	}

	actual := float64(in.RealWidth)
	base := actual
	if in.Width != nil && *in.Width > 0 {
		base = *in.Width
	}

	switch {
	case len(in.Widths) > 0:
		widths, err := filterWidths(in.Widths, actual, in.Upscale)
		if err != nil {
			return Matrix{}, err
		}
		densities := make([]float64, len(widths))
		for i, w := range widths {
			densities[i] = w / base
		}
		return Matrix{Widths: widths, Densities: densities}, nil

	case len(in.Densities) > 0:
		return fromDensities(in.Densities, actual, in.Width, in.Upscale)
	}

	return Matrix{Widths: []float64{base}, Densities: []float64{1}}, nil
}

func nonPositive(f float64) bool { return !(f > 0) }

func filterWidths(requested []float64, actual float64, upscale Upscale) ([]float64, error) {
	widths := slices.Clone(requested)
	slices.Sort(widths)
	if upscale != UpscaleAlways {
		widths = slices.DeleteFunc(widths, func(w float64) bool { return w > actual })
	}
	if upscale == UpscaleOriginal && (len(widths) == 0 || widths[len(widths)-1] != actual) {
		widths = append(widths, actual)
	}
	if len(widths) == 0 {
		return nil, ErrNothingToOutput
	}
	return widths, nil
}

func fromDensities(requested []float64, actual float64, width *float64, upscale Upscale) (Matrix, error) {
	densities := slices.Clone(requested)
	slices.Sort(densities)

	base := actual / densities[len(densities)-1]
	if width != nil && *width > 0 {
		base = *width
	}

	m := Matrix{ByDensity: true}
	for _, d := range densities {
		if upscale == UpscaleAlways || base*d <= actual {
			m.Widths = append(m.Widths, base*d)
			m.Densities = append(m.Densities, d)
		}
	}
	if upscale == UpscaleOriginal && (len(m.Widths) == 0 || m.Widths[len(m.Widths)-1] != actual) {
		m.Widths = append(m.Widths, actual)
		m.Densities = append(m.Densities, actual/base)
	}
	if len(m.Widths) == 0 {
		return Matrix{}, ErrNothingToOutput
	}
	return m, nil
}

// Dimensions is a width/height pair of a generated variant.
type Dimensions struct {
	Width  int
	Height int
}

// ElementDimensions computes the rendered element size. The fallback entry
// is the one whose width equals the requested width, else the real width,
// else the widest. A missing dimension is derived from its aspect ratio.
func ElementDimensions(width, height *float64, realWidth int, fallback []Dimensions) (float64, float64, error) {
	if len(fallback) == 0 {
		return 0, 0, ErrNothingToOutput
	}
	item := pickFallback(width, realWidth, fallback)
	if item.Width <= 0 || item.Height <= 0 {
		return 0, 0, ErrInvalidDimensions
	}
	ratio := float64(item.Height) / float64(item.Width)

	switch {
	case width != nil && height != nil:
		return *width, *height, nil
	case width != nil:
		return *width, *width * ratio, nil
	case height != nil:
		return *height / ratio, *height, nil
	}
	return float64(item.Width), float64(item.Height), nil
}

func pickFallback(width *float64, realWidth int, fallback []Dimensions) Dimensions {
	if width != nil {
		for _, d := range fallback {
			if float64(d.Width) == *width {
				return d
			}
		}
	}
	for _, d := range fallback {
		if d.Width == realWidth {
			return d
		}
	}
	widest := fallback[0]
	for _, d := range fallback[1:] {
		if d.Width > widest.Width {
			widest = d
		}
	}
	return widest
}

// SizesFunc builds a sizes attribute from resolved widths and densities.
type SizesFunc func(widths, densities []float64) string

// Sizes resolves the sizes attribute. A non-empty override string wins,
// then fn, then the layout default.
func Sizes(override string, fn SizesFunc, layout Layout, m Matrix) string {
	if override != "" {
		return override
	}
	if fn != nil {
		return fn(slices.Clone(m.Widths), slices.Clone(m.Densities))
	}
	maxWidth := FormatNumber(m.MaxWidth())
	switch layout {
	case LayoutFixed:
		return maxWidth + "px"
	case LayoutFullWidth:
		return "100vw"
	}
	return fmt.Sprintf("(min-width: %spx) %spx, 100vw", maxWidth, maxWidth)
}

// FormatNumber formats f with the fewest digits needed.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
