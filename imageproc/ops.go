package imageproc

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// Op is a single source-level transform. Ops are applied in order before
// the variant resize and encode.
type Op struct {
	Name  string  `json:"op" cbor:"op"`
	Value float64 `json:"value,omitempty" cbor:"value,omitempty"`
}

// Op names.
const (
	OpGrayscale  = "grayscale"
	OpBlur       = "blur"
	OpSharpen    = "sharpen"
	OpRotate     = "rotate"
	OpFlipH      = "flipH"
	OpFlipV      = "flipV"
	OpBrightness = "brightness"
	OpContrast   = "contrast"
	OpResize     = "resize"
)

// ParseOps parses a comma separated op list such as "grayscale,blur=2".
func ParseOps(s string) ([]Op, error) {
	var ops []Op
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, hasValue := strings.Cut(part, "=")
		op := Op{Name: strings.TrimSpace(name)}
		if hasValue {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("op %q: invalid value %q", op.Name, raw)
			}
			op.Value = v
		}
		if err := op.Validate(); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Validate checks the op name and value.
func (o Op) Validate() error {
	switch o.Name {
	case OpGrayscale, OpFlipH, OpFlipV:
		return nil
	case OpBlur, OpSharpen:
		if o.Value <= 0 {
			return fmt.Errorf("op %s: sigma must be positive", o.Name)
		}
	case OpRotate:
		switch o.Value {
		case 90, 180, 270:
		default:
			return fmt.Errorf("op rotate: angle must be 90, 180 or 270")
		}
	case OpBrightness, OpContrast:
		if o.Value < -100 || o.Value > 100 {
			return fmt.Errorf("op %s: percentage must be within [-100, 100]", o.Name)
		}
	case OpResize:
		if o.Value < 1 {
			return fmt.Errorf("op resize: width must be at least 1")
		}
	default:
		return fmt.Errorf("unknown op %q", o.Name)
	}
	return nil
}

func (o Op) apply(img image.Image) image.Image {
	switch o.Name {
	case OpGrayscale:
		return imaging.Grayscale(img)
	case OpBlur:
		return imaging.Blur(img, o.Value)
	case OpSharpen:
		return imaging.Sharpen(img, o.Value)
	case OpRotate:
		switch o.Value {
		case 90:
			return imaging.Rotate90(img)
		case 180:
			return imaging.Rotate180(img)
		case 270:
			return imaging.Rotate270(img)
		}
	case OpFlipH:
		return imaging.FlipH(img)
	case OpFlipV:
		return imaging.FlipV(img)
	case OpBrightness:
		return imaging.AdjustBrightness(img, o.Value)
	case OpContrast:
		return imaging.AdjustContrast(img, o.Value)
	case OpResize:
		return imaging.Resize(img, int(o.Value), 0, imaging.Lanczos)
	}
	return img
}

// FormatOps formats ops in the ParseOps syntax.
func FormatOps(ops []Op) string {
	parts := make([]string, len(ops))
	for i, o := range ops {
		if o.Value == 0 {
			parts[i] = o.Name
			continue
		}
		parts[i] = o.Name + "=" + strconv.FormatFloat(o.Value, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
