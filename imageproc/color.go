package imageproc

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Color is an 8-bit RGB colour.
type Color struct {
	R, G, B uint8
}

// Hex formats c as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// CSS formats c as rgb(r,g,b).
func (c Color) CSS() string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

const colorSampleWidth = 64

// DominantColor returns the most frequent colour of img. Pixels are
// bucketed into a 4096-bin histogram (4 bits per channel) and the winning
// bucket is averaged. Fully transparent pixels are ignored.
func DominantColor(img image.Image) Color {
	if img.Bounds().Dx() > colorSampleWidth {
		img = imaging.Resize(img, colorSampleWidth, 0, imaging.Box)
	}
	nrgba := imaging.Clone(img)

	type bin struct {
		n       int
		r, g, b int
	}
	var hist [4096]bin
	best := -1
	pix := nrgba.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		if pix[i+3] == 0 {
			continue
		}
		r, g, b := int(pix[i]), int(pix[i+1]), int(pix[i+2])
		idx := (r>>4)<<8 | (g>>4)<<4 | b>>4
		h := &hist[idx]
		h.n++
		h.r += r
		h.g += g
		h.b += b
		if best < 0 || h.n > hist[best].n {
			best = idx
		}
	}
	if best < 0 {
		return Color{}
	}
	h := hist[best]
	return Color{
		R: uint8(h.r / h.n),
		G: uint8(h.g / h.n),
		B: uint8(h.b / h.n),
	}
}
