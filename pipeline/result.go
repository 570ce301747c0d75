package pipeline

import (
	"fmt"
	"strings"

	"github.com/wolfeidau/imgcache"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/variant"
)

// Element is the resolved size of the rendered element.
type Element struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Sizes  string  `json:"sizes"`
}

// Result is the outcome of processing one image.
type Result struct {
	Ref        string             `json:"ref"`
	Kind       Kind               `json:"kind"`
	SourceHash string             `json:"sourceHash"`
	Formats    []imageproc.Format `json:"formats"`
	Variants   variant.Set        `json:"variants"`
	Element    Element            `json:"element"`
	// Placeholder is a data URI of the blurred placeholder.
	Placeholder string `json:"placeholder,omitempty"`
	// DominantColor is a CSS colour for the dominant colour placeholder.
	DominantColor string           `json:"dominantColor,omitempty"`
	Preload       imageproc.Format `json:"preload,omitempty"`
}

// PathFunc maps a derivative to the URL it is served from.
type PathFunc func(d variant.Descriptor) string

// FileName returns the derivative's cache file name. It is the default
// PathFunc.
func FileName(d variant.Descriptor) string {
	return d.FileName()
}

// Srcset returns the srcset of format, for example
// "a.webp 1000w, b.webp 2000w".
func (r *Result) Srcset(format imageproc.Format, path PathFunc) string {
	if path == nil {
		path = FileName
	}
	items := r.Variants[format]
	parts := make([]string, len(items))
	for i, d := range items {
		parts[i] = path(d) + " " + d.Descriptor
	}
	return strings.Join(parts, ", ")
}

// ImageSet returns a CSS image-set() over every format. Width descriptors
// are rendered as 1x since image-set has no width form.
func (r *Result) ImageSet(path PathFunc) (string, error) {
	if path == nil {
		path = FileName
	}
	var sets []string
	for _, f := range r.Formats {
		items, ok := r.Variants[f]
		if !ok {
			return "", fmt.Errorf("format mismatch: %s", f)
		}
		parts := make([]string, len(items))
		for i, d := range items {
			desc := d.Descriptor
			if strings.HasSuffix(desc, "w") {
				desc = "1x"
			}
			parts[i] = fmt.Sprintf(`url("%s") %s type("%s")`, path(d), desc, f.MIME())
		}
		sets = append(sets, strings.Join(parts, ","))
	}
	return "image-set(" + strings.Join(sets, ",") + ")", nil
}

// PreloadLink returns the attributes of a preload link for the configured
// preload format, or nil when preloading is off.
func (r *Result) PreloadLink(path PathFunc) map[string]string {
	if r.Preload == "" || len(r.Variants[r.Preload]) == 0 {
		return nil
	}
	return map[string]string{
		"rel":         "preload",
		"as":          "image",
		"type":        r.Preload.MIME(),
		"imagesizes":  r.Element.Sizes,
		"imagesrcset": r.Srcset(r.Preload, path),
	}
}

// ComponentHash returns a short stable id for a set of component options.
func ComponentHash(h imgcache.Hasher, options any) (string, error) {
	sum, err := imgcache.ProfileHash(h, options)
	if err != nil {
		return "", err
	}
	if len(sum) > 8 {
		sum = sum[:8]
	}
	return sum, nil
}
