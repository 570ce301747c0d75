// Package imageproc adapts pixel operations (decode, transform, resize,
// encode, dominant colour) to the cache pipeline.
package imageproc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned for formats that cannot be decoded or
// encoded by the processor.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Format is an output image format.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	WebP Format = "webp"
	AVIF Format = "avif"
	GIF  Format = "gif"
)

var extByFormat = map[Format]string{
	JPEG: "jpg",
	PNG:  "png",
	WebP: "webp",
	AVIF: "avif",
	GIF:  "gif",
}

// ParseFormat parses a format name or file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "webp":
		return WebP, nil
	case "avif":
		return AVIF, nil
	case "gif":
		return GIF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// Valid reports whether f is a known output format.
func (f Format) Valid() bool {
	_, ok := extByFormat[f]
	return ok
}

// Ext returns the file extension for f.
func (f Format) Ext() string {
	if ext, ok := extByFormat[f]; ok {
		return ext
	}
	return string(f)
}

// MIME returns the media type for f.
func (f Format) MIME() string {
	return "image/" + string(f)
}

// Options are encoder settings. Zero values select encoder defaults.
// WebP output is always lossless.
type Options struct {
	// Quality is the JPEG quality, 1-100.
	Quality int `json:"quality,omitempty" cbor:"quality,omitempty"`
	// Compression is the PNG compression level: default, speed, best or none.
	Compression string `json:"compression,omitempty" cbor:"compression,omitempty"`
}

// Output describes the variant-level part of a transform: the resize width
// and the encoding.
type Output struct {
	// Width to resize to, preserving aspect ratio. Zero keeps the size.
	Width   int     `json:"width,omitempty" cbor:"width,omitempty"`
	Format  Format  `json:"format" cbor:"format"`
	Options Options `json:"options,omitempty" cbor:"options"`
}
