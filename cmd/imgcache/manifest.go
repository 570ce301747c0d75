package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/imgcache/config"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/pipeline"
	"github.com/wolfeidau/imgcache/sizes"
)

// manifestEntry is one image of a build manifest. Empty fields inherit the
// build defaults.
type manifestEntry struct {
	Src              string    `json:"src"`
	Kind             string    `json:"kind,omitempty"`
	Width            *float64  `json:"width,omitempty"`
	Height           *float64  `json:"height,omitempty"`
	Format           string    `json:"format,omitempty"`
	Formats          []string  `json:"formats,omitempty"`
	Widths           []float64 `json:"widths,omitempty"`
	Densities        []float64 `json:"densities,omitempty"`
	Upscale          string    `json:"upscale,omitempty"`
	Layout           string    `json:"layout,omitempty"`
	Sizes            string    `json:"sizes,omitempty"`
	Placeholder      string    `json:"placeholder,omitempty"`
	PlaceholderColor string    `json:"placeholderColor,omitempty"`
	Ops              string    `json:"ops,omitempty"`
	Profile          string    `json:"profile,omitempty"`
	Preload          string    `json:"preload,omitempty"`
	MinAge           string    `json:"minAge,omitempty"`
	MaxAge           string    `json:"maxAge,omitempty"`
}

func readManifest(name string) ([]manifestEntry, error) {
	var (
		data []byte
		err  error
	)
	if name == "" || name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return parseManifest(data)
}

func parseManifest(data []byte) ([]manifestEntry, error) {
	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return entries, nil
}

func (e manifestEntry) request() (pipeline.Request, error) {
	if e.Src == "" {
		return pipeline.Request{}, fmt.Errorf("src is required")
	}
	kind, err := pipeline.ParseKind(e.Kind)
	if err != nil {
		return pipeline.Request{}, err
	}

	c := config.Component{
		Widths:           e.Widths,
		Densities:        e.Densities,
		Sizes:            e.Sizes,
		Placeholder:      config.Placeholder(e.Placeholder),
		PlaceholderColor: e.PlaceholderColor,
		Profile:          e.Profile,
	}
	if e.Format != "" {
		if c.Format, err = imageproc.ParseFormat(e.Format); err != nil {
			return pipeline.Request{}, err
		}
	}
	for _, s := range e.Formats {
		f, err := imageproc.ParseFormat(s)
		if err != nil {
			return pipeline.Request{}, err
		}
		c.Formats = append(c.Formats, f)
	}
	if e.Preload != "" {
		if c.Preload, err = imageproc.ParseFormat(e.Preload); err != nil {
			return pipeline.Request{}, err
		}
	}
	if e.Upscale != "" {
		if c.Upscale, err = sizes.ParseUpscale(e.Upscale); err != nil {
			return pipeline.Request{}, err
		}
	}
	if e.Layout != "" {
		if c.Layout, err = sizes.ParseLayout(e.Layout); err != nil {
			return pipeline.Request{}, err
		}
	}
	if e.Ops != "" {
		if c.Ops, err = imageproc.ParseOps(e.Ops); err != nil {
			return pipeline.Request{}, err
		}
	}
	if c.MinAge, err = parseAge(e.MinAge); err != nil {
		return pipeline.Request{}, err
	}
	if c.MaxAge, err = parseAge(e.MaxAge); err != nil {
		return pipeline.Request{}, err
	}

	return pipeline.Request{
		Ref:       e.Src,
		Kind:      kind,
		Width:     e.Width,
		Height:    e.Height,
		Component: c,
	}, nil
}

func parseAge(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q: %w", s, err)
	}
	return d, nil
}

// manifestResult is the output for one manifest entry.
type manifestResult struct {
	*pipeline.Result
	Srcset      map[imageproc.Format]string `json:"srcset"`
	ImageSet    string                      `json:"imageSet,omitempty"`
	PreloadLink map[string]string           `json:"preloadLink,omitempty"`
}

func newManifestResult(res *pipeline.Result, path pipeline.PathFunc) manifestResult {
	out := manifestResult{
		Result:      res,
		Srcset:      make(map[imageproc.Format]string, len(res.Formats)),
		PreloadLink: res.PreloadLink(path),
	}
	for _, f := range res.Formats {
		out.Srcset[f] = res.Srcset(f, path)
	}
	if res.Kind == pipeline.KindBackground {
		// Every format was generated, so the set is complete.
		out.ImageSet, _ = res.ImageSet(path)
	}
	return out
}
