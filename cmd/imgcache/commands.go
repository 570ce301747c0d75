package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/pipeline"
	"github.com/wolfeidau/imgcache/variant"
)

// BuildCmd processes every image of a manifest and writes the results.
type BuildCmd struct {
	Manifest string `arg:"" help:"JSON manifest of images, or - for stdin." default:"-"`
	Output   string `short:"o" help:"Write results to this file instead of stdout."`
	BasePath string `help:"URL prefix of derivative files." default:"/"`
	Parallel int    `help:"Images processed at once." default:"4"`
	NoPrune  bool   `help:"Skip the eviction pass at the end of the build."`
}

func (c *BuildCmd) Run(a *app) error {
	entries, err := readManifest(c.Manifest)
	if err != nil {
		return err
	}
	requests := make([]pipeline.Request, len(entries))
	for i, e := range entries {
		if requests[i], err = e.request(); err != nil {
			return fmt.Errorf("manifest entry %d: %w", i, err)
		}
	}

	st, err := pipeline.NewStore(a.opts, a.logger)
	if err != nil {
		return err
	}
	b, err := pipeline.New(a.ctx, a.opts, st, pipeline.WithLogger(a.logger))
	if err != nil {
		return err
	}

	path := basePath(c.BasePath)
	results := make([]manifestResult, len(requests))
	eg, ctx := errgroup.WithContext(a.ctx)
	eg.SetLimit(max(c.Parallel, 1))
	for i, req := range requests {
		eg.Go(func() error {
			res, err := b.Process(ctx, req)
			if err != nil {
				return err
			}
			results[i] = newManifestResult(res, path)
			return nil
		})
	}
	buildErr := eg.Wait()

	// A failed build must not count down records it never reached.
	if c.NoPrune || buildErr != nil {
		if err := st.Close(); err != nil {
			a.logger.Warn("closing store failed", "error", err)
		}
	} else {
		pruned, err := b.Close(a.ctx)
		if err != nil {
			return fmt.Errorf("pruning: %w", err)
		}
		a.logger.Info("pruned", "hashes", pruned.HashesDeleted, "files", pruned.FilesDeleted,
			"reclaimed", humanize.Bytes(uint64(pruned.BytesReclaimed)))
	}
	if buildErr != nil {
		return buildErr
	}

	stats := b.Stats()
	a.logger.Info("build complete", "build_id", b.ID(), "images", len(results),
		"generated", stats.Generated, "hits", stats.Hits, "invalid", stats.Invalid)
	return writeJSON(c.Output, results)
}

func basePath(prefix string) pipeline.PathFunc {
	if prefix == "" {
		return pipeline.FileName
	}
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return func(d variant.Descriptor) string {
		return prefix + d.FileName()
	}
}

func writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if name == "" || name == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(name, data, 0o644)
}

// PruneCmd runs the eviction pass on its own.
type PruneCmd struct{}

func (c *PruneCmd) Run(a *app) error {
	st, err := pipeline.NewStore(a.opts, a.logger)
	if err != nil {
		return err
	}
	b, err := pipeline.New(a.ctx, a.opts, st, pipeline.WithLogger(a.logger))
	if err != nil {
		return err
	}
	res, err := b.Close(a.ctx)
	if err != nil {
		return err
	}
	return writeJSON("", res)
}

// InspectCmd lists derivative and download files and whether the store
// still references them.
type InspectCmd struct {
	Orphans bool `help:"Only list files no record references."`
}

func (c *InspectCmd) Run(a *app) error {
	dirs, err := a.opts.ResolveDirs()
	if err != nil {
		return err
	}
	st, err := pipeline.NewStore(a.opts, a.logger)
	if err != nil {
		return err
	}
	if err := st.Initialize(a.ctx, dirs.InitOptions(a.opts.Retention())); err != nil {
		return err
	}
	defer st.Close()

	hashes, err := st.List(a.ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DIR\tFILE\tSIZE\tREFERENCED")
	var total int64
	var count int
	for _, dir := range []string{dirs.ImageCache, dirs.Download} {
		fs, err := backend.NewFilesystem(dir)
		if err != nil {
			return err
		}
		entries, err := fs.List(a.ctx)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		for _, e := range entries {
			_, referenced := hashes[backend.Stem(e.Name)]
			if c.Orphans && referenced {
				continue
			}
			total += e.Size
			count++
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", dir, e.Name, humanize.Bytes(uint64(e.Size)), referenced)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d files, %s, %d hashes in store\n", count, humanize.Bytes(uint64(total)), len(hashes))
	return nil
}
