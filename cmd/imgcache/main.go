// Command imgcache generates and caches responsive image derivatives for a
// static site build.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/imgcache/config"
	"github.com/wolfeidau/imgcache/imageproc"
	"github.com/wolfeidau/imgcache/telemetry"
)

var version = "dev"

// CLI is the command line of imgcache. Flag values may also come from an
// imgcache.json file in the working directory.
type CLI struct {
	Globals

	Build   BuildCmd         `cmd:"" help:"Process the images of a build manifest."`
	Prune   PruneCmd         `cmd:"" help:"Evict expired records and their files."`
	Inspect InspectCmd       `cmd:"" help:"List cached files."`
	Version kong.VersionFlag `help:"Print the version and exit."`
}

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Root          string `help:"Project root directory." default:"." type:"path"`
	OutDir        string `help:"Build output directory." default:"dist"`
	AssetsDirName string `help:"Name of the built assets directory." default:"${assets_dir}"`
	CacheDir      string `help:"Cache directory. May reference [root]." default:"${cache_dir}"`
	ImageCacheDir string `help:"Derivative directory. May reference [root] and [cacheDir]." default:"${image_cache_dir}"`
	DownloadDir   string `help:"Remote source directory. May reference [root], [cacheDir] and [imageCacheDir]." default:"${download_dir}"`

	Store     string `help:"Record store." enum:"json,sqlite,bolt" default:"json"`
	StoreFile string `help:"Record store file name. Use :memory: to disable persistence of the json store."`

	Hasher          string        `help:"Content hash." enum:"blake3,sha256,md5" default:"blake3"`
	UseRefForHash   bool          `help:"Identify local sources by reference rather than content."`
	Timeout         time.Duration `help:"Remote download timeout." default:"5s"`
	Concurrency     int           `help:"Maximum concurrent transcodes. Zero uses the CPU count."`
	RetentionPeriod time.Duration `help:"Evict records unused for this long. Negative disables." default:"2400h"`
	RetentionCount  int           `help:"Evict records unused for this many builds. Negative disables." default:"10"`

	JPEGQuality    int           `help:"JPEG quality." default:"80"`
	PNGCompression string        `help:"PNG compression level." enum:"default,none,speed,best" default:"default"`
	MinAge         time.Duration `help:"Minimum freshness of remote sources." default:"24h"`
	MaxAge         time.Duration `help:"Maximum freshness of remote sources. Zero disables."`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsAddr  string `help:"Serve Prometheus metrics on this address while running."`
}

// Options returns the build options described by g.
func (g *Globals) Options() (config.Options, error) {
	opts := config.Default()
	opts.RootDir = g.Root
	opts.OutDir = g.OutDir
	opts.AssetsDirName = g.AssetsDirName
	opts.CacheDir = g.CacheDir
	opts.ImageCacheDir = g.ImageCacheDir
	opts.DownloadDir = g.DownloadDir
	opts.Store = g.Store
	opts.StoreFile = g.StoreFile
	opts.Hasher = g.Hasher
	opts.UseRefForHash = g.UseRefForHash
	opts.Timeout = g.Timeout
	if g.Concurrency > 0 {
		opts.Concurrency = g.Concurrency
	}
	opts.RetentionPeriod = g.RetentionPeriod
	opts.RetentionCount = g.RetentionCount
	opts.FormatOptions = map[imageproc.Format]imageproc.Options{
		imageproc.JPEG: {Quality: g.JPEGQuality},
		imageproc.PNG:  {Compression: g.PNGCompression},
	}
	opts.Defaults.MinAge = g.MinAge
	opts.Defaults.MaxAge = g.MaxAge

	if err := opts.Validate(); err != nil {
		return config.Options{}, fmt.Errorf("invalid options: %w", err)
	}
	return opts, nil
}

// app carries what every command needs at run time.
type app struct {
	ctx    context.Context
	logger *slog.Logger
	opts   config.Options
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("imgcache"),
		kong.Description("Responsive image derivative cache."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "imgcache.json"),
		kong.Vars{
			"version":         version,
			"assets_dir":      config.DefaultAssetsDirName,
			"cache_dir":       config.DefaultCacheDir,
			"image_cache_dir": config.DefaultImageCacheDir,
			"download_dir":    config.DefaultDownloadDir,
		},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	opts, err := cli.Options()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	if cli.MetricsAddr != "" {
		srv := serveMetrics(cli.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return kctx.Run(&app{ctx: ctx, logger: logger, opts: opts})
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", addr)
	return srv
}
