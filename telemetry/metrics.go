// Package telemetry provides OpenTelemetry metrics for the image cache.
// Record functions are no-ops until InitMetrics has been called.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/imgcache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus registers the Prometheus exporter and handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheLookupsTotal metric.Int64Counter

	transcodesTotal      metric.Int64Counter
	transcodeDuration    metric.Float64Histogram
	transcodeOutputBytes metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	storeOpDuration metric.Float64Histogram
	storeOpsTotal   metric.Int64Counter

	pruneRunsTotal      metric.Int64Counter
	pruneDuration       metric.Float64Histogram
	pruneRecordsDeleted metric.Int64Counter
	pruneFilesDeleted   metric.Int64Counter
	pruneBytesReclaimed metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "imgcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"imgcache_cache_lookups_total",
		metric.WithDescription("Total cache lookups by record category and result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.transcodesTotal, err = meter.Int64Counter(
		"imgcache_transcodes_total",
		metric.WithDescription("Total number of image transcode jobs"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}

	if m.transcodeDuration, err = meter.Float64Histogram(
		"imgcache_transcode_duration_seconds",
		metric.WithDescription("Duration of image transcode jobs"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.transcodeOutputBytes, err = meter.Int64Counter(
		"imgcache_transcode_output_bytes_total",
		metric.WithDescription("Total bytes produced by transcode jobs"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"imgcache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of remote source fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"imgcache_upstream_fetch_total",
		metric.WithDescription("Total number of remote source fetches"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"imgcache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from remote sources"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"imgcache_backend_request_duration_seconds",
		metric.WithDescription("Duration of file backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"imgcache_backend_requests_total",
		metric.WithDescription("Total number of file backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"imgcache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in file backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.storeOpDuration, err = meter.Float64Histogram(
		"imgcache_store_op_duration_seconds",
		metric.WithDescription("Duration of cache store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if m.storeOpsTotal, err = meter.Int64Counter(
		"imgcache_store_ops_total",
		metric.WithDescription("Total number of cache store operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.pruneRunsTotal, err = meter.Int64Counter(
		"imgcache_prune_runs_total",
		metric.WithDescription("Total number of cache prune runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.pruneDuration, err = meter.Float64Histogram(
		"imgcache_prune_duration_seconds",
		metric.WithDescription("Duration of cache prune runs"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.pruneRecordsDeleted, err = meter.Int64Counter(
		"imgcache_prune_records_deleted_total",
		metric.WithDescription("Total cache records deleted by pruning"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.pruneFilesDeleted, err = meter.Int64Counter(
		"imgcache_prune_files_deleted_total",
		metric.WithDescription("Total derivative and download files deleted by pruning"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	if m.pruneBytesReclaimed, err = meter.Int64Counter(
		"imgcache_prune_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by pruning"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCacheLookup records the outcome of a store lookup for a record category.
func RecordCacheLookup(ctx context.Context, category string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("result", string(result)),
	))
}

// RecordTranscode records a finished transcode job.
func RecordTranscode(ctx context.Context, format, outcome string, duration time.Duration, outputBytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("format", format),
		attribute.String("outcome", outcome),
	}
	globalMetrics.transcodesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.transcodeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if outputBytes > 0 {
		globalMetrics.transcodeOutputBytes.Add(ctx, outputBytes, metric.WithAttributes(attrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordStoreOp records a cache store operation.
func RecordStoreOp(ctx context.Context, store, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// UpstreamFetch describes one finished remote source fetch.
type UpstreamFetch struct {
	Upstream string
	// Host is the remote host the source was fetched from.
	Host string
	// Format is the image format announced by the response, "other" for a
	// non-image body and empty when the request failed.
	Format   string
	Duration time.Duration
	Bytes    int64
	Outcome  string
}

// RecordUpstreamFetch records a remote source fetch.
func RecordUpstreamFetch(ctx context.Context, f UpstreamFetch) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("upstream", f.Upstream),
		attribute.String("host", f.Host),
		attribute.String("format", f.Format),
		attribute.String("outcome", f.Outcome),
	)
	globalMetrics.upstreamFetchDuration.Record(ctx, f.Duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if f.Bytes > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, f.Bytes, attrs)
	}
}

// PruneStats summarises a prune run for metrics.
type PruneStats struct {
	Duration       time.Duration
	RecordsDeleted int
	FilesDeleted   int
	BytesReclaimed int64
	Failed         bool
}

// RecordPrune records a finished prune run.
func RecordPrune(ctx context.Context, s PruneStats) {
	if globalMetrics == nil {
		return
	}

	outcome := "success"
	if s.Failed {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.pruneRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.pruneDuration.Record(ctx, s.Duration.Seconds(), attrs)
	globalMetrics.pruneRecordsDeleted.Add(ctx, int64(s.RecordsDeleted))
	globalMetrics.pruneFilesDeleted.Add(ctx, int64(s.FilesDeleted))
	globalMetrics.pruneBytesReclaimed.Add(ctx, s.BytesReclaimed)
}

// PrometheusHandler returns the Prometheus metrics handler, or nil when the
// Prometheus exporter is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
