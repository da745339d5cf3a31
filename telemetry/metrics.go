// Package telemetry records OpenTelemetry metrics for storage backends.
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
	meterName = "github.com/wolfeidau/rrdstore"
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

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	backendOpDuration metric.Float64Histogram
	backendOpsTotal   metric.Int64Counter
	backendBytesTotal metric.Int64Counter
	backendOpensTotal metric.Int64Counter

	commitsTotal   metric.Int64Counter
	commitDuration metric.Float64Histogram
	commitSize     metric.Float64Histogram

	archiveTotal      metric.Int64Counter
	archiveBytesTotal metric.Int64Counter

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
		cfg.ServiceName = "rrdstore"
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
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
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
	backendOpDuration, err := meter.Float64Histogram(
		"rrdstore_backend_op_duration_seconds",
		metric.WithDescription("Duration of backend read, write and close operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	backendOpsTotal, err := meter.Int64Counter(
		"rrdstore_backend_ops_total",
		metric.WithDescription("Total number of backend operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"rrdstore_backend_bytes_total",
		metric.WithDescription("Total bytes read from and written to backends"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	backendOpensTotal, err := meter.Int64Counter(
		"rrdstore_backend_opens_total",
		metric.WithDescription("Total number of backend opens"),
		metric.WithUnit("{open}"),
	)
	if err != nil {
		return nil, err
	}

	commitsTotal, err := meter.Int64Counter(
		"rrdstore_commits_total",
		metric.WithDescription("Total number of buffered backend commits to an embedded store"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"rrdstore_commit_duration_seconds",
		metric.WithDescription("Duration of embedded store commits"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}

	commitSize, err := meter.Float64Histogram(
		"rrdstore_commit_size_bytes",
		metric.WithDescription("Size of records committed to an embedded store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	)
	if err != nil {
		return nil, err
	}

	archiveTotal, err := meter.Int64Counter(
		"rrdstore_archive_total",
		metric.WithDescription("Total number of database exports and imports"),
		metric.WithUnit("{archive}"),
	)
	if err != nil {
		return nil, err
	}

	archiveBytesTotal, err := meter.Int64Counter(
		"rrdstore_archive_bytes_total",
		metric.WithDescription("Total uncompressed database bytes exported and imported"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		backendOpDuration: backendOpDuration,
		backendOpsTotal:   backendOpsTotal,
		backendBytesTotal: backendBytesTotal,
		backendOpensTotal: backendOpensTotal,
		commitsTotal:      commitsTotal,
		commitDuration:    commitDuration,
		commitSize:        commitSize,
		archiveTotal:      archiveTotal,
		archiveBytesTotal: archiveBytesTotal,
	}, nil
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

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, medium, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("medium", medium),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordBackendOpen records a backend open through a factory registry.
func RecordBackendOpen(ctx context.Context, medium, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("medium", medium),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendOpensTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommit records a buffered backend committing its record.
func RecordCommit(ctx context.Context, medium, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("medium", medium),
		attribute.String("outcome", outcome),
	}
	globalMetrics.commitsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.commitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if outcome == "success" {
		globalMetrics.commitSize.Record(ctx, float64(bytes), metric.WithAttributes(attrs...))
	}
}

// RecordArchive records a database export or import.
// Direction is "export" or "import".
func RecordArchive(ctx context.Context, direction, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	}
	globalMetrics.archiveTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.archiveBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
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
