// Package telemetry wires OpenTelemetry tracing for the bridge host and the
// backend request spans it records.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute.
	ServiceName = "scormbridge"
	// DefaultEnvironment is used when no environment variable is set.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is the collector used when nothing else is configured.
	DefaultEndpoint = "http://localhost:4318"
	// Disabled as an endpoint turns exporting off.
	Disabled = "off"
	// BatchTimeout is the batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize is the batch span processor max export batch size.
	BatchSize = 512
)

// Options selects where spans go. Endpoint wins over OTEL_EXPORTER_OTLP_ENDPOINT,
// which wins over ConfigEndpoint.
type Options struct {
	Endpoint       string
	ConfigEndpoint string
	Version        string
	ListenAddr     string
	Logger         *log.Logger
}

var exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE")); certPath != "" {
		tlsConfig, err := tlsConfigFromCertificate(certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Init installs a global tracer provider and returns its shutdown func.
// When the exporter cannot be built, spans are summarized to the logger at
// debug level instead.
func Init(ctx context.Context, opts Options) (func(), error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	endpoint := ResolveEndpoint(opts.Endpoint, opts.ConfigEndpoint)
	if endpoint == Disabled {
		return func() {}, nil
	}

	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		logger.With("endpoint", endpoint, "error", err).Warn("otlp exporter unavailable; logging spans instead")
		exporter = &logSpanExporter{logger: logger}
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", nonEmpty(opts.Version, "dev")),
		attribute.String("deployment.environment", resolveEnvironment()),
	}
	if opts.ListenAddr != "" {
		attrs = append(attrs, attribute.String("scormbridge.listen_addr", opts.ListenAddr))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.With("error", err).Warn("flush spans")
			}
		})
	}, nil
}

// ResolveEndpoint applies flag, environment, config precedence.
func ResolveEndpoint(flag, fromConfig string) string {
	for _, candidate := range []string{flag, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), fromConfig} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	return DefaultEndpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"SCORMBRIDGE_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func nonEmpty(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

type logSpanExporter struct {
	logger *log.Logger
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		events := make([]string, 0, len(span.Events()))
		for _, event := range span.Events() {
			events = append(events, event.Name)
		}
		e.logger.With(
			"span", span.Name(),
			"duration", span.EndTime().Sub(span.StartTime()).Round(time.Millisecond),
			"status", span.Status().Code.String(),
			"trace_id", span.SpanContext().TraceID().String(),
			"events", strings.Join(events, ","),
		).Debug("span")
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error {
	return nil
}
