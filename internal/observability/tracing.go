// Package observability wires OpenTelemetry tracing for the service.
package observability

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is the service name reported on traces.
const DefaultServiceName = "carepath"

// Exporter types
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

var (
	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Config holds tracing configuration
type Config struct {
	// ServiceName is the name of the service (defaults to "carepath")
	ServiceName string `yaml:"service_name"`

	// Exporter specifies the exporter: "otlp", "stdout", or "none"
	Exporter string `yaml:"exporter"`

	// OTLPEndpoint is host:port or a full URL of the OTLP/HTTP collector
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPHeaders are additional headers for OTLP requests (e.g., authorization)
	OTLPHeaders map[string]string `yaml:"otlp_headers,omitempty"`

	// Insecure disables TLS for a host:port endpoint
	Insecure bool `yaml:"insecure"`
}

// ApplyEnv overlays the standard OpenTelemetry environment variables:
// - OTEL_SERVICE_NAME
// - OTEL_TRACES_EXPORTER: "otlp", "stdout", or "none"
// - OTEL_EXPORTER_OTLP_ENDPOINT
// - OTEL_EXPORTER_OTLP_HEADERS: "key1=value1,key2=value2"
func (c *Config) ApplyEnv() {
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		c.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		if c.OTLPHeaders == nil {
			c.OTLPHeaders = make(map[string]string)
		}
		for k, v := range headers {
			c.OTLPHeaders[k] = v
		}
	}
}

// Init installs a global tracer provider for config.
func Init(config Config) error {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}

	if config.Exporter == "" || config.Exporter == ExporterNone {
		log.Println("Tracing disabled")
		setTracer(nil, otel.GetTracerProvider().Tracer(config.ServiceName))
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", config.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch config.Exporter {
	case ExporterOTLP:
		exporter, err = createOTLPExporter(config)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		log.Printf("Tracing initialized with OTLP exporter (endpoint: %s)", config.OTLPEndpoint)

	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		log.Println("Tracing initialized with stdout exporter")

	default:
		return fmt.Errorf("unknown exporter type: %s", config.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	setTracer(tp, tp.Tracer(config.ServiceName))

	return nil
}

func setTracer(tp *sdktrace.TracerProvider, tr trace.Tracer) {
	mu.Lock()
	defer mu.Unlock()
	tracerProvider = tp
	tracer = tr
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	mu.RLock()
	tp := tracerProvider
	mu.RUnlock()

	if tp == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	return tp.Shutdown(ctx)
}

// StartSpan starts a span under ctx. Before Init it falls back to the
// global (no-op by default) tracer provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.RLock()
	tr := tracer
	mu.RUnlock()

	if tr == nil {
		tr = otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr.Start(ctx, name, opts...)
}

// RecordError attaches err to span and marks it failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func createOTLPExporter(config Config) (sdktrace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	if strings.HasPrefix(config.OTLPEndpoint, "http://") || strings.HasPrefix(config.OTLPEndpoint, "https://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(config.OTLPEndpoint))
	} else if config.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(config.OTLPEndpoint))
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}

	if len(config.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.OTLPHeaders))
	}

	client := otlptracehttp.NewClient(opts...)
	return otlptrace.New(context.Background(), client)
}

func parseHeaders(headerStr string) map[string]string {
	if headerStr == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
