package exporters

import (
	"context"
	"strings"
	"time"

	"platform-economy/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

// ProvideHttp builds an OTLP/HTTP span exporter for cfg.Otel.Addr. The
// address may carry an http:// or https:// scheme; without one TLS is off.
func ProvideHttp(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := cfg.Otel.Addr
	opts := []otlptracehttp.Option{
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = strings.TrimPrefix(addr, "https://")
	default:
		addr = strings.TrimPrefix(addr, "http://")
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	opts = append(opts, otlptracehttp.WithEndpoint(addr))

	return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
}
