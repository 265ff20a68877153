package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/n0madic/go-studioproxy/internal/config"
)

func TestNewSampler(t *testing.T) {
	tests := []struct {
		strategy  string
		ratio     float64
		wantSpans int
		wantErr   bool
	}{
		{SamplerAlways, 0, 1, false},
		{"", 0, 1, false},
		{SamplerNever, 0, 0, false},
		{SamplerRatio, 1, 1, false},
		{SamplerRatio, 0, 0, false},
		{SamplerRatio, 1.5, 0, true},
		{"sometimes", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			sampler, err := NewSampler(tt.strategy, tt.ratio)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSampler: %v", err)
			}
			sr := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler), sdktrace.WithSpanProcessor(sr))
			_, span := tp.Tracer("test").Start(context.Background(), "op")
			span.End()
			if got := len(sr.Ended()); got != tt.wantSpans {
				t.Fatalf("recorded spans: got %d, want %d", got, tt.wantSpans)
			}
		})
	}
}

func TestSetupDisabled(t *testing.T) {
	cfg := config.Defaults()
	p, err := Setup(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.Enabled() {
		t.Fatal("tracing should be disabled by default")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetupEnabledInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := config.Defaults()
	cfg.TracingEnabled = true
	cfg.TracingEndpoint = "127.0.0.1:1"
	p, err := Setup(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !p.Enabled() {
		t.Fatal("expected tracing to be enabled")
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("global provider: got %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
