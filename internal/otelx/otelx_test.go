package otelx

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Sample: 99})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("disabled provider should still hand out valid span contexts")
	}
	if span.IsRecording() {
		t.Fatal("disabled provider should not record")
	}
}

func TestInit_Propagators(t *testing.T) {
	if _, err := Init(context.Background(), Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	for _, want := range []string{"traceparent", "baggage"} {
		if !fields[want] {
			t.Fatalf("propagator fields %v missing %q", fields, want)
		}
	}
}

func TestInit_EnabledWithoutEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Options{Enabled: true})
	if xerrors.KindOf(err) != xerrors.KindConfig {
		t.Fatalf("kind = %v, want config (err=%v)", xerrors.KindOf(err), err)
	}
}

func TestServiceName(t *testing.T) {
	tests := []struct {
		svc, comp, want string
	}{
		{"sitedeploy", "serve", "sitedeploy.serve"},
		{"sitedeploy", "", "sitedeploy"},
		{"", "serve", "serve"},
	}
	for _, tt := range tests {
		if got := serviceName(Options{Service: tt.svc, Component: tt.comp}); got != tt.want {
			t.Fatalf("serviceName(%q, %q) = %q, want %q", tt.svc, tt.comp, got, tt.want)
		}
	}
}

func TestClampRatio(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0: 0, 0.25: 0.25, 1: 1, 99: 1} {
		if got := clampRatio(in); got != want {
			t.Fatalf("clampRatio(%v) = %v, want %v", in, got, want)
		}
	}
}
