package otel

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/ijave/internal/ent"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected tracer and meter")
	}
	_, span := p.Tracer.Start(context.Background(), "dropped")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracing should produce invalid spans")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// A second shutdown has nothing left to stop.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	cases := []struct {
		exporter string
		wantErr  bool
	}{
		{"none", false},
		{"stdout", false},
		{"otlp-http", false},
		{"carrier-pigeon", true},
	}
	for _, tc := range cases {
		t.Run(tc.exporter, func(t *testing.T) {
			p, err := Init(context.Background(), Config{Enabled: true, Exporter: tc.exporter, SampleRate: 0.5}, "test")
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
		})
	}
}

func TestInit_EnabledSpansAreRecorded(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartRequestSpan(context.Background(), p.Tracer)
	if !span.SpanContext().IsValid() || !span.IsRecording() {
		t.Fatal("expected a recording span")
	}
	_, child := StartExchangeSpan(ctx, p.Tracer, ent.NewPromptID(), 3)
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Fatal("child span should share the trace")
	}
	child.End()
	EndRequest(span, "/healthz", http.StatusOK)
}

func TestSnapshot(t *testing.T) {
	p, err := Init(context.Background(), Config{}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.RequestDuration.Record(ctx, 0.25, metric.WithAttributes(AttrRoute.String("/api/project/")))
	m.RequestDuration.Record(ctx, 0.75, metric.WithAttributes(AttrRoute.String("/api/project/")))
	m.StepsCompleted.Add(ctx, 3)

	points, err := p.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	byName := map[string]Point{}
	for _, pt := range points {
		byName[pt.Name] = pt
	}

	req, ok := byName["ijave.request.duration"]
	if !ok || req.Count != 2 || req.Sum != 1.0 {
		t.Fatalf("request duration point = %+v", req)
	}
	if req.Attributes[string(AttrRoute)] != "/api/project/" {
		t.Fatalf("route attribute = %v", req.Attributes)
	}
	if steps := byName["ijave.step.completed"]; steps.Value != 3 {
		t.Fatalf("steps completed = %+v", steps)
	}
	for i := 1; i < len(points); i++ {
		if points[i-1].Name > points[i].Name {
			t.Fatalf("points not sorted: %q before %q", points[i-1].Name, points[i].Name)
		}
	}
}
