package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.Enabled() {
		t.Error("disabled config produced an exporting provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", ServiceName: "lockwarden-test"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if !p.Enabled() {
		t.Fatal("expected an SDK-backed provider")
	}
	ctx, span := StartSpan(context.Background(), p.Tracer, "lock.request", AttrAgentID.String("A"))
	if !trace.SpanContextFromContext(ctx).IsSampled() {
		t.Error("span should be sampled with the default rate")
	}
	End(span, errors.New("boom"))
}

func TestConfig_Normalized(t *testing.T) {
	got := Config{SampleRate: 3}.normalized()
	if got.Exporter != ExporterOTLP || got.Endpoint != defaultEndpoint || got.ServiceName != "lockwarden" || got.SampleRate != 1 {
		t.Errorf("normalized = %+v", got)
	}
	kept := Config{Exporter: ExporterStdout, Endpoint: "collector:4318", SampleRate: 0.25}.normalized()
	if kept.Exporter != ExporterStdout || kept.Endpoint != "collector:4318" || kept.SampleRate != 0.25 {
		t.Errorf("explicit settings overwritten: %+v", kept)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestMetrics_Record(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordRequest(ctx, "granted")
	m.RecordGrant(ctx, 2*time.Second)
	m.RecordEnd(ctx, "released")
	m.RecordConflict(ctx, "resource-overlap", "high")
	m.RecordTask(ctx, "completed", time.Minute)
}

func TestMetrics_Noop(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
	m.RecordRequest(context.Background(), "queued")
}
