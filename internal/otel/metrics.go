package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordinator's instruments.
type Metrics struct {
	LockRequests  metric.Int64Counter
	LockWait      metric.Float64Histogram
	ActiveLocks   metric.Int64UpDownCounter
	LocksEnded    metric.Int64Counter
	Conflicts     metric.Int64Counter
	TaskDuration  metric.Float64Histogram
	HTTPDuration  metric.Float64Histogram
	SweepDuration metric.Float64Histogram
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LockRequests, err = meter.Int64Counter("lockwarden.lock.requests",
		metric.WithDescription("Lock requests by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWait, err = meter.Float64Histogram("lockwarden.lock.wait",
		metric.WithDescription("Time from request to grant in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveLocks, err = meter.Int64UpDownCounter("lockwarden.lock.active",
		metric.WithDescription("Currently active locks"),
	)
	if err != nil {
		return nil, err
	}

	m.LocksEnded, err = meter.Int64Counter("lockwarden.lock.ended",
		metric.WithDescription("Locks that left the active state, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.Conflicts, err = meter.Int64Counter("lockwarden.conflicts",
		metric.WithDescription("Conflicts raised by type and severity"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("lockwarden.task.duration",
		metric.WithDescription("Task run time from start to completion in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram("lockwarden.http.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("lockwarden.sweep.duration",
		metric.WithDescription("Lease timer tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequest counts one lock request.
func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	m.LockRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGrant notes a lock becoming active after waiting d.
func (m *Metrics) RecordGrant(ctx context.Context, wait time.Duration) {
	m.ActiveLocks.Add(ctx, 1)
	m.LockWait.Record(ctx, wait.Seconds())
}

// RecordEnd notes an active lock ending.
func (m *Metrics) RecordEnd(ctx context.Context, reason string) {
	m.ActiveLocks.Add(ctx, -1)
	m.LocksEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSplit notes an active lock replaced by n finer-grained locks.
func (m *Metrics) RecordSplit(ctx context.Context, n int) {
	m.ActiveLocks.Add(ctx, int64(n-1))
	m.LocksEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "split")))
}

// RecordConflict counts a raised conflict.
func (m *Metrics) RecordConflict(ctx context.Context, kind, severity string) {
	m.Conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", kind),
		attribute.String("severity", severity),
	))
}

// RecordTask records a finished task.
func (m *Metrics) RecordTask(ctx context.Context, status string, d time.Duration) {
	m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordSweep records one timer pass.
func (m *Metrics) RecordSweep(ctx context.Context, name string, d time.Duration) {
	m.SweepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("sweep", name)))
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(ctx context.Context, route string, status int, d time.Duration) {
	m.HTTPDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
