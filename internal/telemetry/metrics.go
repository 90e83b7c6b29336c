package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cloud-shuttle/clonemgr/internal/task"
)

// meter is the global meter for clonemgrd metrics.
var meter = otel.Meter("clonemgr")

var (
	tasksAdmittedCounter metric.Int64Counter
	tasksDoneCounter     metric.Int64Counter
	tasksFailedCounter   metric.Int64Counter
	tasksCanceledCounter metric.Int64Counter
	transitionsCounter   metric.Int64Counter
)

var stageDurationHistogram metric.Float64Histogram

// initMetrics initializes every metric instrument. Must run after Init has
// set up the global meter provider.
func initMetrics() error {
	var err error

	if tasksAdmittedCounter, err = meter.Int64Counter(
		"clonemgr_tasks_admitted_total",
		metric.WithDescription("Total number of clone tasks admitted"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}
	if tasksDoneCounter, err = meter.Int64Counter(
		"clonemgr_tasks_done_total",
		metric.WithDescription("Total number of clone tasks that reached DONE"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}
	if tasksFailedCounter, err = meter.Int64Counter(
		"clonemgr_tasks_failed_total",
		metric.WithDescription("Total number of clone tasks that reached ERROR"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}
	if tasksCanceledCounter, err = meter.Int64Counter(
		"clonemgr_tasks_canceled_total",
		metric.WithDescription("Total number of clone tasks that reached CANCELED"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}
	if transitionsCounter, err = meter.Int64Counter(
		"clonemgr_transitions_total",
		metric.WithDescription("Total number of clone task state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return err
	}
	if stageDurationHistogram, err = meter.Float64Histogram(
		"clonemgr_stage_duration_seconds",
		metric.WithDescription("Duration of a single clone pipeline stage"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	return nil
}

// RegisterActiveTasksGauge registers an observable gauge that reports the
// number of non-terminal clone tasks, polled from activeFn on each metric
// collection pass.
func RegisterActiveTasksGauge(activeFn func() int64) error {
	gauge, err := meter.Int64ObservableGauge(
		"clonemgr_tasks_active",
		metric.WithDescription("Number of clone tasks currently in flight"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, activeFn())
		return nil
	}, gauge)
	return err
}

// RecordStateTransition records every clone task state change, tagged with
// repo_id, peer_id, and the from/to states, so a from=fetch,to=merge query
// (for example) can distinguish it from from=fetch,to=checkout.
func RecordStateTransition(ctx context.Context, repoID, peerID string, from, to task.State) {
	if transitionsCounter == nil {
		return
	}
	transitionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyRepoID, repoID),
		attribute.String(KeyPeerID, peerID),
		attribute.String(KeyFromState, string(from)),
		attribute.String(KeyToState, string(to)),
	))
}

// RecordTaskAdmitted records a successful admission.
func RecordTaskAdmitted(ctx context.Context, repoID string) {
	if tasksAdmittedCounter == nil {
		return
	}
	tasksAdmittedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyRepoID, repoID)))
}

// RecordTaskDone records a clone reaching DONE.
func RecordTaskDone(ctx context.Context, repoID string) {
	if tasksDoneCounter == nil {
		return
	}
	tasksDoneCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyRepoID, repoID)))
}

// RecordTaskFailed records a clone reaching ERROR.
func RecordTaskFailed(ctx context.Context, repoID, errorKind string) {
	if tasksFailedCounter == nil {
		return
	}
	tasksFailedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyRepoID, repoID),
		attribute.String(KeyErrorKind, errorKind),
	))
}

// RecordTaskCanceled records a clone reaching CANCELED.
func RecordTaskCanceled(ctx context.Context, repoID string) {
	if tasksCanceledCounter == nil {
		return
	}
	tasksCanceledCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(KeyRepoID, repoID)))
}

// RecordStageDuration records how long a pipeline stage took.
func RecordStageDuration(ctx context.Context, stage string, duration time.Duration) {
	if stageDurationHistogram == nil {
		return
	}
	stageDurationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(KeyStage, stage)))
}
