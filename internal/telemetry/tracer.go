package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloud-shuttle/clonemgr/internal/task"
)

var tracer = otel.Tracer("clonemgr/clone")

// Tracer implements the small interface internal/clone.Manager needs to
// emit one span per pipeline stage and record every state transition as a
// metric. A zero Tracer is usable: StartStage and RecordTransition degrade
// to no-ops if telemetry was never initialized, since the instruments they
// touch stay nil and every Record* helper checks for that.
type Tracer struct{}

// NewTracer returns a Tracer. Safe to use whether or not Init was called.
func NewTracer() *Tracer {
	return &Tracer{}
}

// StartStage opens a span named after stage, tagged with repoID, and
// returns a function that ends it (recording the error, if any, on the span
// and the stage's duration metric).
func (Tracer) StartStage(ctx context.Context, repoID, stage string) (context.Context, func(error)) {
	start := time.Now()
	spanCtx, span := tracer.Start(ctx, "clone."+stage, trace.WithAttributes(
		attribute.String(KeyRepoID, repoID),
		attribute.String(KeyStage, stage),
	))
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		RecordStageDuration(ctx, stage, time.Since(start))
	}
}

// RecordTransition records every state change: a from/to-tagged counter for
// any transition, plus the three terminal transitions (done/failed/canceled)
// broken out into their own counters.
func (Tracer) RecordTransition(t *task.Task, from, to task.State) {
	ctx := context.Background()
	RecordStateTransition(ctx, t.RepoID, t.PeerID, from, to)
	switch to {
	case task.StateDone:
		RecordTaskDone(ctx, t.RepoID)
	case task.StateError:
		RecordTaskFailed(ctx, t.RepoID, string(t.Error))
	case task.StateCanceled:
		RecordTaskCanceled(ctx, t.RepoID)
	}
}
