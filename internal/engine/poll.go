package engine

import (
	"context"
	"time"

	"github.com/throw-if-null/reconciler/internal/api"
	"github.com/throw-if-null/reconciler/internal/reconcile"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// run is the only driver of status checks for one Task. It arms one timer,
// waits for it, runs a single step and repeats, so checks never overlap.
func (e *Engine) run(ctx context.Context, kind api.Kind, ref string, pol Policy) {
	defer e.wg.Done()
	delay := pol.Interval
	for {
		timer := e.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		next, done := e.step(ctx, kind, ref, pol)
		if done {
			return
		}
		delay = next
	}
}

// step performs at most one status check and reports the delay before the
// next one, or done when the loop must stop.
func (e *Engine) step(ctx context.Context, kind api.Kind, ref string, pol Policy) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, true
	}
	t, ok := e.store.Get(kind)
	if !ok || t.Ref != ref || t.State != api.StatePolling {
		return 0, true
	}
	if t.Expired(e.clock.Now()) {
		e.expire(ctx, kind, ref, pol)
		return 0, true
	}

	pctx, span := e.tracer.Start(ctx, "reconciler.poll", trace.WithAttributes(
		attribute.String("task.kind", string(kind)),
		attribute.String("task.ref", ref),
		attribute.String("task.id", t.ID),
		attribute.Int("task.attempt", t.Attempt+1),
	))
	defer span.End()

	raw, err := e.remote.Poll(pctx, kind, t.ID)
	if ctx.Err() != nil {
		span.AddEvent("poll.discarded")
		return 0, true
	}
	// local expiry beats whatever the server answered
	if t.Expired(e.clock.Now()) {
		span.AddEvent("poll.discarded")
		e.expire(ctx, kind, ref, pol)
		return 0, true
	}

	if err != nil {
		e.logger.Printf("poll: transient error kind=%s id=%s attempt=%d retry_in=%s: %v", kind, t.ID, t.Attempt+1, pol.Backoff, err)
		span.RecordError(err)
		span.AddEvent("poll.transient_error")
		if _, ok := e.store.Update(kind, ref, func(t *api.Task) {
			t.Attempt++
			t.LastError = err.Error()
			t.PollInterval = pol.Backoff
		}); !ok {
			return 0, true
		}
		return pol.Backoff, false
	}

	v := reconcile.Classify(raw, kind)
	span.SetAttributes(
		attribute.String("poll.outcome", v.Outcome.String()),
		attribute.String("poll.status", v.Status),
	)

	switch v.Outcome {
	case reconcile.Success:
		done, ok := e.store.Update(kind, ref, func(t *api.Task) {
			t.Attempt++
			t.State = api.StateSucceeded
			t.Result = v.Result
			t.LastError = ""
		})
		if ok {
			span.AddEvent("task.succeeded")
			span.SetStatus(codes.Ok, "")
			e.dispatch(ctx, done, pol)
		}
		return 0, true
	case reconcile.Failure:
		done, ok := e.store.Update(kind, ref, func(t *api.Task) {
			t.Attempt++
			t.State = api.StateFailed
			t.LastError = v.Reason
		})
		if ok {
			span.AddEvent("task.failed")
			span.SetStatus(codes.Error, v.Reason)
			e.dispatch(ctx, done, pol)
		}
		return 0, true
	default:
		if _, ok := e.store.Update(kind, ref, func(t *api.Task) {
			t.Attempt++
			t.LastError = ""
			t.PollInterval = pol.Interval
		}); !ok {
			return 0, true
		}
		span.AddEvent("poll.pending")
		return pol.Interval, false
	}
}
