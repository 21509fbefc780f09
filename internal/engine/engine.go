package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/throw-if-null/reconciler/internal/api"
	"github.com/throw-if-null/reconciler/internal/countdown"
	"github.com/throw-if-null/reconciler/internal/dispatch"
	"github.com/throw-if-null/reconciler/internal/paths"
	"github.com/throw-if-null/reconciler/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrUnknownKind = errors.New("unknown task kind")

// Remote is the transport the engine drives. Any error returned by Poll is
// treated as transient.
type Remote interface {
	Submit(ctx context.Context, kind api.Kind, payload api.Payload) (api.SubmitResponse, error)
	Poll(ctx context.Context, kind api.Kind, id string) ([]byte, error)
}

// Dispatcher runs terminal side effects.
type Dispatcher interface {
	Dispatch(ctx context.Context, t api.Task, fx dispatch.Effects) bool
}

// Engine submits remote tasks and reconciles them to a terminal state.
type Engine struct {
	store      *task.Store
	remote     Remote
	dispatcher Dispatcher
	policies   map[api.Kind]Policy
	clock      clockwork.Clock
	logger     *log.Logger
	tracer     trace.Tracer
	onTick     func(kind api.Kind, remaining time.Duration)

	wg sync.WaitGroup
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer("reconciler") }
}

// WithPolicy overrides the policy of one kind.
func WithPolicy(kind api.Kind, p Policy) Option {
	return func(e *Engine) { e.policies[kind] = p }
}

// WithTickObserver receives every countdown tick of kinds with a deadline.
func WithTickObserver(fn func(kind api.Kind, remaining time.Duration)) Option {
	return func(e *Engine) { e.onTick = fn }
}

func New(store *task.Store, remote Remote, d Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		remote:     remote,
		dispatcher: d,
		policies:   DefaultPolicies(),
		clock:      clockwork.NewRealClock(),
		logger:     log.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("reconciler")
	}
	for k, p := range e.policies {
		e.policies[k] = p.normalized()
	}
	return e
}

// Policy returns the effective policy for kind.
func (e *Engine) Policy(kind api.Kind) (Policy, bool) {
	p, ok := e.policies[kind]
	return p, ok
}

// Get returns the current Task of kind.
func (e *Engine) Get(kind api.Kind) (api.Task, bool) {
	return e.store.Get(kind)
}

// Start replaces any Task of the same kind, submits the new one and, once
// the remote accepted it, starts polling in the background. The returned
// Task reflects the state right after submission. ctx scopes the Task:
// cancelling it cancels the Task.
func (e *Engine) Start(ctx context.Context, kind api.Kind, payload api.Payload) (api.Task, error) {
	pol, ok := e.policies[kind]
	if !ok {
		return api.Task{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	t, live := e.store.Create(ctx, kind)
	ref := t.Ref

	sctx, span := e.tracer.Start(live, "reconciler.submit", trace.WithAttributes(
		attribute.String("task.kind", string(kind)),
		attribute.String("task.ref", ref),
	))
	defer span.End()
	span.AddEvent("task.created")

	if _, ok := e.store.Update(kind, ref, func(t *api.Task) { t.State = api.StateSubmitting }); !ok {
		span.AddEvent("task.cancelled")
		return e.snapshot(kind, ref), nil
	}

	resp, err := e.remote.Submit(sctx, kind, payload)
	if live.Err() != nil {
		// replaced or torn down while the call was in flight
		span.AddEvent("task.cancelled")
		return e.snapshot(kind, ref), nil
	}
	switch {
	case err != nil:
		e.logger.Printf("submit: kind=%s ref=%s: %v", kind, ref, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, api.ErrCodeConnectionFailed)
		return e.fail(sctx, kind, ref, api.ErrCodeConnectionFailed, pol), nil
	case !resp.Success:
		msg := resp.Message
		if msg == "" {
			msg = "REJECTED"
		}
		span.SetStatus(codes.Error, msg)
		return e.fail(sctx, kind, ref, msg, pol), nil
	}
	if err := paths.ValidateRemoteID(resp.ID); err != nil {
		e.logger.Printf("submit: kind=%s ref=%s: %v", kind, ref, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, api.ErrCodeInvalidID)
		return e.fail(sctx, kind, ref, api.ErrCodeInvalidID, pol), nil
	}

	now := e.clock.Now().UTC()
	t, ok = e.store.Update(kind, ref, func(t *api.Task) {
		t.ID = resp.ID
		t.CreatedAt = now
		t.State = api.StatePolling
		t.PollInterval = pol.Interval
		t.LastError = ""
		if pol.Deadline > 0 {
			exp := now.Add(pol.Deadline)
			t.ExpiresAt = &exp
		}
	})
	if !ok {
		return e.snapshot(kind, ref), nil
	}
	span.SetAttributes(attribute.String("task.id", t.ID))
	span.AddEvent("task.polling")

	if t.ExpiresAt != nil {
		c := countdown.Start(live, e.clock, *t.ExpiresAt, func(remaining time.Duration) {
			if e.onTick != nil {
				e.onTick(kind, remaining)
			}
		}, func() {
			e.expire(context.WithoutCancel(live), kind, ref, pol)
		})
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			<-c.Done()
		}()
	}

	e.wg.Add(1)
	go e.run(live, kind, ref, pol)
	return t, nil
}

// Cancel cancels the current Task of kind. It is idempotent.
func (e *Engine) Cancel(kind api.Kind) bool {
	return e.store.Cancel(kind)
}

// Wait blocks until every polling loop and countdown has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every live Task and waits for the loops to exit or ctx
// to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, k := range e.store.Kinds() {
		e.store.Cancel(k)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) fail(ctx context.Context, kind api.Kind, ref, reason string, pol Policy) api.Task {
	t, ok := e.store.Update(kind, ref, func(t *api.Task) {
		t.State = api.StateFailed
		t.LastError = reason
	})
	if !ok {
		return e.snapshot(kind, ref)
	}
	e.dispatch(ctx, t, pol)
	return t
}

func (e *Engine) expire(ctx context.Context, kind api.Kind, ref string, pol Policy) {
	t, ok := e.store.Update(kind, ref, func(t *api.Task) { t.State = api.StateExpired })
	if !ok {
		return
	}
	e.logger.Printf("expire: kind=%s id=%s attempts=%d last_error=%q", kind, t.ID, t.Attempt, t.LastError)
	e.dispatch(ctx, t, pol)
}

func (e *Engine) dispatch(ctx context.Context, t api.Task, pol Policy) {
	if e.dispatcher == nil {
		return
	}
	// the liveness context is already cancelled once a task is terminal
	e.dispatcher.Dispatch(context.WithoutCancel(ctx), t, pol.Effects)
}

// snapshot returns the Task for ref, or a CANCELLED stand-in when the slot
// has moved on to a newer Task.
func (e *Engine) snapshot(kind api.Kind, ref string) api.Task {
	if t, ok := e.store.Get(kind); ok && t.Ref == ref {
		return t
	}
	return api.Task{Ref: ref, Kind: kind, State: api.StateCancelled}
}
