package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/throw-if-null/reconciler/internal/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier shows a message to the user. Fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, message string, severity api.Severity)
}

// Refresher invalidates dependent cached state such as quota or ledger.
type Refresher interface {
	Refresh(ctx context.Context, resource api.Resource) error
}

// Recorder receives every terminal Task that was dispatched.
type Recorder interface {
	Record(ctx context.Context, t api.Task) error
}

// Effects describes what to do once a Task of some kind finishes.
type Effects struct {
	Refresh        []api.Resource
	DismissAfter   time.Duration
	SuccessMessage string
	FailureMessage string
	ExpiredMessage string
}

// Dispatcher runs terminal side effects at most once per Task.
type Dispatcher struct {
	notifier  Notifier
	refresher Refresher
	recorder  Recorder
	dismiss   func(api.Task)
	clock     clockwork.Clock
	logger    *log.Logger
	tracer    trace.Tracer

	mu         sync.Mutex
	dispatched map[api.Kind]string // last dispatched Ref per kind
	wg         sync.WaitGroup
}

type Option func(*Dispatcher)

func WithClock(c clockwork.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

func WithLogger(l *log.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.recorder = r } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer("reconciler") }
}

// WithDismiss sets the callback run DismissAfter a success, e.g. closing a
// payment modal.
func WithDismiss(fn func(api.Task)) Option { return func(d *Dispatcher) { d.dismiss = fn } }

func New(n Notifier, r Refresher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		notifier:   n,
		refresher:  r,
		clock:      clockwork.NewRealClock(),
		logger:     log.Default(),
		dispatched: map[api.Kind]string{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("reconciler")
	}
	return d
}

// Dispatch fires the effects for a terminal Task. It returns false when the
// Task is not terminal, is CANCELLED, or was already dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, t api.Task, fx Effects) bool {
	if !t.State.IsTerminal() || t.State == api.StateCancelled {
		return false
	}
	d.mu.Lock()
	if last, ok := d.dispatched[t.Kind]; ok && last == t.Ref {
		d.mu.Unlock()
		return false
	}
	d.dispatched[t.Kind] = t.Ref
	d.mu.Unlock()

	ctx, span := d.tracer.Start(ctx, "reconciler.dispatch", trace.WithAttributes(
		attribute.String("task.kind", string(t.Kind)),
		attribute.String("task.ref", t.Ref),
		attribute.String("task.id", t.ID),
		attribute.String("task.state", string(t.State)),
	))
	defer span.End()

	switch t.State {
	case api.StateSucceeded:
		// refreshes complete before the success notice
		for _, res := range fx.Refresh {
			if err := d.refresh(ctx, res); err != nil {
				span.RecordError(err)
				d.logger.Printf("dispatch: refresh %s failed kind=%s ref=%s: %v", res, t.Kind, t.Ref, err)
				continue
			}
			span.AddEvent("refreshed", trace.WithAttributes(attribute.String("resource", string(res))))
		}
		d.notify(ctx, messageOr(fx.SuccessMessage, "%s completed", t.Kind), api.SeveritySuccess)
		span.AddEvent("notified")
		if fx.DismissAfter > 0 && d.dismiss != nil {
			d.scheduleDismiss(t, fx.DismissAfter)
		}
		span.SetStatus(codes.Ok, "")
	case api.StateExpired:
		d.notify(ctx, messageOr(fx.ExpiredMessage, "%s expired", t.Kind), api.SeverityError)
		span.AddEvent("notified")
		span.SetStatus(codes.Error, "expired")
	default:
		msg := messageOr(fx.FailureMessage, "%s failed", t.Kind)
		if t.LastError != "" {
			msg = msg + ": " + t.LastError
		}
		d.notify(ctx, msg, api.SeverityError)
		span.AddEvent("notified")
		span.SetStatus(codes.Error, t.LastError)
	}

	if d.recorder != nil {
		if err := d.recorder.Record(ctx, t); err != nil {
			d.logger.Printf("dispatch: record failed kind=%s ref=%s: %v", t.Kind, t.Ref, err)
		}
	}
	return true
}

// Dispatched reports whether effects ran for ref and it is still the latest
// dispatched Task of its kind.
func (d *Dispatcher) Dispatched(ref string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.dispatched {
		if r == ref {
			return true
		}
	}
	return false
}

// Wait blocks until every scheduled dismiss callback has run.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) scheduleDismiss(t api.Task, after time.Duration) {
	ch := d.clock.After(after)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ch
		d.dismiss(t)
	}()
}

func (d *Dispatcher) refresh(ctx context.Context, res api.Resource) error {
	if d.refresher == nil {
		return nil
	}
	return d.refresher.Refresh(ctx, res)
}

func (d *Dispatcher) notify(ctx context.Context, msg string, sev api.Severity) {
	if d.notifier == nil {
		d.logger.Printf("notify (%s): %s", sev, msg)
		return
	}
	d.notifier.Notify(ctx, msg, sev)
}

func messageOr(msg, format string, kind api.Kind) string {
	if msg != "" {
		return msg
	}
	return fmt.Sprintf(format, kind)
}
