package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/throw-if-null/reconciler/internal/api"
)

// Store holds at most one Task per kind. Each Task carries a liveness
// context which is cancelled as soon as the Task is cancelled, replaced or
// reaches a terminal state.
type Store struct {
	mu       sync.Mutex
	slots    map[api.Kind]*slot
	now      func() time.Time
	onChange func(api.Task)
}

type slot struct {
	task   api.Task
	cancel context.CancelFunc
	stop   func() bool
}

type Option func(*Store)

// WithNow overrides the time source used for CreatedAt/UpdatedAt stamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOnChange registers an observer called after every applied mutation.
// It is called without the store lock held.
func WithOnChange(fn func(api.Task)) Option {
	return func(s *Store) { s.onChange = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		slots: map[api.Kind]*slot{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create cancels any live Task of the same kind and installs a fresh IDLE
// Task. The returned context is the new Task's liveness flag; it is derived
// from ctx, so tearing down the owner cancels the Task too.
func (s *Store) Create(ctx context.Context, kind api.Kind) (api.Task, context.Context) {
	now := s.now().UTC()
	t := api.Task{
		Ref:       uuid.NewString(),
		Kind:      kind,
		State:     api.StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	liveCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	var replaced *api.Task
	if old, ok := s.slots[kind]; ok {
		if snap, changed := s.cancelLocked(old); changed {
			replaced = &snap
		}
	}
	sl := &slot{task: t, cancel: cancel}
	s.slots[kind] = sl
	// owner teardown marks the task cancelled; terminal tasks ignore it
	sl.stop = context.AfterFunc(liveCtx, func() { s.CancelRef(kind, t.Ref) })
	s.mu.Unlock()

	if replaced != nil {
		s.notify(*replaced)
	}
	s.notify(t)
	return t, liveCtx
}

// Get returns a copy of the current Task of the given kind.
func (s *Store) Get(kind api.Kind) (api.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[kind]
	if !ok {
		return api.Task{}, false
	}
	return sl.task, true
}

// Update applies fn to the Task identified by kind and ref. It is a no-op
// when the slot now holds another Task or the Task is already terminal.
// Reaching a terminal state cancels the liveness context.
func (s *Store) Update(kind api.Kind, ref string, fn func(*api.Task)) (api.Task, bool) {
	s.mu.Lock()
	sl, ok := s.slots[kind]
	if !ok || sl.task.Ref != ref || sl.task.State.IsTerminal() {
		s.mu.Unlock()
		return api.Task{}, false
	}
	next := sl.task
	fn(&next)
	next.Ref, next.Kind = sl.task.Ref, sl.task.Kind
	next.UpdatedAt = s.now().UTC()
	sl.task = next
	if next.State.IsTerminal() {
		sl.cancel()
	}
	s.mu.Unlock()

	s.notify(next)
	return next, true
}

// Cancel cancels the current Task of kind. Cancelling a missing or terminal
// Task is a no-op and returns false.
func (s *Store) Cancel(kind api.Kind) bool {
	s.mu.Lock()
	sl, ok := s.slots[kind]
	if !ok {
		s.mu.Unlock()
		return false
	}
	snap, changed := s.cancelLocked(sl)
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
	return changed
}

// CancelRef cancels the Task only if it is still the current one for kind.
func (s *Store) CancelRef(kind api.Kind, ref string) bool {
	s.mu.Lock()
	sl, ok := s.slots[kind]
	if !ok || sl.task.Ref != ref {
		s.mu.Unlock()
		return false
	}
	snap, changed := s.cancelLocked(sl)
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
	return changed
}

// Forget drops the slot for kind, cancelling its Task first.
func (s *Store) Forget(kind api.Kind) {
	s.Cancel(kind)
	s.mu.Lock()
	if sl, ok := s.slots[kind]; ok {
		sl.stop()
		delete(s.slots, kind)
	}
	s.mu.Unlock()
}

// Kinds returns the kinds that currently have a slot.
func (s *Store) Kinds() []api.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Kind, 0, len(s.slots))
	for k := range s.slots {
		out = append(out, k)
	}
	return out
}

func (s *Store) cancelLocked(sl *slot) (api.Task, bool) {
	// the liveness flag always drops, even for terminal tasks
	defer sl.cancel()
	if sl.task.State.IsTerminal() {
		return sl.task, false
	}
	sl.task.State = api.StateCancelled
	sl.task.UpdatedAt = s.now().UTC()
	return sl.task, true
}

func (s *Store) notify(t api.Task) {
	if s.onChange != nil {
		s.onChange(t)
	}
}
