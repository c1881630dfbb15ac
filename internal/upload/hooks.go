package upload

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HookEvent carries a snapshot of the upload an event refers to.
type HookEvent struct {
	Upload FileInfo
}

// AdmissionFunc runs before a create operation touches any state. Returning
// an error rejects the creation; the error is surfaced to the client.
type AdmissionFunc func(ctx context.Context, ev HookEvent) error

// ListenerFunc observes a committed state transition. A returned error is
// logged and never rolls the transition back.
type ListenerFunc func(ctx context.Context, ev HookEvent) error

// Dispatcher fans protocol events out to registered callbacks. Admission
// callbacks can veto a creation; all other callbacks are fire-and-forget
// with respect to protocol correctness.
type Dispatcher struct {
	mu         sync.RWMutex
	admission  []AdmissionFunc
	created    []ListenerFunc
	finished   []ListenerFunc
	terminated []ListenerFunc
}

// NewDispatcher creates a dispatcher with no callbacks registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// OnAdmission registers a callback consulted before each creation.
func (d *Dispatcher) OnAdmission(f AdmissionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admission = append(d.admission, f)
}

// OnCreated registers a callback fired after an upload is created.
func (d *Dispatcher) OnCreated(f ListenerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, f)
}

// OnFinished registers a callback fired when an upload receives its final
// byte.
func (d *Dispatcher) OnFinished(f ListenerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = append(d.finished, f)
}

// OnTerminated registers a callback fired after an upload is terminated,
// either by a client or by the expiration sweeper.
func (d *Dispatcher) OnTerminated(f ListenerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated = append(d.terminated, f)
}

// admit consults the admission callbacks in registration order. The first
// error aborts the creation.
func (d *Dispatcher) admit(ctx context.Context, ev HookEvent) error {
	d.mu.RLock()
	callbacks := d.admission
	d.mu.RUnlock()

	for _, f := range callbacks {
		if err := f(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) fireCreated(ctx context.Context, ev HookEvent) {
	d.mu.RLock()
	callbacks := d.created
	d.mu.RUnlock()
	fire(ctx, "created", callbacks, ev)
}

func (d *Dispatcher) fireFinished(ctx context.Context, ev HookEvent) {
	d.mu.RLock()
	callbacks := d.finished
	d.mu.RUnlock()
	fire(ctx, "finished", callbacks, ev)
}

func (d *Dispatcher) fireTerminated(ctx context.Context, ev HookEvent) {
	d.mu.RLock()
	callbacks := d.terminated
	d.mu.RUnlock()
	fire(ctx, "terminated", callbacks, ev)
}

func fire(ctx context.Context, event string, callbacks []ListenerFunc, ev HookEvent) {
	for _, f := range callbacks {
		if err := f(ctx, ev); err != nil {
			log.Error().
				Err(err).
				Str("event", event).
				Str("id", ev.Upload.ID).
				Msg("hook callback failed")
		}
	}
}
