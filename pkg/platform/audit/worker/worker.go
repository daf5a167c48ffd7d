package worker

import (
	"context"

	audit "storeops/pkg/platform/audit"
)

// Worker consumes audit events from a channel and persists them.
type Worker struct {
	store  audit.Store
	inbox  <-chan audit.Event
	result func(event audit.Event, err error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithResultHook observes every append. With a hook installed, append errors
// are reported to it and the worker keeps running.
func WithResultHook(h func(event audit.Event, err error)) Option {
	return func(w *Worker) {
		w.result = h
	}
}

func NewWorker(store audit.Store, inbox <-chan audit.Event, opts ...Option) *Worker {
	w := &Worker{store: store, inbox: inbox}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run persists events until ctx is cancelled or the inbox is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.inbox:
			if !ok {
				return nil
			}
			err := w.store.Append(ctx, event)
			if w.result != nil {
				w.result(event, err)
				continue
			}
			if err != nil {
				return err
			}
		}
	}
}
