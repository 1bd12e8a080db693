package workflow

import (
	"context"
	"sync"
)

// StatusDispatcher fans status reports out to one or more surfaces from a
// single goroutine. Report never blocks the caller and never drops a report;
// the queue grows as needed. Surfaces see reports in submission order.
type StatusDispatcher struct {
	surfaces []StatusSurface

	mu      sync.Mutex
	queue   []StatusReport
	notify  chan struct{}
	closed  bool
	stopped chan struct{}
}

// NewStatusDispatcher returns a dispatcher for the given surfaces. Nil
// surfaces are skipped.
func NewStatusDispatcher(surfaces ...StatusSurface) *StatusDispatcher {
	d := &StatusDispatcher{
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	for _, s := range surfaces {
		if s != nil {
			d.surfaces = append(d.surfaces, s)
		}
	}
	return d
}

// Report enqueues r. Reports after Close are discarded.
func (d *StatusDispatcher) Report(_ context.Context, r StatusReport) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, r)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued reports not yet delivered.
func (d *StatusDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run delivers queued reports until Close is called and the queue is empty.
// ctx is handed to the surfaces; cancelling it does not stop the loop so
// that terminal reports enqueued during shutdown still go out.
func (d *StatusDispatcher) Run(ctx context.Context) {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, r := range batch {
			for _, s := range d.surfaces {
				s.Report(ctx, r)
			}
		}

		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.notify
		}
	}
}

// Close stops accepting reports and waits for Run to flush the queue or for
// ctx to expire.
func (d *StatusDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}

	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
