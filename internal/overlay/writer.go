package overlay

import (
	"context"

	"handbookcore/pkg/domain"
)

type writeOp struct {
	snapshot []domain.Profile
	clear    bool
	flushed  chan struct{}
	ctx      context.Context
}

// writer applies queued snapshots in order on one goroutine.
type writer struct {
	persist Persister
	queue   chan writeOp
	done    chan struct{}
}

func startWriter(p Persister, buffer int) *writer {
	w := &writer{persist: p, queue: make(chan writeOp, buffer), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *writer) run() {
	defer close(w.done)
	for op := range w.queue {
		switch {
		case op.flushed != nil:
			close(op.flushed)
		case op.clear:
			w.persist.Clear(op.ctx)
		default:
			w.persist.Save(op.ctx, op.snapshot)
		}
	}
}

// enqueue reports false when there is no running writer. Queued writes do not
// inherit the caller's cancellation.
func (w *writer) enqueue(ctx context.Context, op writeOp) bool {
	if w == nil {
		return false
	}
	op.ctx = context.WithoutCancel(ctx)
	w.queue <- op
	return true
}

func (w *writer) stop() {
	if w == nil {
		return
	}
	close(w.queue)
	<-w.done
}
