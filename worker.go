package qcow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrWorkerAbandoned is returned once a request was cancelled while the
// image was executing it. The handle may hold a partial update.
var ErrWorkerAbandoned = errors.New("qcow: worker abandoned an in-flight request")

type request struct {
	op     string
	run    func() error
	result chan error
}

// Worker owns an Image and runs its requests one at a time on a single
// goroutine, so several goroutines may share one image.
type Worker struct {
	img  *Image
	reqs chan request
	done chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeErr  error
	abandoned atomic.Bool
}

// NewWorker starts a worker for img. The worker takes ownership of img;
// callers must not use img directly until Close.
func NewWorker(img *Image) *Worker {
	w := &Worker{
		img:  img,
		reqs: make(chan request),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for req := range w.reqs {
		req.result <- req.run()
	}
}

// submit queues fn and waits for its result. Cancellation before the
// request is picked up leaves the worker usable.
func (w *Worker) submit(ctx context.Context, op string, fn func() error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.abandoned.Load() {
		return ErrWorkerAbandoned
	}

	req := request{op: op, run: fn, result: make(chan error, 1)}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		w.abandoned.Store(true)
		w.img.log.Warn("request abandoned", zap.String("op", op), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// ReadSectors reads len(buf)/512 sectors starting at sector.
func (w *Worker) ReadSectors(ctx context.Context, sector uint64, buf []byte) error {
	return w.submit(ctx, "read", func() error {
		return w.img.ReadSectors(sector, buf)
	})
}

// WriteSectors writes len(buf)/512 sectors starting at sector.
func (w *Worker) WriteSectors(ctx context.Context, sector uint64, buf []byte) error {
	return w.submit(ctx, "write", func() error {
		return w.img.WriteSectors(sector, buf)
	})
}

// Flush writes back dirty L2 tables and syncs the store.
func (w *Worker) Flush(ctx context.Context) error {
	return w.submit(ctx, "flush", w.img.Flush)
}

// Close waits for queued requests to finish, stops the goroutine and
// closes the image. Later calls return the first result.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.closeErr
	}
	w.closed = true
	close(w.reqs)
	<-w.done

	w.closeErr = w.img.Close()
	return w.closeErr
}
