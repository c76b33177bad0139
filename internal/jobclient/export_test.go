package jobclient

import "context"

// Test exports for internal functions.

// Waiter is implemented by handles that can block until completion.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Wait blocks until the job has finished.
func (h *localHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessNext reads and runs at most one job synchronously. It reports
// whether a job was read.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	msg, err := w.read(ctx)
	if err != nil || msg == nil {
		return false, err
	}
	w.handle(ctx, *msg)
	return true, nil
}
