// Package jobclient runs indexing attempts outside the scheduler loop. The
// scheduler submits a Request and keeps the returned Handle until the job is
// done; a Client never runs more jobs than its Size.
package jobclient

//go:generate mockgen -destination=mocks/mock_jobclient.go -package=mocks . Client,Handle

import (
	"context"
	"errors"
)

// Status is the execution state of a submitted job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsDone reports whether the job will make no further progress.
func (s Status) IsDone() bool {
	return s == StatusFinished || s == StatusError || s == StatusCancelled
}

var (
	// ErrClientClosed is returned by Submit after Close.
	ErrClientClosed = errors.New("job client closed")

	// ErrWorkerLost is reported when a running job's worker stopped renewing its lease.
	ErrWorkerLost = errors.New("worker lease expired")

	// ErrJobNotFound is reported when the job's state has vanished.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobCancelled is reported for jobs stopped through Cancel.
	ErrJobCancelled = errors.New("job cancelled")
)

// Request identifies the attempt a job runs.
type Request struct {
	AttemptID    int64
	CCPairID     int64
	IsEnterprise bool
}

// RunFunc executes one attempt. It must return promptly once ctx is cancelled.
type RunFunc func(ctx context.Context, req Request) error

// Handle tracks one submitted job.
type Handle interface {
	ID() string
	Status(ctx context.Context) Status
	Done(ctx context.Context) bool
	// Err is the failure of a job in StatusError or StatusCancelled.
	Err(ctx context.Context) error
	// Cancel asks the job to stop. It returns false when the job was already done.
	Cancel(ctx context.Context) bool
	// Release frees any state kept for the job. The handle must not be used afterwards.
	Release(ctx context.Context)
}

// Client submits jobs to a bounded pool.
type Client interface {
	// Submit starts req, or returns a nil Handle and nil error when the pool is full.
	Submit(ctx context.Context, req Request) (Handle, error)
	// Size is the maximum number of concurrently held jobs.
	Size() int
	Close()
}
