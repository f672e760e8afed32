package db

import "errors"

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobNotClaimed is returned when a terminal update targets a job that is
	// no longer pending or is claimed by another worker.
	ErrJobNotClaimed = errors.New("job not claimed by this worker")

	// ErrJobNotCancellable is returned when a job already left pending or is
	// currently claimed by a worker.
	ErrJobNotCancellable = errors.New("job is not cancellable")
)
