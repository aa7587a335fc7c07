package scheduler

import "errors"

var (
	// ErrJobNotFound means the job id is not in the tenant's store.
	ErrJobNotFound = errors.New("scheduled job not found")
	// ErrNotRunning means the scheduler has not been started.
	ErrNotRunning = errors.New("scheduler not running")
)
