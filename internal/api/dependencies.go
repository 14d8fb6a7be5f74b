package api

import (
	"context"
	"time"

	"infinite-experiment/warden/internal/jobs"
	"infinite-experiment/warden/internal/uow"
)

// Check reports whether a backing service is reachable
type Check func(ctx context.Context) error

// JobRunner exposes the reconciliation jobs to the admin endpoints
type JobRunner interface {
	Lookup(name string) (jobs.Job, bool)
	Schedules() []jobs.Schedule
}

// Dependencies holds everything the handlers need
type Dependencies struct {
	Registry *uow.Registry
	Jobs     JobRunner
	Checks   map[string]Check
	UpSince  time.Time
}
