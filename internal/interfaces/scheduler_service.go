package interfaces

import "time"

// ScheduledJobStatus represents the current status of a scheduled job
type ScheduledJobStatus struct {
	Name      string
	Enabled   bool
	Schedule  string
	LastRun   *time.Time
	NextRun   *time.Time
	IsRunning bool
	LastError string
}

// SchedulerService manages cron-based scheduling of source collections
// and maintenance sweeps.
type SchedulerService interface {
	// Start launches the cron runner.
	Start() error

	// Stop halts the cron runner and waits for running jobs.
	Stop() error

	// RegisterJob registers a named job with a cron schedule.
	RegisterJob(name string, schedule string, handler func() error) error

	// TriggerNow runs a registered job immediately, out of schedule.
	TriggerNow(name string) error

	// IsRunning returns true if the scheduler is active.
	IsRunning() bool

	// GetAllJobStatuses returns all job statuses keyed by name.
	GetAllJobStatuses() map[string]*ScheduledJobStatus
}
