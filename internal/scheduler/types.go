package scheduler

import "time"

// Schedule is a named, persisted cron definition. The scheduler mutates
// it on every firing (last_run, next_run, run_count) or enqueue failure
// (failure_count); schedules are never deleted automatically, only
// disabled via Enabled.
type Schedule struct {
	ID             string         // Unique schedule ID
	Name           string         // Schedule name (unique)
	CronExpression string         // Standard 5-field cron expression
	Timezone       string         // IANA timezone (default "UTC")
	QueueName      string         // Target queue
	JobName        string         // Job to enqueue
	JobData        map[string]any // Payload template
	JobOptions     *JobOptions    // Optional enqueue options
	Enabled        bool           // Disabled schedules are never due
	LastRun        *time.Time     // Last firing time
	NextRun        *time.Time     // Earliest future fire time at last computation
	RunCount       int            // Successful firings
	FailureCount   int            // Enqueue failures
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobOptions is the persisted subset of enqueue options.
type JobOptions struct {
	Delay   time.Duration `json:"delay,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}
