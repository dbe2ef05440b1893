package cron

import (
	"context"
	"time"
)

// Job is a recurring maintenance job such as a reaper sweep.
type Job struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	NextRun  time.Time `json:"nextRun,omitempty"`
	LastErr  string    `json:"lastError,omitempty"`
	RunCount int       `json:"runCount"`
}

// JobRun records one execution of a job.
type JobRun struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RunFunc executes one run of a job and returns a short summary.
type RunFunc func(ctx context.Context) (string, error)
