package cron

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// Scheduler runs recurring jobs on cron specs ("@every 30s", "*/5 * * * *").
// A job never overlaps with itself: a tick that fires while the previous run
// is still going is skipped.
type Scheduler struct {
	mu      sync.RWMutex
	cron    *robcron.Cron
	jobs    map[string]*managedJob
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	maxRuns int
}

type managedJob struct {
	Job
	run     RunFunc
	entryID robcron.EntryID
	runs    []JobRun
	active  sync.Mutex
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    robcron.New(),
		jobs:    make(map[string]*managedJob),
		ctx:     ctx,
		cancel:  cancel,
		maxRuns: 100,
	}
}

// Add registers a new job. Returns error if name is duplicate or the cron spec is
// invalid.
func (s *Scheduler) Add(name, spec string, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if run == nil {
		return fmt.Errorf("job %q has no run function", name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	mj := &managedJob{
		Job: Job{
			Name:    name,
			Spec:    spec,
			Enabled: true,
		},
		run:     run,
		entryID: entryID,
	}

	entry := s.cron.Entry(entryID)
	if !entry.Next.IsZero() {
		mj.NextRun = entry.Next
	}

	s.jobs[name] = mj
	return nil
}

func (s *Scheduler) executeJob(name string) {
	_, _ = s.runAndRecord(name, "schedule", true)
}

// Remove deletes a job by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(mj.entryID)
	delete(s.jobs, name)
	return nil
}

// List returns all registered jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, mj := range s.jobs {
		j := mj.Job
		entry := s.cron.Entry(mj.entryID)
		if !entry.Next.IsZero() {
			j.NextRun = entry.Next
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Get(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	j := mj.Job
	entry := s.cron.Entry(mj.entryID)
	if !entry.Next.IsZero() {
		j.NextRun = entry.Next
	}
	return j, true
}

// SetEnabled enables or disables a job without removing it.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	mj.Enabled = enabled
	return nil
}

// Trigger runs a job immediately, regardless of its schedule. It waits for a
// scheduled run in progress to finish first.
func (s *Scheduler) Trigger(name string) (string, error) {
	return s.runAndRecord(name, "manual", false)
}

// History returns recent runs of a job, newest first.
func (s *Scheduler) History(name string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	if limit <= 0 || limit > len(mj.runs) {
		limit = len(mj.runs)
	}
	out := make([]JobRun, 0, limit)
	for i := len(mj.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, mj.runs[i])
	}
	return out, nil
}

func (s *Scheduler) runAndRecord(name, trigger string, scheduled bool) (string, error) {
	s.mu.RLock()
	mj, ok := s.jobs[name]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("job %q not found", name)
	}
	if scheduled && !mj.Enabled {
		s.mu.RUnlock()
		return "", nil
	}
	run := mj.run
	ctx := s.ctx
	s.mu.RUnlock()

	if scheduled {
		if !mj.active.TryLock() {
			log.Printf("[cron] job %q still running, skipping tick", name)
			return "", nil
		}
	} else {
		mj.active.Lock()
	}
	started := time.Now()
	output, err := run(ctx)
	finished := time.Now()
	mj.active.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	mj2, ok := s.jobs[name]
	if !ok {
		return output, err
	}
	mj2.LastRun = finished
	mj2.RunCount++
	rec := JobRun{
		At:         finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Trigger:    trigger,
	}
	if err != nil {
		mj2.LastErr = err.Error()
		rec.Status = "failed"
		rec.Error = err.Error()
		log.Printf("[cron] job %q failed (%s): %v", name, trigger, err)
	} else {
		mj2.LastErr = ""
		rec.Status = "completed"
		rec.Output = truncate(output, 2000)
		if output != "" {
			log.Printf("[cron] job %q completed (%s): %s", name, trigger, truncate(output, 100))
		}
	}
	mj2.runs = append(mj2.runs, rec)
	if s.maxRuns > 0 && len(mj2.runs) > s.maxRuns {
		mj2.runs = mj2.runs[len(mj2.runs)-s.maxRuns:]
	}
	entry := s.cron.Entry(mj2.entryID)
	if !entry.Next.IsZero() {
		mj2.NextRun = entry.Next
	}
	return output, err
}

// Start begins the cron scheduler. Non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop cancels the context of running jobs and waits for them to return, or
// for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.started = false
	stopped := s.cron.Stop()
	s.mu.Unlock()

	s.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
