package cli

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/taskcluster/taskcluster-sub006/internal/config"
	cronpkg "github.com/taskcluster/taskcluster-sub006/runtime/cron"
)

const (
	jobClaimExpiry = "claim-expiry"
	jobDeadline    = "deadline"
	jobExpiry      = "expiry"
	jobRepairHints = "repair-hints"
)

func sweepJobNames() []string {
	return []string{jobClaimExpiry, jobDeadline, jobExpiry, jobRepairHints}
}

func (rt *runtimeComponents) sweepJob(name string) cronpkg.RunFunc {
	return func(ctx context.Context) (string, error) {
		now := time.Now()
		switch name {
		case jobClaimExpiry:
			res, err := rt.claimReaper.Sweep(ctx, now)
			return res.String(), err
		case jobDeadline:
			res, err := rt.deadlineReaper.Sweep(ctx, now)
			return res.String(), err
		case jobExpiry:
			res, err := rt.expirySweeper.Sweep(ctx, now)
			return res.String(), err
		case jobRepairHints:
			n, err := rt.service.RepairHints(ctx)
			return fmt.Sprintf("pushed=%d", n), err
		default:
			return "", fmt.Errorf("unknown sweep job %q", name)
		}
	}
}

// runSweep runs maintenance jobs once and exits. With no job named it runs
// all of them.
func runSweep(ctx context.Context, args []string) error {
	opts, positional := parseArgs(args)
	jobs := opts.jobs
	for _, arg := range positional {
		jobs = append(jobs, splitCSV(arg)...)
	}
	if len(jobs) == 0 {
		jobs = sweepJobNames()
	}
	for _, job := range jobs {
		if !isSweepJob(job) {
			return fmt.Errorf("unknown sweep job %q (available: %s)", job, strings.Join(sweepJobNames(), ", "))
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	rt, cleanup, err := buildRuntime(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		started := time.Now()
		out, err := rt.sweepJob(job)(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", job, err)
		}
		log.Printf("[taskqueue] %s done in %s: %s", job, time.Since(started).Round(time.Millisecond), out)
	}
	return nil
}

func isSweepJob(name string) bool {
	for _, job := range sweepJobNames() {
		if job == name {
			return true
		}
	}
	return false
}
