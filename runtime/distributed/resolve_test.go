package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/taskcluster/taskcluster-sub006/types"
)

func TestReportCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a")
	claim := h.claimOne(t)

	status, err := h.svc.ReportCompleted(ctx, "task-a", claim.RunID, worker1)
	if err != nil {
		t.Fatalf("ReportCompleted failed: %v", err)
	}
	if status.State != types.TaskCompleted {
		t.Fatalf("expected completed task, got %s", status.State)
	}
	if run := status.Runs[0]; run.Resolved == nil || run.ReasonResolved != types.ResolvedCompleted {
		t.Fatalf("run not resolved: %+v", run)
	}

	replay, err := h.svc.ReportCompleted(ctx, "task-a", claim.RunID, worker1)
	if err != nil {
		t.Fatalf("replayed ReportCompleted failed: %v", err)
	}
	if diff := cmp.Diff(status, replay); diff != "" {
		t.Fatalf("replay changed the status (-want +got):\n%s", diff)
	}
	if got := h.events.count(types.EventTaskCompleted, "task-a"); got != 2 {
		t.Fatalf("expected the replay to republish task-completed, got %d events", got)
	}

	if _, err := h.svc.ReportFailed(ctx, "task-a", claim.RunID, worker1); !types.IsConflict(err) {
		t.Fatalf("expected conflict reporting failed on a completed run, got %v", err)
	}
}

func TestReportRequiresRunningRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a")

	if _, err := h.svc.ReportCompleted(ctx, "task-a", 0, worker1); !types.IsConflict(err) {
		t.Fatalf("expected conflict for a pending run, got %v", err)
	}
	if _, err := h.svc.ReportCompleted(ctx, "task-a", 4, worker1); !types.IsNotFound(err) {
		t.Fatalf("expected not found for an unknown run, got %v", err)
	}
	if _, err := h.svc.ReportCompleted(ctx, "nope", 0, worker1); !types.IsNotFound(err) {
		t.Fatalf("expected not found for an unknown task, got %v", err)
	}

	claim := h.claimOne(t)
	other := Worker{WorkerGroup: "us-west", WorkerID: "w2"}
	if _, err := h.svc.ReportCompleted(ctx, "task-a", claim.RunID, other); !types.IsConflict(err) {
		t.Fatalf("expected conflict for another worker, got %v", err)
	}
}

func TestReportExceptionReasonOverwrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a")
	claim := h.claimOne(t)

	if _, err := h.svc.ReportException(ctx, "task-a", claim.RunID, worker1, types.ResolvedMalformedPayload); err != nil {
		t.Fatalf("ReportException failed: %v", err)
	}
	_, err := h.svc.ReportException(ctx, "task-a", claim.RunID, worker1, types.ResolvedInternalError)
	if !types.IsConflict(err) {
		t.Fatalf("expected conflict overwriting the reason, got %v", err)
	}

	status, err := h.svc.Status(ctx, "task-a")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if diff := cmp.Diff([]string{"exception/scheduled/malformed-payload"}, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs (-want +got):\n%s", diff)
	}
}

func TestReportExceptionRejectsQueueReasons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a")
	claim := h.claimOne(t)

	for _, reason := range []types.ReasonResolved{types.ResolvedClaimExpired, types.ResolvedDeadlineExceeded, types.ResolvedCanceled, "bogus"} {
		if _, err := h.svc.ReportException(ctx, "task-a", claim.RunID, worker1, reason); !types.IsInputError(err) {
			t.Fatalf("reason %s: expected input error, got %v", reason, err)
		}
	}
}

func TestReportExceptionRetries(t *testing.T) {
	cases := []struct {
		name        string
		reason      types.ReasonResolved
		free        bool
		wantRuns    []string
		wantRetries int
	}{
		{
			name:        "worker-shutdown",
			reason:      types.ResolvedWorkerShutdown,
			wantRuns:    []string{"exception/scheduled/worker-shutdown", "pending/retry/"},
			wantRetries: 0,
		},
		{
			name:        "intermittent-task",
			reason:      types.ResolvedIntermittentTask,
			wantRuns:    []string{"exception/scheduled/intermittent-task", "pending/task-retry/"},
			wantRetries: 0,
		},
		{
			name:        "free worker retries",
			reason:      types.ResolvedWorkerShutdown,
			free:        true,
			wantRuns:    []string{"exception/scheduled/worker-shutdown", "pending/retry/"},
			wantRetries: 1,
		},
		{
			name:        "not retried",
			reason:      types.ResolvedResourceUnavailable,
			wantRuns:    []string{"exception/scheduled/resource-unavailable"},
			wantRetries: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.FreeWorkerRetries = tc.free
			h := newHarness(t, WithPolicy(policy))
			ctx := context.Background()
			h.create(t, "task-a")
			claim := h.claimOne(t)

			status, err := h.svc.ReportException(ctx, "task-a", claim.RunID, worker1, tc.reason)
			if err != nil {
				t.Fatalf("ReportException failed: %v", err)
			}
			if diff := cmp.Diff(tc.wantRuns, runStates(status)); diff != "" {
				t.Fatalf("unexpected runs (-want +got):\n%s", diff)
			}
			if status.RetriesLeft != tc.wantRetries {
				t.Fatalf("expected retriesLeft %d, got %d", tc.wantRetries, status.RetriesLeft)
			}
			if got := h.events.count(types.EventTaskException, "task-a"); got != 1 {
				t.Fatalf("expected one task-exception event, got %d", got)
			}
			wantPending := 1
			if len(tc.wantRuns) == 2 {
				wantPending = 2
			}
			if got := h.events.count(types.EventTaskPending, "task-a"); got != wantPending {
				t.Fatalf("expected %d task-pending events, got %d", wantPending, got)
			}
		})
	}
}

func TestReportExceptionRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a", withRetries(0))
	claim := h.claimOne(t)

	status, err := h.svc.ReportException(ctx, "task-a", claim.RunID, worker1, types.ResolvedWorkerShutdown)
	if err != nil {
		t.Fatalf("ReportException failed: %v", err)
	}
	if status.State != types.TaskException || len(status.Runs) != 1 {
		t.Fatalf("expected terminal exception without retry, got %s %v", status.State, runStates(status))
	}
	if status.RetriesLeft != 0 {
		t.Fatalf("retriesLeft went negative: %d", status.RetriesLeft)
	}
}

func TestReportExceptionPastDeadlineIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a", withRetries(3))
	claim := h.claimOne(t)

	h.clock.Advance(2 * time.Hour)
	status, err := h.svc.ReportException(ctx, "task-a", claim.RunID, worker1, types.ResolvedWorkerShutdown)
	if err != nil {
		t.Fatalf("ReportException failed: %v", err)
	}
	if diff := cmp.Diff([]string{"exception/scheduled/worker-shutdown"}, runStates(status)); diff != "" {
		t.Fatalf("runs mismatch (-want +got):\n%s", diff)
	}
	if status.State != types.TaskException || status.RetriesLeft != 3 {
		t.Fatalf("expected terminal exception with retries kept, got %s retriesLeft=%d", status.State, status.RetriesLeft)
	}
	if n := h.events.count(types.EventTaskPending, "task-a"); n != 1 {
		t.Fatalf("expected only the initial task-pending, got %d", n)
	}
	if n := h.events.count(types.EventTaskException, "task-a"); n != 1 {
		t.Fatalf("expected one task-exception, got %d", n)
	}
}
