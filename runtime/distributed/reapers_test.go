package distributed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/state"
	"github.com/taskcluster/taskcluster-sub006/types"
)

func TestClaimExpiryRetriesUntilExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reaper := NewClaimReaper(h.svc)

	h.create(t, "task-t", withRetries(1))
	first := h.claimOne(t)
	if first.RunID != 0 {
		t.Fatalf("expected run 0, got %d", first.RunID)
	}

	h.clock.Advance(h.svc.Policy().ClaimTimeout + time.Minute)
	res, err := reaper.Sweep(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Resolved != 1 {
		t.Fatalf("expected one expired claim, got %s", res)
	}
	status, _ := h.svc.Status(ctx, "task-t")
	want := []string{"exception/scheduled/claim-expired", "pending/retry/"}
	if diff := cmp.Diff(want, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs after first expiry (-want +got):\n%s", diff)
	}
	if status.RetriesLeft != 0 {
		t.Fatalf("expected retriesLeft 0, got %d", status.RetriesLeft)
	}

	second := h.claimOne(t)
	if second.RunID != 1 {
		t.Fatalf("expected run 1, got %d", second.RunID)
	}
	h.clock.Advance(h.svc.Policy().ClaimTimeout + time.Minute)
	if _, err := reaper.Sweep(ctx, h.clock.Now()); err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	status, _ = h.svc.Status(ctx, "task-t")
	want = []string{"exception/scheduled/claim-expired", "exception/retry/claim-expired"}
	if diff := cmp.Diff(want, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs after second expiry (-want +got):\n%s", diff)
	}
	if status.State != types.TaskException {
		t.Fatalf("expected terminal exception, got %s", status.State)
	}

	res, err = reaper.Sweep(ctx, h.clock.Now())
	if err != nil || res.Resolved != 0 {
		t.Fatalf("repeated sweep should be a no-op, got %s (err=%v)", res, err)
	}
}

func TestClaimExpiryRespectsReclaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a")
	claim := h.claimOne(t)

	h.clock.Advance(15 * time.Minute)
	if _, err := h.svc.ReclaimTask(ctx, "task-a", claim.RunID, worker1); err != nil {
		t.Fatalf("ReclaimTask failed: %v", err)
	}
	h.clock.Advance(10 * time.Minute)
	res, err := NewClaimReaper(h.svc).Sweep(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Resolved != 0 {
		t.Fatalf("a reclaimed run must not expire, got %s", res)
	}
	if status, _ := h.svc.Status(ctx, "task-a"); status.State != types.TaskRunning {
		t.Fatalf("expected running, got %s", status.State)
	}
}

func TestClaimExpiryAfterDeadlineDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "task-a", func(def *types.TaskDefinition) {
		def.Deadline = def.Created.Add(10 * time.Minute)
	})
	h.claimOne(t)

	h.clock.Advance(30 * time.Minute)
	if _, err := NewClaimReaper(h.svc).Sweep(ctx, h.clock.Now()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	status, _ := h.svc.Status(ctx, "task-a")
	if diff := cmp.Diff([]string{"exception/scheduled/claim-expired"}, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs (-want +got):\n%s", diff)
	}
	if status.RetriesLeft != 1 {
		t.Fatalf("no retry was made, retriesLeft should stay 1, got %d", status.RetriesLeft)
	}
}

func TestDeadlineReaper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reaper := NewDeadlineReaper(h.svc)

	h.create(t, "task-pending")
	h.create(t, "task-running")
	if _, err := h.svc.ClaimTask(ctx, "task-running", 0, worker1); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if _, err := h.svc.DefineTask(ctx, "task-unscheduled", h.definition()); err != nil {
		t.Fatalf("DefineTask failed: %v", err)
	}
	h.create(t, "task-later", func(def *types.TaskDefinition) {
		def.Deadline = def.Created.Add(3 * time.Hour)
	})

	h.clock.Advance(2 * time.Hour)
	res, err := reaper.Sweep(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Resolved != 3 {
		t.Fatalf("expected three tasks resolved, got %s", res)
	}

	for id, want := range map[string][]string{
		"task-pending":     {"exception/scheduled/deadline-exceeded"},
		"task-running":     {"exception/scheduled/deadline-exceeded"},
		"task-unscheduled": {"exception/exception/deadline-exceeded"},
		"task-later":       {"pending/scheduled/"},
	} {
		status, err := h.svc.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status %s failed: %v", id, err)
		}
		if diff := cmp.Diff(want, runStates(status)); diff != "" {
			t.Fatalf("%s: unexpected runs (-want +got):\n%s", id, diff)
		}
	}
	if got := h.events.count(types.EventTaskException, ""); got != 3 {
		t.Fatalf("expected three task-exception events, got %d", got)
	}

	res, err = reaper.Sweep(ctx, h.clock.Now())
	if err != nil || res.Resolved != 0 {
		t.Fatalf("repeated sweep should be a no-op, got %s (err=%v)", res, err)
	}

	sweeps := h.events.ofKind(observe.KindReaper)
	if len(sweeps) != 2 || sweeps[0].Name != "deadline" || sweeps[0].Attributes["resolved"] != 3 {
		t.Fatalf("unexpected sweep events: %+v", sweeps)
	}
}

func TestExpirySweeperKeepsLiveRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "task-old", withGroup("group-old"), func(def *types.TaskDefinition) {
		def.Expires = def.Deadline.Add(time.Hour)
	})
	h.create(t, "task-new", withGroup("group-new"))
	for _, id := range []string{"task-old", "task-new"} {
		if _, err := h.svc.CancelTask(ctx, id); err != nil {
			t.Fatalf("CancelTask %s failed: %v", id, err)
		}
	}

	h.clock.Advance(3 * time.Hour)
	res, err := NewExpirySweeper(h.svc).Sweep(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Deleted == 0 {
		t.Fatalf("expected expired rows to be deleted, got %s", res)
	}

	if _, err := h.store.GetTask(ctx, "task-old"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expired task should be gone, got %v", err)
	}
	if _, err := h.svc.GetTaskGroup(ctx, "group-old"); !types.IsNotFound(err) {
		t.Fatalf("expired group should be gone, got %v", err)
	}
	if record := h.record(t, "task-new"); record.State != types.TaskException {
		t.Fatalf("live task changed: %s", record.State)
	}
	if _, err := h.svc.GetTaskGroup(ctx, "group-new"); err != nil {
		t.Fatalf("live group should remain, got %v", err)
	}

	again, err := NewExpirySweeper(h.svc).Sweep(ctx, h.clock.Now())
	if err != nil || again.Deleted != 0 {
		t.Fatalf("second sweep should delete nothing, got %s (err=%v)", again, err)
	}
}
