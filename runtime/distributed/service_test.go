package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/taskcluster/taskcluster-sub006/types"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	h := newHarness(t)
	if _, err := NewService(nil, h.store, h.svc.hints); err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, err := NewService(h.store, nil, h.svc.hints); err == nil {
		t.Fatal("expected error for missing index")
	}
	if _, err := NewService(h.store, h.store, nil); err == nil {
		t.Fatal("expected error for missing hint source")
	}
}

func TestCreateTaskIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, "task-a")
	second := h.create(t, "task-a")
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("replayed create returned a different status (-first +second):\n%s", diff)
	}
	if first.State != types.TaskPending || len(first.Runs) != 1 {
		t.Fatalf("expected one pending run, got %v", runStates(first))
	}
	if n, err := h.store.Count(ctx, testQueue); err != nil || n != 1 {
		t.Fatalf("expected exactly one hint, got %d (err=%v)", n, err)
	}
	if got := h.events.count(types.EventTaskDefined, "task-a"); got != 2 {
		t.Fatalf("expected task-defined on create and replay, got %d", got)
	}
	if got := h.events.count(types.EventTaskPending, "task-a"); got != 2 {
		t.Fatalf("expected task-pending on create and replay, got %d", got)
	}

	_, err := h.svc.CreateTask(ctx, "task-a", h.definition(withPriority(types.PriorityHigh)))
	if !types.IsConflict(err) {
		t.Fatalf("expected conflict for a changed definition, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateTask(ctx, "task-a", h.definition(withDeps("ghost")))
	if !types.IsInputError(err) {
		t.Fatalf("expected input error for a missing dependency, got %v", err)
	}

	_, err = h.svc.CreateTask(ctx, "task-b", h.definition(func(def *types.TaskDefinition) {
		def.Deadline = def.Created.Add(6 * 24 * time.Hour)
		def.Expires = def.Deadline.Add(time.Hour)
	}))
	if !types.IsInputError(err) {
		t.Fatalf("expected input error for a far deadline, got %v", err)
	}

	_, err = h.svc.CreateTask(ctx, "task-c", h.definition(func(def *types.TaskDefinition) {
		def.TaskQueueID = "no-slash"
	}))
	if !types.IsInputError(err) {
		t.Fatalf("expected input error for a bad task queue, got %v", err)
	}

	if _, err := h.svc.Status(ctx, "task-a"); !types.IsNotFound(err) {
		t.Fatalf("rejected task must not exist, got %v", err)
	}
}

func TestDefineThenScheduleTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, err := h.svc.DefineTask(ctx, "task-a", h.definition())
	if err != nil {
		t.Fatalf("DefineTask failed: %v", err)
	}
	if status.State != types.TaskUnscheduled || len(status.Runs) != 0 {
		t.Fatalf("defined task should be unscheduled without runs, got %s %v", status.State, runStates(status))
	}

	status, err = h.svc.ScheduleTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("ScheduleTask failed: %v", err)
	}
	if diff := cmp.Diff([]string{"pending/scheduled/"}, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs (-want +got):\n%s", diff)
	}

	again, err := h.svc.ScheduleTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("second ScheduleTask failed: %v", err)
	}
	if len(again.Runs) != 1 {
		t.Fatalf("scheduling a pending task must not add runs, got %v", runStates(again))
	}
	if got := h.events.count(types.EventTaskPending, "task-a"); got != 1 {
		t.Fatalf("expected one task-pending event, got %d", got)
	}

	if _, err := h.svc.ScheduleTask(ctx, "nope"); !types.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScheduleTaskPastDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.DefineTask(ctx, "task-a", h.definition()); err != nil {
		t.Fatalf("DefineTask failed: %v", err)
	}
	h.clock.Advance(2 * time.Hour)
	if _, err := h.svc.ScheduleTask(ctx, "task-a"); !types.IsConflict(err) {
		t.Fatalf("expected conflict past deadline, got %v", err)
	}
}

func TestRerunTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "task-a")
	if _, err := h.svc.RerunTask(ctx, "task-a"); err != nil {
		t.Fatalf("rerun of a pending task should be a no-op, got %v", err)
	}

	claim := h.claimOne(t)
	if _, err := h.svc.ReportCompleted(ctx, "task-a", claim.RunID, worker1); err != nil {
		t.Fatalf("ReportCompleted failed: %v", err)
	}

	status, err := h.svc.RerunTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("RerunTask failed: %v", err)
	}
	want := []string{"completed/scheduled/completed", "pending/rerun/"}
	if diff := cmp.Diff(want, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs (-want +got):\n%s", diff)
	}
	if status.RetriesLeft != 1 {
		t.Fatalf("rerun must not touch retriesLeft, got %d", status.RetriesLeft)
	}

	if _, err := h.svc.DefineTask(ctx, "task-b", h.definition()); err != nil {
		t.Fatalf("DefineTask failed: %v", err)
	}
	if _, err := h.svc.RerunTask(ctx, "task-b"); !types.IsConflict(err) {
		t.Fatalf("expected conflict for unscheduled rerun, got %v", err)
	}
}

func TestRerunTaskRunLimit(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRunsAllowed = 2
	h := newHarness(t, WithPolicy(policy))
	ctx := context.Background()

	h.create(t, "task-a")
	for i := 0; i < 2; i++ {
		claim := h.claimOne(t)
		if _, err := h.svc.ReportFailed(ctx, "task-a", claim.RunID, worker1); err != nil {
			t.Fatalf("ReportFailed run %d failed: %v", claim.RunID, err)
		}
		if i == 0 {
			if _, err := h.svc.RerunTask(ctx, "task-a"); err != nil {
				t.Fatalf("RerunTask failed: %v", err)
			}
		}
	}
	if _, err := h.svc.RerunTask(ctx, "task-a"); !types.IsConflict(err) {
		t.Fatalf("expected conflict at the run limit, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "task-a")
	status, err := h.svc.CancelTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if diff := cmp.Diff([]string{"exception/scheduled/canceled"}, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs (-want +got):\n%s", diff)
	}
	if n, _ := h.store.Count(ctx, testQueue); n != 0 {
		t.Fatalf("cancel should drop the hint, %d left", n)
	}

	again, err := h.svc.CancelTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("second CancelTask failed: %v", err)
	}
	if diff := cmp.Diff(status, again); diff != "" {
		t.Fatalf("cancel of a resolved task changed it (-first +second):\n%s", diff)
	}
	if got := h.events.count(types.EventTaskException, "task-a"); got != 1 {
		t.Fatalf("expected one task-exception event, got %d", got)
	}

	if _, err := h.svc.DefineTask(ctx, "task-b", h.definition()); err != nil {
		t.Fatalf("DefineTask failed: %v", err)
	}
	status, err = h.svc.CancelTask(ctx, "task-b")
	if err != nil {
		t.Fatalf("CancelTask of unscheduled task failed: %v", err)
	}
	if diff := cmp.Diff([]string{"exception/exception/canceled"}, runStates(status)); diff != "" {
		t.Fatalf("unexpected runs (-want +got):\n%s", diff)
	}
}

func TestCancelTaskGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "task-a", withGroup("group-g"))
	h.create(t, "task-b", withGroup("group-g"))

	if _, err := h.svc.CancelTaskGroup(ctx, "group-g"); !types.IsConflict(err) {
		t.Fatalf("expected conflict for unsealed group, got %v", err)
	}
	group, err := h.svc.SealTaskGroup(ctx, "group-g")
	if err != nil {
		t.Fatalf("SealTaskGroup failed: %v", err)
	}
	if group.Sealed == nil {
		t.Fatal("sealed group has no seal time")
	}
	if _, err := h.svc.CreateTask(ctx, "task-c", h.definition(withGroup("group-g"))); !types.IsConflict(err) {
		t.Fatalf("expected conflict adding to a sealed group, got %v", err)
	}

	res, err := h.svc.CancelTaskGroup(ctx, "group-g")
	if err != nil {
		t.Fatalf("CancelTaskGroup failed: %v", err)
	}
	if res.TaskGroupSize != 2 || res.CancelledCount != 2 {
		t.Fatalf("expected 2 of 2 cancelled, got %+v", res)
	}
	if diff := cmp.Diff([]string{"task-a", "task-b"}, res.TaskIDs); diff != "" {
		t.Fatalf("unexpected cancelled ids (-want +got):\n%s", diff)
	}
	if got := h.events.count(types.EventTaskGroupResolved, ""); got != 1 {
		t.Fatalf("expected one task-group-resolved event, got %d", got)
	}

	res, err = h.svc.CancelTaskGroup(ctx, "group-g")
	if err != nil {
		t.Fatalf("second CancelTaskGroup failed: %v", err)
	}
	if res.CancelledCount != 0 || len(res.TaskIDs) != 0 {
		t.Fatalf("second cancel should cancel nothing, got %+v", res)
	}

	if _, err := h.svc.CancelTaskGroup(ctx, "missing"); !types.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListTaskGroupPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"task-a", "task-b", "task-c"} {
		h.create(t, id, withGroup("group-l"))
	}
	var got []string
	query := ListQuery{Limit: 2}
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatal("listing did not terminate")
		}
		listing, err := h.svc.ListTaskGroup(ctx, "group-l", query)
		if err != nil {
			t.Fatalf("ListTaskGroup failed: %v", err)
		}
		for _, task := range listing.Tasks {
			got = append(got, task.TaskID)
		}
		if listing.ContinuationToken == "" {
			break
		}
		query.ContinuationToken = listing.ContinuationToken
	}
	if diff := cmp.Diff([]string{"task-a", "task-b", "task-c"}, got); diff != "" {
		t.Fatalf("unexpected members (-want +got):\n%s", diff)
	}
}

func TestCreateArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "task-a")
	artifact := types.Artifact{TaskID: "task-a", RunID: 0, Name: "public/logs/live.log", StorageType: "s3"}
	if _, err := h.svc.CreateArtifact(ctx, artifact); !types.IsConflict(err) {
		t.Fatalf("expected conflict for a pending run, got %v", err)
	}

	claim := h.claimOne(t)
	stored, err := h.svc.CreateArtifact(ctx, artifact)
	if err != nil {
		t.Fatalf("CreateArtifact failed: %v", err)
	}
	if stored.ContentType != "application/octet-stream" || !stored.Expires.Equal(claim.Task.Expires) {
		t.Fatalf("defaults not applied: %+v", stored)
	}

	changed := artifact
	changed.StorageType = "reference"
	if _, err := h.svc.CreateArtifact(ctx, changed); !types.IsConflict(err) {
		t.Fatalf("expected conflict for changed metadata, got %v", err)
	}

	if _, err := h.svc.ReportCompleted(ctx, "task-a", claim.RunID, worker1); err != nil {
		t.Fatalf("ReportCompleted failed: %v", err)
	}
	replayed, err := h.svc.CreateArtifact(ctx, artifact)
	if err != nil {
		t.Fatalf("replaying an identical artifact after resolution failed: %v", err)
	}
	if diff := cmp.Diff(stored, replayed); diff != "" {
		t.Fatalf("replay returned a different artifact (-want +got):\n%s", diff)
	}

	artifacts, err := h.svc.ListArtifacts(ctx, "task-a", 0)
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected one artifact, got %d", len(artifacts))
	}

	late := artifact
	late.Name = "public/late.txt"
	late.Expires = claim.Task.Expires.Add(time.Hour)
	if _, err := h.svc.CreateArtifact(ctx, late); !types.IsInputError(err) {
		t.Fatalf("expected input error for artifact outliving its task, got %v", err)
	}
}

func TestPendingCountAndRepairHints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "task-a")
	h.create(t, "task-b")
	n, err := h.svc.PendingCount(ctx, testQueue)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}
	pushed, err := h.svc.RepairHints(ctx)
	if err != nil {
		t.Fatalf("RepairHints failed: %v", err)
	}
	if pushed != 0 {
		t.Fatalf("inline hints need no repair, pushed %d", pushed)
	}
}
