package distributed

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskcluster/taskcluster-sub006/credentials"
	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/runtime/hintpoller"
	"github.com/taskcluster/taskcluster-sub006/state"
	statesqlite "github.com/taskcluster/taskcluster-sub006/state/sqlite"
	"github.com/taskcluster/taskcluster-sub006/types"
)

const testQueue = "proj/linux"

var worker1 = Worker{WorkerGroup: "us-east", WorkerID: "w1"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []observe.Event
}

func (r *eventRecorder) Emit(_ context.Context, event observe.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// count returns how many events of type typ were published for taskID. An
// empty taskID matches every event of that type.
func (r *eventRecorder) count(typ types.EventType, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == string(typ) && (taskID == "" || e.TaskID == taskID) {
			n++
		}
	}
	return n
}

func (r *eventRecorder) ofKind(kind observe.Kind) []observe.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observe.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc    *Service
	store  *statesqlite.Store
	clock  *testClock
	events *eventRecorder
	issuer *credentials.TempIssuer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := statesqlite.New(filepath.Join(t.TempDir(), "queue.db"), statesqlite.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry, err := hintpoller.NewRegistry(store, hintpoller.WithBackoff(5*time.Millisecond))
	if err != nil {
		t.Fatalf("hint poller registry: %v", err)
	}
	if err := registry.Start(context.Background()); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Stop(ctx)
	})

	issuer, err := credentials.NewTempIssuer("static/taskqueue", "test-secret-0123456789", credentials.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	events := &eventRecorder{}
	base := []Option{WithClock(clock.Now), WithSink(events), WithIssuer(issuer)}
	svc, err := NewService(store, store, registry, append(base, opts...)...)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &harness{svc: svc, store: store, clock: clock, events: events, issuer: issuer}
}

func (h *harness) definition(mods ...func(*types.TaskDefinition)) types.TaskDefinition {
	now := h.clock.Now()
	def := types.TaskDefinition{
		TaskQueueID: testQueue,
		SchedulerID: "ci",
		TaskGroupID: "group-1",
		Priority:    types.PriorityNormal,
		Retries:     1,
		Created:     now,
		Deadline:    now.Add(time.Hour),
		Expires:     now.Add(48 * time.Hour),
		Payload:     []byte(`{"command": ["make", "test"]}`),
		Metadata:    types.TaskMetadata{Name: "test", Owner: "dev@example.com", Source: "https://example.com"},
	}
	for _, mod := range mods {
		mod(&def)
	}
	return def
}

func (h *harness) create(t *testing.T, taskID string, mods ...func(*types.TaskDefinition)) types.TaskStatus {
	t.Helper()
	status, err := h.svc.CreateTask(context.Background(), taskID, h.definition(mods...))
	if err != nil {
		t.Fatalf("CreateTask %s failed: %v", taskID, err)
	}
	return status
}

// claimOne claims a single task from the test queue, failing the test when
// nothing is claimable within a few seconds.
func (h *harness) claimOne(t *testing.T) ClaimedTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	claimed, err := h.svc.ClaimWork(ctx, ClaimWorkRequest{TaskQueueID: testQueue, WorkerGroup: worker1.WorkerGroup, WorkerID: worker1.WorkerID, Count: 1})
	if err != nil {
		t.Fatalf("ClaimWork failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one claim, got %d", len(claimed))
	}
	return claimed[0]
}

func (h *harness) record(t *testing.T, taskID string) state.TaskRecord {
	t.Helper()
	record, err := h.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask %s failed: %v", taskID, err)
	}
	return record
}

func withDeps(deps ...string) func(*types.TaskDefinition) {
	return func(def *types.TaskDefinition) { def.Dependencies = deps }
}

func withPriority(p types.Priority) func(*types.TaskDefinition) {
	return func(def *types.TaskDefinition) { def.Priority = p }
}

func withGroup(id string) func(*types.TaskDefinition) {
	return func(def *types.TaskDefinition) { def.TaskGroupID = id }
}

func withRetries(n int) func(*types.TaskDefinition) {
	return func(def *types.TaskDefinition) { def.Retries = n }
}

func runStates(status types.TaskStatus) []string {
	out := make([]string, 0, len(status.Runs))
	for _, run := range status.Runs {
		out = append(out, string(run.State)+"/"+string(run.ReasonCreated)+"/"+string(run.ReasonResolved))
	}
	return out
}
