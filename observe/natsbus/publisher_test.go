package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/taskcluster/taskcluster-sub006/observe"
)

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	conn, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestPublisher_TaskEventsAndRoutes(t *testing.T) {
	conn := connect(t)
	prefix := "tqtest" + uuid.NewString()[:8]
	pub := NewFromConn(conn, Config{SubjectPrefix: prefix})

	sub, err := conn.SubscribeSync(prefix + ".>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	event := observe.Event{
		Kind:    observe.KindTask,
		Name:    "task-completed",
		TaskID:  "task-a",
		Routes:  []string{"index.project.a", "bad route", "*"},
		Payload: []byte(`{"type":"task-completed"}`),
	}
	if err := pub.Emit(ctx, event); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := pub.Emit(ctx, observe.Event{Kind: observe.KindPoller, Name: "iteration"}); err != nil {
		t.Fatalf("emit poller: %v", err)
	}
	if err := pub.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var subjects []string
	for {
		msg, err := sub.NextMsg(500 * time.Millisecond)
		if err != nil {
			break
		}
		subjects = append(subjects, msg.Subject)
		if string(msg.Data) != `{"type":"task-completed"}` {
			t.Fatalf("unexpected body %s", msg.Data)
		}
	}
	want := []string{prefix + ".task-completed", prefix + ".route.index.project.a"}
	if len(subjects) != len(want) {
		t.Fatalf("expected subjects %v, got %v", want, subjects)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Fatalf("expected subjects %v, got %v", want, subjects)
		}
	}
}

func TestValidToken(t *testing.T) {
	cases := map[string]bool{
		"index.project.a": true,
		"":                false,
		"a b":             false,
		"a.*":             false,
		"a.>":             false,
		".a":              false,
		"a..b":            false,
	}
	for route, want := range cases {
		if got := validToken(route); got != want {
			t.Fatalf("validToken(%q) = %v, want %v", route, got, want)
		}
	}
}
