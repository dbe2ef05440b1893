package cli

import (
	"fmt"
	"strings"
)

func printUsage() {
	fmt.Println("Task queue service")
	fmt.Println("Usage:")
	fmt.Println("  taskqueue serve [--config=taskqueue.yaml] [--metrics-addr=:9464]")
	fmt.Println("  taskqueue sweep [--config=taskqueue.yaml] [--jobs=claim-expiry,deadline] [job...]")
	fmt.Println("  taskqueue status [--config=taskqueue.yaml] <task-id>")
	fmt.Println("  taskqueue pending [--config=taskqueue.yaml] <task-queue-id>")
	fmt.Println()
	fmt.Printf("  sweep jobs: %s\n", strings.Join(sweepJobNames(), ", "))
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  TASKQUEUE_STORE_PATH          SQLite database path")
	fmt.Println("  TASKQUEUE_INDEX_BACKEND       sqlite or redis")
	fmt.Println("  TASKQUEUE_REDIS_ADDR          Redis address for the hint index")
	fmt.Println("  TASKQUEUE_CLAIM_TIMEOUT       Claim duration (e.g. 20m)")
	fmt.Println("  TASKQUEUE_NATS_URL            Publish events to NATS")
	fmt.Println("  TASKQUEUE_EVENTS_REDIS_STREAM Publish events to Redis streams")
	fmt.Println("  TASKQUEUE_AUDIT_LOG_PATH      Record events in a SQLite audit log")
	fmt.Println("  TASKQUEUE_CREDENTIALS_SECRET  Sign temporary claim credentials")
	fmt.Println("  TASKQUEUE_METRICS_ADDR        Prometheus listen address")
}
