package types

import (
	"fmt"
	"strings"
)

// ScopeSatisfied reports whether one of the held scopes grants need. A held
// scope ending in '*' grants every scope with that prefix.
func ScopeSatisfied(have []string, need string) bool {
	for _, scope := range have {
		if scope == need {
			return true
		}
		if prefix, ok := strings.CutSuffix(scope, "*"); ok && strings.HasPrefix(need, prefix) {
			return true
		}
	}
	return false
}

// CheckScopes returns an InsufficientScopes error naming the first missing
// scope, or nil when all of required are held.
func CheckScopes(have, required []string) error {
	for _, need := range required {
		if !ScopeSatisfied(have, need) {
			return InsufficientScopes(required).With("missing", need)
		}
	}
	return nil
}

// CreateTaskScopes lists what a caller must hold to create def: the task's
// own scopes (no escalation), its queue at its priority, its scheduler and
// its routes.
func CreateTaskScopes(def TaskDefinition) []string {
	out := append([]string{}, def.Scopes...)
	out = append(out,
		fmt.Sprintf("queue:create-task:%s:%s", def.Priority, def.TaskQueueID),
		fmt.Sprintf("queue:scheduler-id:%s", def.SchedulerID),
	)
	for _, route := range def.Routes {
		out = append(out, "queue:route:"+route)
	}
	return out
}

func ScheduleTaskScopes(status TaskStatus) []string {
	return []string{fmt.Sprintf("queue:schedule-task:%s/%s/%s", status.SchedulerID, status.TaskGroupID, status.TaskID)}
}

func CancelTaskScopes(status TaskStatus) []string {
	return []string{fmt.Sprintf("queue:cancel-task:%s/%s/%s", status.SchedulerID, status.TaskGroupID, status.TaskID)}
}

func ClaimWorkScopes(taskQueueID, workerGroup, workerID string) []string {
	return []string{
		"queue:claim-work:" + taskQueueID,
		fmt.Sprintf("queue:worker-id:%s/%s", workerGroup, workerID),
	}
}

// RunScopes are granted to the worker holding a claim on the run.
func RunScopes(taskID string, runID int) []string {
	return []string{
		fmt.Sprintf("queue:reclaim-task:%s/%d", taskID, runID),
		fmt.Sprintf("queue:resolve-task:%s/%d", taskID, runID),
		fmt.Sprintf("queue:create-artifact:%s/%d", taskID, runID),
	}
}
