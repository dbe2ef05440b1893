package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxRetries      = 49
	MaxDependencies = 10000

	defaultSchedulerID = "-"
	defaultProjectID   = "none"
	defaultExpiry      = 365 * 24 * time.Hour
)

var (
	slugPattern       = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,38}$`)
	taskQueuePattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,38}/[A-Za-z0-9_-]{1,38}$`)
)

// NewSlugID returns a url-safe base64 encoded v4 uuid, the id format used
// for tasks and task groups.
func NewSlugID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ValidSlug(id string) bool {
	return slugPattern.MatchString(id)
}

// TruncateTime drops sub-millisecond precision. Definitions are stored and
// compared at this precision.
func TruncateTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// Normalize fills defaults and brings the definition into its canonical
// form. It never fails; Validate reports problems with the result.
func Normalize(taskID string, def TaskDefinition) TaskDefinition {
	def.TaskQueueID = strings.TrimSpace(def.TaskQueueID)
	def.ProvisionerID = strings.TrimSpace(def.ProvisionerID)
	def.WorkerType = strings.TrimSpace(def.WorkerType)
	if def.TaskQueueID == "" && def.ProvisionerID != "" && def.WorkerType != "" {
		def.TaskQueueID = def.ProvisionerID + "/" + def.WorkerType
	}
	if prov, wt, ok := strings.Cut(def.TaskQueueID, "/"); ok {
		def.ProvisionerID, def.WorkerType = prov, wt
	}

	def.SchedulerID = strings.TrimSpace(def.SchedulerID)
	if def.SchedulerID == "" {
		def.SchedulerID = defaultSchedulerID
	}
	def.ProjectID = strings.TrimSpace(def.ProjectID)
	if def.ProjectID == "" {
		def.ProjectID = defaultProjectID
	}
	def.TaskGroupID = strings.TrimSpace(def.TaskGroupID)
	if def.TaskGroupID == "" {
		def.TaskGroupID = taskID
	}
	if def.Priority == "" {
		def.Priority = PriorityLowest
	}
	if def.Requires == "" {
		def.Requires = RequiresAllCompleted
	}

	def.Created = TruncateTime(def.Created)
	def.Deadline = TruncateTime(def.Deadline)
	def.Expires = TruncateTime(def.Expires)
	if def.Expires.IsZero() && !def.Deadline.IsZero() {
		def.Expires = def.Deadline.Add(defaultExpiry)
	}

	def.Dependencies = dedupe(def.Dependencies)
	def.Routes = nonNil(def.Routes)
	def.Scopes = nonNil(def.Scopes)
	if def.Tags == nil {
		def.Tags = map[string]string{}
	}
	def.Payload = canonicalJSON(def.Payload)
	def.Extra = canonicalJSON(def.Extra)
	return def
}

// Validate checks a normalized definition. maxDeadline bounds the distance
// between created and deadline; zero disables the check.
func Validate(taskID string, def TaskDefinition, maxDeadline time.Duration) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !ValidSlug(taskID) {
		add("taskId %q is not a valid id", taskID)
	}
	if !taskQueuePattern.MatchString(def.TaskQueueID) {
		add("taskQueueId %q must have the form <provisionerId>/<workerType>", def.TaskQueueID)
	}
	if def.SchedulerID != defaultSchedulerID && !identifierPattern.MatchString(def.SchedulerID) {
		add("schedulerId %q is not a valid identifier", def.SchedulerID)
	}
	if !identifierPattern.MatchString(def.ProjectID) {
		add("projectId %q is not a valid identifier", def.ProjectID)
	}
	if !ValidSlug(def.TaskGroupID) {
		add("taskGroupId %q is not a valid id", def.TaskGroupID)
	}
	if def.Priority.Rank() == 0 {
		add("unknown priority %q", def.Priority)
	}
	if def.Requires != RequiresAllCompleted && def.Requires != RequiresAllResolved {
		add("unknown requires policy %q", def.Requires)
	}
	if def.Retries < 0 || def.Retries > MaxRetries {
		add("retries must be between 0 and %d", MaxRetries)
	}

	switch {
	case def.Created.IsZero():
		add("created is required")
	case def.Deadline.IsZero():
		add("deadline is required")
	case def.Created.After(def.Deadline):
		add("created %s is after deadline %s", def.Created.Format(time.RFC3339), def.Deadline.Format(time.RFC3339))
	case def.Deadline.After(def.Expires):
		add("deadline %s is after expires %s", def.Deadline.Format(time.RFC3339), def.Expires.Format(time.RFC3339))
	case maxDeadline > 0 && def.Deadline.Sub(def.Created) > maxDeadline:
		add("deadline cannot be more than %s after created", maxDeadline)
	}

	if len(def.Dependencies) > MaxDependencies {
		add("at most %d dependencies are allowed", MaxDependencies)
	}
	for _, dep := range def.Dependencies {
		if !ValidSlug(dep) {
			add("dependency %q is not a valid id", dep)
		}
	}
	for _, scope := range def.Scopes {
		if strings.TrimSpace(scope) == "" {
			add("scopes must not be empty strings")
			break
		}
	}
	if len(def.Payload) > 0 && !json.Valid(def.Payload) {
		add("payload is not valid JSON")
	}
	if len(def.Extra) > 0 && !json.Valid(def.Extra) {
		add("extra is not valid JSON")
	}

	if len(problems) == 0 {
		return nil
	}
	return InputError("invalid task definition: %s", strings.Join(problems, "; ")).With("problems", problems)
}

// Equal compares two normalized definitions the way idempotent creation does:
// timestamps at millisecond precision and JSON documents by value.
func Equal(a, b TaskDefinition) bool {
	ca, err := json.Marshal(canonicalTimes(a))
	if err != nil {
		return false
	}
	cb, err := json.Marshal(canonicalTimes(b))
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func canonicalTimes(def TaskDefinition) TaskDefinition {
	def.Created = TruncateTime(def.Created)
	def.Deadline = TruncateTime(def.Deadline)
	def.Expires = TruncateTime(def.Expires)
	def.Payload = canonicalJSON(def.Payload)
	def.Extra = canonicalJSON(def.Extra)
	return def
}

// canonicalJSON re-encodes a document so key order and whitespace do not
// matter. Invalid documents, including ones with trailing data, are returned
// unchanged.
func canonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if _, err := dec.Token(); err != io.EOF {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
