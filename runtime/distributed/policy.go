package distributed

import "time"

// Policy holds the tunables of the queue. The zero value of a field means
// its default.
type Policy struct {
	// ClaimTimeout is how long a claim lasts before it must be reclaimed.
	ClaimTimeout time.Duration
	// PollBackoff is the hint poller's sleep after an empty iteration.
	PollBackoff          time.Duration
	ResolverPollInterval time.Duration
	// ResolvedVisibility hides a leased resolution entry from other
	// resolvers until it is deleted or the lease lapses.
	ResolvedVisibility time.Duration
	ResolverBatchSize  int
	ReaperBatchSize    int
	SweepBatchSize     int
	MaxTaskDeadline    time.Duration
	MaxRunsAllowed     int
	// FreeWorkerRetries keeps retriesLeft unchanged when a worker reports a
	// retryable exception. Claim expiry always consumes a retry.
	FreeWorkerRetries bool
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ClaimTimeout:         20 * time.Minute,
		PollBackoff:          2 * time.Second,
		ResolverPollInterval: 5 * time.Second,
		ResolvedVisibility:   time.Minute,
		ResolverBatchSize:    32,
		ReaperBatchSize:      100,
		SweepBatchSize:       500,
		MaxTaskDeadline:      5 * 24 * time.Hour,
		MaxRunsAllowed:       50,
		BaseBackoff:          500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
	}
}

func NormalizePolicy(policy Policy) Policy {
	def := DefaultPolicy()
	if policy.ClaimTimeout <= 0 {
		policy.ClaimTimeout = def.ClaimTimeout
	}
	if policy.PollBackoff <= 0 {
		policy.PollBackoff = def.PollBackoff
	}
	if policy.ResolverPollInterval <= 0 {
		policy.ResolverPollInterval = def.ResolverPollInterval
	}
	if policy.ResolvedVisibility <= 0 {
		policy.ResolvedVisibility = def.ResolvedVisibility
	}
	if policy.ResolverBatchSize <= 0 {
		policy.ResolverBatchSize = def.ResolverBatchSize
	}
	if policy.ReaperBatchSize <= 0 {
		policy.ReaperBatchSize = def.ReaperBatchSize
	}
	if policy.SweepBatchSize <= 0 {
		policy.SweepBatchSize = def.SweepBatchSize
	}
	if policy.MaxTaskDeadline <= 0 {
		policy.MaxTaskDeadline = def.MaxTaskDeadline
	}
	if policy.MaxRunsAllowed <= 0 {
		policy.MaxRunsAllowed = def.MaxRunsAllowed
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = def.BaseBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = policy.BaseBackoff
	}
	return policy
}

// Backoff is the wait before the next pass of a background loop after
// attempt consecutive failures.
func (p Policy) Backoff(attempt int) time.Duration {
	p = NormalizePolicy(p)
	if attempt <= 0 {
		attempt = 1
	}
	backoff := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}
