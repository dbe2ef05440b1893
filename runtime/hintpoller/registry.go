package hintpoller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
)

const defaultBackoff = 2 * time.Second

type Option func(*Registry)

// WithBackoff sets how long a poller sleeps after an iteration that handed
// out nothing.
func WithBackoff(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// WithSink receives one poller event per iteration.
func WithSink(sink observe.Sink) Option {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// Registry owns the live pollers, one per partition. Pollers are created on
// the first request for a partition and leave the registry when they run out
// of requests.
type Registry struct {
	index   queue.Index
	sink    observe.Sink
	backoff time.Duration

	mu      sync.Mutex
	pollers map[string]*Poller
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRegistry(index queue.Index, opts ...Option) (*Registry, error) {
	if index == nil {
		return nil, fmt.Errorf("pending-work index is required")
	}
	r := &Registry{
		index:   index,
		sink:    observe.NoopSink{},
		backoff: defaultBackoff,
		pollers: map[string]*Poller{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start makes the registry accept requests. Pollers run until ctx ends or
// Stop is called. It does not block.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("hint poller registry already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	return nil
}

// Stop cancels every poller and waits for their loops to return. Requests
// still waiting are answered with no hints.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	pollers := make([]*Poller, 0, len(r.pollers))
	for _, p := range r.pollers {
		pollers = append(pollers, p)
	}
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	for _, p := range pollers {
		p.abandon()
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RequestClaim asks the partition's poller for up to count hints, creating
// the poller if needed.
func (r *Registry) RequestClaim(ctx context.Context, partition string, count int) ([]queue.Hint, error) {
	partition = strings.TrimSpace(partition)
	if partition == "" {
		return nil, fmt.Errorf("partition is required")
	}
	if count <= 0 {
		return []queue.Hint{}, nil
	}
	for {
		p, err := r.poller(partition)
		if err != nil {
			return nil, err
		}
		hints, err := p.RequestClaim(ctx, count)
		if errors.Is(err, ErrDestroyed) {
			// Lost the race with the poller's teardown; the next lookup
			// creates a fresh one.
			continue
		}
		return hints, err
	}
}

// Len reports the number of live pollers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pollers)
}

func (r *Registry) poller(partition string) (*Poller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return nil, fmt.Errorf("hint poller registry not started")
	}
	if err := r.ctx.Err(); err != nil {
		return nil, fmt.Errorf("hint poller registry stopped: %w", err)
	}
	if p, ok := r.pollers[partition]; ok {
		return p, nil
	}
	p := newPoller(r.ctx, partition, r.index, r.sink, r.backoff, r.forget)
	r.pollers[partition] = p
	return p, nil
}

func (r *Registry) forget(p *Poller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollers[p.partition] == p {
		delete(r.pollers, p.partition)
	}
}
