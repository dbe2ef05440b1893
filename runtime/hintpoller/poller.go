// Package hintpoller batches claim requests for one task queue into index
// polls and hands the hints out in request order.
package hintpoller

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskcluster/taskcluster-sub006/observe"
	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
)

var ErrDestroyed = errors.New("claim requested after destroy")

type pollerState int

const (
	stateIdle pollerState = iota
	statePolling
	stateDestroyed
)

const (
	requestPending int32 = iota
	requestAnswered
	requestAborted
)

type request struct {
	count  int
	status atomic.Int32
	reply  chan []queue.Hint
}

// answer marks the request answered. It fails when the caller gave up first.
func (r *request) answer(hints []queue.Hint) bool {
	if !r.status.CompareAndSwap(requestPending, requestAnswered) {
		return false
	}
	r.reply <- hints
	return true
}

// Poller serves claim requests for a single partition. One goroutine owns the
// polling loop; callers only enqueue requests and wait on their reply
// channel. Once the request queue drains the poller destroys itself.
type Poller struct {
	partition string
	index     queue.Index
	sink      observe.Sink
	backoff   time.Duration
	onDestroy func(*Poller)
	ctx       context.Context

	mu       sync.Mutex
	state    pollerState
	requests []*request
	done     chan struct{}
}

func newPoller(ctx context.Context, partition string, index queue.Index, sink observe.Sink, backoff time.Duration, onDestroy func(*Poller)) *Poller {
	if sink == nil {
		sink = observe.NoopSink{}
	}
	return &Poller{
		ctx:       ctx,
		partition: partition,
		index:     index,
		sink:      sink,
		backoff:   backoff,
		onDestroy: onDestroy,
		done:      make(chan struct{}),
	}
}

func (p *Poller) Partition() string {
	return p.partition
}

// startLocked launches the polling loop on the first request.
func (p *Poller) startLocked() {
	if p.state != stateIdle {
		return
	}
	p.state = statePolling
	go p.loop(p.ctx)
}

// abandon destroys a poller that never started.
func (p *Poller) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateIdle {
		p.state = stateDestroyed
		close(p.done)
	}
}

// Done is closed once the poller is destroyed and its loop has returned.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// RequestClaim waits for up to count hints. It returns an empty slice when ctx
// ends before hints were handed over; hints handed over are never taken back.
func (p *Poller) RequestClaim(ctx context.Context, count int) ([]queue.Hint, error) {
	if count <= 0 {
		return []queue.Hint{}, nil
	}
	req := &request{count: count, reply: make(chan []queue.Hint, 1)}
	p.mu.Lock()
	if p.state == stateDestroyed {
		p.mu.Unlock()
		return nil, ErrDestroyed
	}
	p.requests = append(p.requests, req)
	p.startLocked()
	p.mu.Unlock()

	select {
	case hints := <-req.reply:
		return hints, nil
	case <-ctx.Done():
	}
	if !req.status.CompareAndSwap(requestPending, requestAborted) {
		// The loop answered concurrently.
		return <-req.reply, nil
	}
	p.mu.Lock()
	p.removeLocked(req)
	p.mu.Unlock()
	return []queue.Hint{}, nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	for {
		limit, ok := p.demand()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			p.shutdown()
			return
		}
		p.iterate(ctx, limit)
	}
}

// demand sums the outstanding request counts, or destroys the poller when
// nothing is waiting.
func (p *Poller) demand() (int, bool) {
	p.mu.Lock()
	live := p.requests[:0]
	limit := 0
	for _, req := range p.requests {
		if req.status.Load() != requestPending {
			continue
		}
		live = append(live, req)
		limit += req.count
	}
	clear(p.requests[len(live):])
	p.requests = live
	if limit > 0 {
		p.mu.Unlock()
		return limit, true
	}
	p.state = stateDestroyed
	p.requests = nil
	p.mu.Unlock()
	if p.onDestroy != nil {
		p.onDestroy(p)
	}
	return 0, false
}

func (p *Poller) iterate(ctx context.Context, limit int) {
	started := time.Now()
	hints, err := p.index.Poll(ctx, p.partition, limit)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[hintpoller] poll queue=%s limit=%d failed: %v", p.partition, limit, err)
		}
		hints = nil
	}

	claimed := 0
	p.mu.Lock()
	for len(hints) > 0 && len(p.requests) > 0 {
		req := p.requests[0]
		p.requests[0] = nil
		p.requests = p.requests[1:]
		n := min(req.count, len(hints))
		if !req.answer(hints[:n:n]) {
			continue
		}
		hints = hints[n:]
		claimed += n
	}
	p.mu.Unlock()

	released := 0
	for _, hint := range hints {
		if err := p.index.Release(ctx, hint); err != nil {
			log.Printf("[hintpoller] release hint=%s queue=%s failed: %v", hint.HintID, p.partition, err)
			continue
		}
		released++
	}

	slept := claimed == 0
	p.observe(ctx, started, claimed, released, slept)
	if slept {
		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (p *Poller) observe(ctx context.Context, started time.Time, claimed, released int, slept bool) {
	event := observe.Event{
		Timestamp:   time.Now().UTC(),
		Kind:        observe.KindPoller,
		Status:      observe.StatusCompleted,
		Name:        "iteration",
		TaskQueueID: p.partition,
		DurationMs:  time.Since(started).Milliseconds(),
		Attributes: map[string]any{
			"claimed":  claimed,
			"released": released,
			"slept":    slept,
		},
	}
	if err := p.sink.Emit(ctx, event); err != nil && ctx.Err() == nil {
		log.Printf("[hintpoller] emit iteration queue=%s failed: %v", p.partition, err)
	}
}

// shutdown destroys the poller and answers waiting requests with no hints.
func (p *Poller) shutdown() {
	p.mu.Lock()
	if p.state == stateDestroyed {
		p.mu.Unlock()
		return
	}
	p.state = stateDestroyed
	pending := p.requests
	p.requests = nil
	p.mu.Unlock()
	for _, req := range pending {
		req.answer([]queue.Hint{})
	}
	if p.onDestroy != nil {
		p.onDestroy(p)
	}
}

func (p *Poller) removeLocked(target *request) {
	for i, req := range p.requests {
		if req == target {
			p.requests = append(p.requests[:i], p.requests[i+1:]...)
			return
		}
	}
}
