package observe

import (
	"context"
	"errors"
	"log"
	"sync"
)

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(ctx context.Context, event Event) error {
	_ = ctx
	_ = event
	return nil
}

type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		return NoopSink{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

// Emit delivers to every sink even when one fails, and joins the failures.
func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FilterSink forwards only events of the given kinds.
type FilterSink struct {
	downstream Sink
	kinds      map[Kind]bool
}

func NewFilterSink(downstream Sink, kinds ...Kind) *FilterSink {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	if downstream == nil {
		downstream = NoopSink{}
	}
	return &FilterSink{downstream: downstream, kinds: set}
}

func (f *FilterSink) Emit(ctx context.Context, event Event) error {
	if f == nil || !f.kinds[event.Kind] {
		return nil
	}
	return f.downstream.Emit(ctx, event)
}

// AsyncSink decouples emitters from a slow downstream. Emit blocks while the
// buffer is full until ctx is done; Close drains what was queued.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	once       sync.Once
	done       chan struct{}
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
	}
	go as.loop()
	return as
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
		return nil
	}
}

func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		if err := s.downstream.Emit(context.Background(), event); err != nil {
			log.Printf("[observe] async emit %s/%s failed: %v", event.Kind, event.Name, err)
		}
	}
}
