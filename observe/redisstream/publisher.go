// Package redisstream publishes task and task group events to Redis streams,
// one stream per event name.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taskcluster/taskcluster-sub006/observe"
)

const (
	defaultPrefix = "taskqueue:events"
	defaultMaxLen = 100000
)

type Publisher struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	maxLen   int64
}

type Option func(*Publisher)

func WithClient(client *goredis.Client) Option {
	return func(p *Publisher) {
		if client != nil {
			p.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

func WithPassword(password string) Option {
	return func(p *Publisher) { p.password = password }
}

func WithDB(db int) Option {
	return func(p *Publisher) { p.db = db }
}

// WithMaxLen caps each stream approximately; zero disables trimming.
func WithMaxLen(n int64) Option {
	return func(p *Publisher) {
		if n >= 0 {
			p.maxLen = n
		}
	}
}

func New(addr string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		addr:   strings.TrimSpace(addr),
		prefix: defaultPrefix,
		maxLen: defaultMaxLen,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		if p.addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		p.client = goredis.NewClient(&goredis.Options{Addr: p.addr, Password: p.password, DB: p.db})
	}
	if err := p.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return p, nil
}

// Stream returns the stream key events of the given name are appended to.
func (p *Publisher) Stream(name string) string {
	return p.prefix + ":" + name
}

func (p *Publisher) Emit(ctx context.Context, event observe.Event) error {
	if event.Kind != observe.KindTask && event.Kind != observe.KindGroup {
		return nil
	}
	body := string(event.Payload)
	if body == "" {
		raw, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		body = string(raw)
	}
	routes, err := json.Marshal(event.Routes)
	if err != nil {
		return fmt.Errorf("failed to encode routes: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: p.Stream(event.Name),
		Values: map[string]any{
			"payload":     body,
			"taskId":      event.TaskID,
			"taskGroupId": event.TaskGroupID,
			"routes":      string(routes),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Name, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
