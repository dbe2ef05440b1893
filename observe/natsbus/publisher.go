// Package natsbus publishes task and task group events on NATS subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskcluster/taskcluster-sub006/observe"
)

var ErrClosed = errors.New("natsbus: connection closed")

// Config holds NATS connection configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	Token    string
	User     string
	Password string

	// SubjectPrefix is prepended to every subject. Events are published on
	// <prefix>.<event name> and once more per route on <prefix>.route.<route>.
	SubjectPrefix string

	ReconnectWait time.Duration
	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "taskqueue",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Publisher implements observe.Sink for task and group events. Other event
// kinds are ignored.
type Publisher struct {
	conn   *nats.Conn
	config Config
	owned  bool
}

func New(cfg Config) (*Publisher, error) {
	cfg = normalize(cfg)
	conn, err := nats.Connect(cfg.URL, buildOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{conn: conn, config: cfg, owned: true}, nil
}

// NewFromConn wraps an existing connection. Close leaves it open.
func NewFromConn(conn *nats.Conn, cfg Config) *Publisher {
	return &Publisher{conn: conn, config: normalize(cfg)}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	cfg.SubjectPrefix = strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	return cfg
}

func buildOptions(cfg Config) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Subject returns the subject an event of the given name is published on.
func (p *Publisher) Subject(name string) string {
	return p.config.SubjectPrefix + "." + name
}

func (p *Publisher) Emit(_ context.Context, event observe.Event) error {
	if event.Kind != observe.KindTask && event.Kind != observe.KindGroup {
		return nil
	}
	if p.conn.IsClosed() {
		return ErrClosed
	}
	body := []byte(event.Payload)
	if len(body) == 0 {
		var err error
		if body, err = json.Marshal(event); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}

	if err := p.conn.Publish(p.Subject(event.Name), body); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	for _, route := range event.Routes {
		if !validToken(route) {
			continue
		}
		if err := p.conn.Publish(p.config.SubjectPrefix+".route."+route, body); err != nil {
			return fmt.Errorf("nats publish route %s: %w", route, err)
		}
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (p *Publisher) Flush(ctx context.Context) error {
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.conn == nil || !p.owned {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// validToken rejects routes that would turn into wildcard or malformed
// subjects.
func validToken(route string) bool {
	if route == "" || strings.ContainsAny(route, " \t\r\n*>") {
		return false
	}
	return !strings.HasPrefix(route, ".") && !strings.HasSuffix(route, ".") && !strings.Contains(route, "..")
}
