package redisindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/taskcluster/taskcluster-sub006/runtime/queue"
)

const (
	defaultPrefix     = "taskqueue:hints"
	defaultVisibility = 5 * time.Minute

	// priorityBand spaces priority ranks far enough apart that any
	// millisecond insertion time fits inside one band.
	priorityBand = 1e13
	maxRank      = 5

	tokenSep = "|"
)

// Index keeps pending hints in one sorted set per task queue. Lower scores
// pop first: the score is the inverted priority band plus the insertion time
// in milliseconds. Polled hints move to an inflight set scored by the time
// they become visible again.
type Index struct {
	client     *goredis.Client
	addr       string
	password   string
	db         int
	prefix     string
	visibility time.Duration
	now        func() time.Time
}

type Option func(*Index)

func WithClient(client *goredis.Client) Option {
	return func(ix *Index) {
		if client != nil {
			ix.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(ix *Index) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			ix.prefix = prefix
		}
	}
}

func WithPassword(password string) Option {
	return func(ix *Index) { ix.password = password }
}

func WithDB(db int) Option {
	return func(ix *Index) { ix.db = db }
}

func WithVisibility(d time.Duration) Option {
	return func(ix *Index) {
		if d > 0 {
			ix.visibility = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(ix *Index) {
		if now != nil {
			ix.now = now
		}
	}
}

func New(addr string, opts ...Option) (*Index, error) {
	addr = strings.TrimSpace(addr)
	ix := &Index{
		addr:       addr,
		prefix:     defaultPrefix,
		visibility: defaultVisibility,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.client == nil {
		if addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		ix.client = goredis.NewClient(&goredis.Options{Addr: ix.addr, Password: ix.password, DB: ix.db})
	}
	if err := ix.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return ix, nil
}

func (ix *Index) pendingKey(taskQueueID string) string {
	return ix.prefix + ":pending:" + taskQueueID
}

func (ix *Index) inflightKey(taskQueueID string) string {
	return ix.prefix + ":inflight:" + taskQueueID
}

func (ix *Index) hintKey(hintID string) string {
	return ix.prefix + ":hint:" + hintID
}

func score(hint queue.Hint) float64 {
	rank := hint.Priority.Rank()
	return float64(maxRank-rank)*priorityBand + float64(hint.Inserted.UnixMilli())
}

func inflightMember(hintID, token string) string {
	return hintID + tokenSep + token
}

// Push stores the hint payload until the hint expires and adds it to the
// pending set. A hint that is already pending keeps its position.
func (ix *Index) Push(ctx context.Context, hint queue.Hint) error {
	if hint.HintID == "" {
		hint.HintID = queue.HintID(hint.TaskID, hint.RunID)
	}
	hint.ClaimToken = ""
	ttl := hint.Expires.Sub(ix.now())
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("failed to marshal hint: %w", err)
	}
	pipe := ix.client.TxPipeline()
	pipe.Set(ctx, ix.hintKey(hint.HintID), payload, ttl)
	pipe.ZAddNX(ctx, ix.pendingKey(hint.TaskQueueID), goredis.Z{Score: score(hint), Member: hint.HintID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push hint: %w", err)
	}
	return nil
}

// Poll pops up to limit hints. ZREM decides which of several concurrent
// pollers gets a hint.
func (ix *Index) Poll(ctx context.Context, taskQueueID string, limit int) ([]queue.Hint, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ix.restoreLapsed(ctx, taskQueueID); err != nil {
		return nil, err
	}

	pendingKey := ix.pendingKey(taskQueueID)
	out := make([]queue.Hint, 0, limit)
	for len(out) < limit {
		ids, err := ix.client.ZRange(ctx, pendingKey, 0, int64(limit-len(out))-1).Result()
		if err != nil && err != goredis.Nil {
			return out, fmt.Errorf("failed to read pending hints: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			removed, err := ix.client.ZRem(ctx, pendingKey, id).Result()
			if err != nil {
				return out, fmt.Errorf("failed to pop hint %s: %w", id, err)
			}
			if removed == 0 {
				continue
			}
			hint, ok, err := ix.load(ctx, id)
			if err != nil {
				return out, err
			}
			if !ok {
				// payload expired with the hint
				continue
			}
			hint.ClaimToken = uuid.NewString()
			visibleAt := ix.now().Add(ix.visibility).UnixMilli()
			if err := ix.client.ZAdd(ctx, ix.inflightKey(taskQueueID), goredis.Z{
				Score:  float64(visibleAt),
				Member: inflightMember(id, hint.ClaimToken),
			}).Err(); err != nil {
				return out, fmt.Errorf("failed to mark hint %s inflight: %w", id, err)
			}
			out = append(out, hint)
		}
	}
	return out, nil
}

// restoreLapsed moves inflight hints whose visibility ran out back to the
// pending set.
func (ix *Index) restoreLapsed(ctx context.Context, taskQueueID string) error {
	inflightKey := ix.inflightKey(taskQueueID)
	lapsed, err := ix.client.ZRangeByScore(ctx, inflightKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(ix.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to read lapsed hints: %w", err)
	}
	for _, member := range lapsed {
		removed, err := ix.client.ZRem(ctx, inflightKey, member).Result()
		if err != nil {
			return fmt.Errorf("failed to remove lapsed hint: %w", err)
		}
		if removed == 0 {
			continue
		}
		hintID, _, _ := strings.Cut(member, tokenSep)
		if err := ix.requeue(ctx, hintID); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) requeue(ctx context.Context, hintID string) error {
	hint, ok, err := ix.load(ctx, hintID)
	if err != nil || !ok {
		return err
	}
	if err := ix.client.ZAddNX(ctx, ix.pendingKey(hint.TaskQueueID), goredis.Z{Score: score(hint), Member: hintID}).Err(); err != nil {
		return fmt.Errorf("failed to requeue hint %s: %w", hintID, err)
	}
	return nil
}

func (ix *Index) load(ctx context.Context, hintID string) (queue.Hint, bool, error) {
	raw, err := ix.client.Get(ctx, ix.hintKey(hintID)).Result()
	if err == goredis.Nil {
		return queue.Hint{}, false, nil
	}
	if err != nil {
		return queue.Hint{}, false, fmt.Errorf("failed to load hint %s: %w", hintID, err)
	}
	var hint queue.Hint
	if err := json.Unmarshal([]byte(raw), &hint); err != nil {
		// an unreadable payload can never be claimed; drop it
		_ = ix.client.Del(ctx, ix.hintKey(hintID)).Err()
		return queue.Hint{}, false, nil
	}
	return hint, true, nil
}

// Delete drops a polled hint for good. Deleting with a stale token is a
// no-op.
func (ix *Index) Delete(ctx context.Context, hint queue.Hint) error {
	removed, err := ix.client.ZRem(ctx, ix.inflightKey(hint.TaskQueueID), inflightMember(hint.HintID, hint.ClaimToken)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete hint: %w", err)
	}
	if removed == 0 {
		return nil
	}
	if err := ix.client.Del(ctx, ix.hintKey(hint.HintID)).Err(); err != nil {
		return fmt.Errorf("failed to delete hint payload: %w", err)
	}
	return nil
}

// Release returns a polled hint to the pending set at its original position.
func (ix *Index) Release(ctx context.Context, hint queue.Hint) error {
	removed, err := ix.client.ZRem(ctx, ix.inflightKey(hint.TaskQueueID), inflightMember(hint.HintID, hint.ClaimToken)).Result()
	if err != nil {
		return fmt.Errorf("failed to release hint: %w", err)
	}
	if removed == 0 {
		return nil
	}
	return ix.requeue(ctx, hint.HintID)
}

func (ix *Index) Count(ctx context.Context, taskQueueID string) (int, error) {
	n, err := ix.client.ZCard(ctx, ix.pendingKey(taskQueueID)).Result()
	if err != nil && err != goredis.Nil {
		return 0, fmt.Errorf("failed to count hints: %w", err)
	}
	return int(n), nil
}

func (ix *Index) Close() error {
	if ix == nil || ix.client == nil {
		return nil
	}
	return ix.client.Close()
}

var _ queue.Index = (*Index)(nil)
