// Package redis is the SessionStore for deployments that already run Redis.
//
// Each session is a list of JSON entries under "gem:hist:{key}". Activity
// times live in the "gem:active" sorted set so expiry follows the store's
// clock; a native EXPIRE on the list reclaims memory if the sweeper never runs.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

const (
	histPrefix = "gem:hist:"
	activeKey  = "gem:active"
)

// Store is a go-redis backed session store.
type Store struct {
	client *redis.Client
	opts   store.Options
}

// NewFromURL parses a redis:// URL and verifies connectivity.
func NewFromURL(redisURL string, opts store.Options) (*Store, error) {
	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, store.Wrap("open", "", fmt.Errorf("parse redis url: %w", err))
	}
	client := redis.NewClient(ro)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, store.Wrap("open", "", fmt.Errorf("connect to redis: %w", err))
	}
	slog.Info("redis session store connected", "addr", ro.Addr)
	return New(client, opts), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts store.Options) *Store {
	return &Store{client: client, opts: opts.WithDefaults()}
}

// Client exposes the underlying client.
func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) lastActive(ctx context.Context, key string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, activeKey, key).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// live reports whether key exists and is not expired, deleting it when expired.
func (s *Store) live(ctx context.Context, key string) (bool, error) {
	at, ok, err := s.lastActive(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if s.opts.Expired(at) {
		return false, s.remove(ctx, key)
	}
	return true, nil
}

func (s *Store) remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	members := make([]any, len(keys))
	for i, k := range keys {
		pipe.Del(ctx, histPrefix+k)
		members[i] = k
	}
	pipe.ZRem(ctx, activeKey, members...)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) rangeEntries(ctx context.Context, key string, start int64) ([]store.HistoryEntry, error) {
	raw, err := s.client.LRange(ctx, histPrefix+key, start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]store.HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e store.HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) GetContext(ctx context.Context, key string) ([]store.HistoryEntry, error) {
	ok, err := s.live(ctx, key)
	if err != nil {
		return nil, store.Wrap("get context", key, err)
	}
	if !ok {
		return nil, nil
	}
	out, err := s.rangeEntries(ctx, key, -int64(s.opts.ContextCap))
	return out, store.Wrap("get context", key, err)
}

func (s *Store) History(ctx context.Context, key string) ([]store.HistoryEntry, error) {
	ok, err := s.live(ctx, key)
	if err != nil {
		return nil, store.Wrap("history", key, err)
	}
	if !ok {
		return nil, nil
	}
	out, err := s.rangeEntries(ctx, key, 0)
	return out, store.Wrap("history", key, err)
}

func (s *Store) AppendTurn(ctx context.Context, key string, user, assistant store.HistoryEntry) error {
	if _, err := s.live(ctx, key); err != nil {
		return store.Wrap("append", key, err)
	}
	u, err := json.Marshal(user)
	if err != nil {
		return store.Wrap("append", key, err)
	}
	a, err := json.Marshal(assistant)
	if err != nil {
		return store.Wrap("append", key, err)
	}

	list := histPrefix + key
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, list, u, a)
	pipe.LTrim(ctx, list, -int64(s.opts.StorageCap), -1)
	pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(s.opts.Now().UnixMilli()), Member: key})
	pipe.Expire(ctx, list, s.opts.TTL)
	_, err = pipe.Exec(ctx)
	return store.Wrap("append", key, err)
}

func (s *Store) Clear(ctx context.Context, key string) error {
	return store.Wrap("clear", key, s.remove(ctx, key))
}

func (s *Store) Touch(ctx context.Context, key string) error {
	ok, err := s.live(ctx, key)
	if err != nil || !ok {
		return store.Wrap("touch", key, err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(s.opts.Now().UnixMilli()), Member: key})
	pipe.Expire(ctx, histPrefix+key, s.opts.TTL)
	_, err = pipe.Exec(ctx)
	return store.Wrap("touch", key, err)
}

func (s *Store) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.TTL).UnixMilli()
	keys, err := s.client.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, store.Wrap("sweep", "", err)
	}
	if err := s.remove(ctx, keys...); err != nil {
		return 0, store.Wrap("sweep", "", err)
	}
	return len(keys), nil
}

func (s *Store) Close() error { return s.client.Close() }

var _ store.SessionStore = (*Store)(nil)
