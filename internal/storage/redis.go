package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"misskeybot/internal/event"
	logx "misskeybot/pkg/logx"
)

// redisStore keeps the ledger in Redis.
//
// Keys:
//   - <prefix>:processed:<cat>:<id>  record JSON, written with SETNX
//   - <prefix>:recent:<cat>          sorted set of ids scored by processed_at (ms)
//   - <prefix>:kv:<namespace>        hash of plugin data
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "misskeybot"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.Debug("redis ledger opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) recordKey(cat event.Category, id string) string {
	return s.prefix + ":processed:" + string(cat) + ":" + id
}

func (s *redisStore) recentKey(cat event.Category) string {
	return s.prefix + ":recent:" + string(cat)
}

func (s *redisStore) kvKey(namespace string) string { return s.prefix + ":kv:" + namespace }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) IsProcessed(ctx context.Context, cat event.Category, id string) (bool, error) {
	if !knownCategory(cat) {
		return false, errUnknownCategory(cat)
	}
	n, err := s.rdb.Exists(ctx, s.recordKey(cat, id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) MarkProcessed(ctx context.Context, r Record) error {
	if !knownCategory(r.Category) {
		return errUnknownCategory(r.Category)
	}
	if r.ID == "" {
		return errors.New("record id is required")
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	added, err := s.rdb.SetNX(ctx, s.recordKey(r.Category, r.ID), b, 0).Result()
	if err != nil || !added {
		return err
	}
	return s.rdb.ZAdd(ctx, s.recentKey(r.Category), redis.Z{
		Score:  float64(r.ProcessedAt.UnixMilli()),
		Member: r.ID,
	}).Err()
}

func (s *redisStore) Recent(ctx context.Context, cat event.Category, limit int) ([]Record, error) {
	if !knownCategory(cat) {
		return nil, errUnknownCategory(cat)
	}
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.ZRevRange(ctx, s.recentKey(cat), 0, int64(limit-1)).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(cat, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Debug("redis record undecodable", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	upper := strconv.FormatInt(time.Now().Add(-age).UnixMilli()-1, 10)
	var total int64
	for _, cat := range Categories {
		zkey := s.recentKey(cat)
		ids, err := s.rdb.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.recordKey(cat, id)
		}
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, keys...)
			p.ZRemRangeByScore(ctx, zkey, "-inf", upper)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += int64(len(ids))
	}
	return total, nil
}

func (s *redisStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Counts: map[event.Category]int64{}}
	for _, cat := range Categories {
		zkey := s.recentKey(cat)
		n, err := s.rdb.ZCard(ctx, zkey).Result()
		if err != nil {
			return st, err
		}
		st.Counts[cat] = n
		if n == 0 {
			continue
		}
		if first, err := s.rdb.ZRangeWithScores(ctx, zkey, 0, 0).Result(); err == nil && len(first) > 0 {
			st.Oldest = earlier(st.Oldest, time.UnixMilli(int64(first[0].Score)))
		}
		if last, err := s.rdb.ZRevRangeWithScores(ctx, zkey, 0, 0).Result(); err == nil && len(last) > 0 {
			st.Newest = later(st.Newest, time.UnixMilli(int64(last[0].Score)))
		}
	}
	iter := s.rdb.Scan(ctx, 0, s.prefix+":kv:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.HLen(ctx, iter.Val()).Result()
		if err != nil {
			return st, err
		}
		st.PluginKeys += n
	}
	return st, iter.Err()
}

// Vacuum is a no-op: Redis reclaims memory on delete.
func (s *redisStore) Vacuum(ctx context.Context) error { return nil }

func (s *redisStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.kvKey(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, namespace, key, value string) error {
	return s.rdb.HSet(ctx, s.kvKey(namespace), key, value).Err()
}

func (s *redisStore) Delete(ctx context.Context, namespace, key string) error {
	return s.rdb.HDel(ctx, s.kvKey(namespace), key).Err()
}
