package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore stores each document as a hash with a version field "v" and a
// data field "d". Every table keeps a sorted-set index of its keys so that
// prefix listing can use ZRANGEBYLEX. All keys share one hash tag, which keeps
// multi-key transactions valid on a cluster.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	slog.Info("Connected to Redis", "addr", cfg.Addr, "db", cfg.DB)
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "idm"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) docKey(table, key string) string {
	return "{" + s.keyPrefix + "}:doc:" + table + ":" + key
}

func (s *RedisStore) indexKey(table string) string {
	return "{" + s.keyPrefix + "}:idx:" + table
}

func (s *RedisStore) Get(ctx context.Context, table, key string) (Item, error) {
	vals, err := s.client.HMGet(ctx, s.docKey(table, key), "v", "d").Result()
	if err != nil {
		return Item{}, fmt.Errorf("redis hmget %s/%s: %w", table, key, err)
	}
	item, ok, err := decodeHash(key, vals)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}
	return item, nil
}

func (s *RedisStore) List(ctx context.Context, table, prefix string) ([]Item, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		by = &redis.ZRangeBy{Min: "[" + prefix, Max: "[" + prefix + "\xff"}
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(table), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebylex %s: %w", table, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HMGet(ctx, s.docKey(table, key), "v", "d")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", table, err)
	}

	items := make([]Item, 0, len(keys))
	for i, cmd := range cmds {
		item, ok, err := decodeHash(keys[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		// Index entries can briefly outlive their document.
		if ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *RedisStore) Apply(ctx context.Context, ops ...Op) error {
	if err := checkBatch(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = s.docKey(op.Table, op.Key)
	}

	txf := func(tx *redis.Tx) error {
		next := make([]int64, len(ops))
		for i, op := range ops {
			current, err := tx.HGet(ctx, keys[i], "v").Int64()
			if errors.Is(err, redis.Nil) {
				current = 0
			} else if err != nil {
				return fmt.Errorf("redis hget %s/%s: %w", op.Table, op.Key, err)
			}
			if !versionMatches(op, current) {
				return fmt.Errorf("%w: %s/%s expected %d, found %d", ErrConflict, op.Table, op.Key, op.ExpectVersion, current)
			}
			next[i] = current + 1
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, op := range ops {
				if op.Delete {
					pipe.Del(ctx, keys[i])
					pipe.ZRem(ctx, s.indexKey(op.Table), op.Key)
					continue
				}
				pipe.HSet(ctx, keys[i], "v", next[i], "d", op.Value)
				pipe.ZAdd(ctx, s.indexKey(op.Table), redis.Z{Score: 0, Member: op.Key})
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent modification", ErrConflict)
	}
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(key string, vals []interface{}) (Item, bool, error) {
	if len(vals) != 2 || vals[0] == nil {
		return Item{}, false, nil
	}
	rawVersion, ok := vals[0].(string)
	if !ok {
		return Item{}, false, fmt.Errorf("redis: unexpected version type %T for %s", vals[0], key)
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return Item{}, false, fmt.Errorf("redis: parse version for %s: %w", key, err)
	}
	data, _ := vals[1].(string)
	return Item{Key: key, Value: []byte(data), Version: version}, true, nil
}
