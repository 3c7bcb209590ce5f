package store

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// RedisKV implements KV over plain Redis string keys. Writes publish the key
// name on a change channel so watchers in other processes see them too.
type RedisKV struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisKV(url, prefix string) (*RedisKV, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisKVClient(redis.NewClient(opt), prefix), nil
}

func NewRedisKVClient(rdb *redis.Client, prefix string) *RedisKV {
	if prefix == "" {
		prefix = "pettrack:settings:"
	}
	return &RedisKV{rdb: rdb, prefix: prefix}
}

func (k *RedisKV) Ping(ctx context.Context) error { return k.rdb.Ping(ctx).Err() }

func (k *RedisKV) Close() error { return k.rdb.Close() }

func (k *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := k.rdb.Get(ctx, k.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (k *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := k.rdb.Set(ctx, k.prefix+key, value, 0).Err(); err != nil {
		return err
	}
	return k.rdb.Publish(ctx, k.changes(), key).Err()
}

// SetMany writes pairs in one MSET and publishes a single change.
func (k *RedisKV) SetMany(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(pairs))
	for key, v := range pairs {
		args = append(args, k.prefix+key, v)
	}
	if err := k.rdb.MSet(ctx, args...).Err(); err != nil {
		return err
	}
	return k.rdb.Publish(ctx, k.changes(), changedKeys(pairs)).Err()
}

func (k *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = k.prefix + key
	}
	if err := k.rdb.Del(ctx, full...).Err(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := k.rdb.Publish(ctx, k.changes(), key).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (k *RedisKV) Watch(ctx context.Context) (<-chan string, func(), error) {
	ps := k.rdb.Subscribe(ctx, k.changes())
	// wait for the subscription confirmation so no write is missed after Watch returns
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- strings.TrimSpace(msg.Payload):
			default:
			}
		}
	}()
	return out, func() { _ = ps.Close() }, nil
}

func (k *RedisKV) changes() string { return k.prefix + "changes" }
