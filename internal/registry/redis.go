package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
)

// RedisStore shares registrations between proxy instances. Every path is a
// hash of endpoint to last seen unix milliseconds, the set <prefix>:paths
// indexes the paths.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "httpproxy"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and checks the connection with a PING.
func DialRedis(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, multierr.Append(fmt.Errorf("redis %s: %w", opts.Addr, err), c.Close())
	}
	return NewRedisStore(c, prefix), nil
}

func (s *RedisStore) pathsKey() string          { return s.prefix + ":paths" }
func (s *RedisStore) pathKey(path string) string { return s.prefix + ":svc:" + path }

func (s *RedisStore) Put(ctx context.Context, path, endpoint string, seen time.Time) (bool, error) {
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.pathsKey(), path)
		added = pipe.HSet(ctx, s.pathKey(path), endpoint, seen.UnixMilli())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis put %s: %w", path, err)
	}
	return added.Val() > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, path, endpoint string) (bool, error) {
	n, err := s.client.HDel(ctx, s.pathKey(path), endpoint).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete %s: %w", path, err)
	}
	if err := s.dropEmpty(ctx, path); err != nil {
		return n > 0, err
	}
	return n > 0, nil
}

func (s *RedisStore) dropEmpty(ctx context.Context, path string) error {
	left, err := s.client.HLen(ctx, s.pathKey(path)).Result()
	if err != nil {
		return fmt.Errorf("redis hlen %s: %w", path, err)
	}
	if left == 0 {
		return s.client.SRem(ctx, s.pathsKey(), path).Err()
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	paths, err := s.client.SMembers(ctx, s.pathsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(paths))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range paths {
			cmds[i] = pipe.HGetAll(ctx, s.pathKey(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	var out []Entry
	for i, p := range paths {
		for ep, v := range cmds[i].Val() {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redis list %s %s: %w", p, ep, err)
			}
			out = append(out, Entry{Path: p, Endpoint: ep, Seen: time.UnixMilli(ms)})
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *RedisStore) Expire(ctx context.Context, before time.Time) (int, error) {
	es, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs error
	touched := make(map[string]struct{})
	for _, e := range es {
		if !e.Seen.Before(before) {
			continue
		}
		if err := s.client.HDel(ctx, s.pathKey(e.Path), e.Endpoint).Err(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		touched[e.Path] = struct{}{}
		n++
	}
	for p := range touched {
		errs = multierr.Append(errs, s.dropEmpty(ctx, p))
	}
	return n, errs
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
