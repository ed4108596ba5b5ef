package syncstore

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
)

type RedisStore struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisPool returns a connection pool for addr.
func NewRedisPool(addr string, maxIdle, maxActive int) *redis.Pool {
	if maxIdle <= 0 {
		maxIdle = 8
	}
	return &redis.Pool{
		MaxIdle:     maxIdle,
		MaxActive:   maxActive,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisStore stores each document as a plain string value under
// prefix+code. The store owns the pool and closes it on Close.
func NewRedisStore(pool *redis.Pool, prefix string) *RedisStore {
	return &RedisStore{pool: pool, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, code string) ([]byte, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", s.prefix+code))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Put(ctx context.Context, code string, doc []byte) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SET", s.prefix+code, doc)
	return err
}

func (s *RedisStore) Close() error { return s.pool.Close() }
