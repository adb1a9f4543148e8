// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/duskwatch/phantomfs/cfg"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store, backed by github.com/redis/go-redis/v9.
// Redis natively supplies every command primitive the adapter requires,
// including EVAL for server-side scripts.
type RedisStore struct {
	client *redis.Client
	// scripts caches compiled redis.Script objects by name so repeated
	// EvalScript calls use EVALSHA rather than re-sending source.
	scripts map[string]*redis.Script
}

// NewRedisStore dials the external KV store per the kv.* options of
// cfg.Config.
func NewRedisStore(c cfg.KVConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	return &RedisStore{
		client:  client,
		scripts: make(map[string]*redis.Script),
	}
}

func (s *RedisStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return nil
	}
	var netErr net.Error
	if errorsAs(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	switch err {
	case redis.ErrClosed:
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	// go-redis surfaces busy/loading conditions as plain *redis.Error
	// strings; treat those as retryable, everything else as fatal.
	if isRetryableRedisError(err) {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	return v, s.classify(err)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.classify(err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.classify(s.client.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, s.classify(err)
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.classify(s.client.Del(ctx, key).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, s.classify(err)
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.classify(s.client.HSet(ctx, key, args...).Err())
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, s.classify(err)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return m, true, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string) error {
	return s.classify(s.client.Del(ctx, key).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return s.classify(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZScore(ctx context.Context, key string, member string) (float64, bool, error) {
	v, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.classify(err)
	}
	return v, true, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.classify(s.client.ZRem(ctx, key, member).Err())
}

func (s *RedisStore) ZRange(ctx context.Context, key string) ([]ZMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ZMember{Member: z.Member.(string), Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, s.classify(err)
}

func (s *RedisStore) EvalScript(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	compiled, ok := s.scripts[script.Name]
	if !ok {
		compiled = redis.NewScript(script.Source)
		s.scripts[script.Name] = compiled
	}
	v, err := compiled.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	return v, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
