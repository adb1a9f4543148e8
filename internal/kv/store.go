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

// Package kv is the minimal typed wrapper over the external KV store's
// command vocabulary: integer counters, hash maps, sorted sets, opaque
// byte strings, and evaluation of named server-side scripts. It performs
// no retries of its own; it only classifies failures as retryable or
// fatal.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrRetryable wraps a transient failure: network blip, server busy. The
// caller may retry a bounded number of times.
var ErrRetryable = errors.New("kv: retryable error")

// ErrFatal wraps a non-transient failure: authentication, unsupported
// command, encoding error. The filesystem driver maps this to EIO.
var ErrFatal = errors.New("kv: fatal error")

// ZMember is one member of a sorted set, used to represent a directory
// entry: Member is the entry name, Score is the child inode id.
type ZMember struct {
	Member string
	Score  float64
}

// Script is a named server-side script together with its literal source,
// evaluated atomically by Store.EvalScript.
type Script struct {
	Name   string
	Source string
}

// Store is the command surface internal/hypervisor, internal/blobstore,
// and internal/kv/scripts depend on. Concrete stores: *RedisStore for
// production, *FakeStore for tests. All methods block; none retry.
type Store interface {
	// Incr atomically increments the integer at key and returns the new
	// value. Used for the monotone inode counter.
	Incr(ctx context.Context, key string) (int64, error)

	// Get returns the opaque byte string at key, or (nil, false) if
	// absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set unconditionally writes an opaque byte string.
	Set(ctx context.Context, key string, value []byte) error

	// SetNX writes value at key only if key is absent, with the given
	// expiry; it reports whether the write happened. Used for the
	// single-flight ghost-materialization lock and for insert-once
	// blob writes.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes a key. It is not an error if the key is absent.
	Del(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// HSet writes field-level values into the hash at key.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll returns every field of the hash at key, or (nil, false) if
	// the hash is absent.
	HGetAll(ctx context.Context, key string) (map[string]string, bool, error)

	// HDel removes key entirely (used to delete inode metadata on
	// nlink reaching zero).
	HDel(ctx context.Context, key string) error

	// ZAdd inserts or updates a member (entry name) with its score (child
	// inode id) in the sorted set at key. Used for directory entries.
	ZAdd(ctx context.Context, key string, member string, score float64) error

	// ZScore returns the score of member in the sorted set at key, or
	// (0, false) if absent.
	ZScore(ctx context.Context, key string, member string) (float64, bool, error)

	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key string, member string) error

	// ZRange returns every member of the sorted set at key in natural
	// (score) order, for directory listing.
	ZRange(ctx context.Context, key string) ([]ZMember, error)

	// ZCard returns the number of members of the sorted set at key, used
	// to check whether a directory is empty before rmdir.
	ZCard(ctx context.Context, key string) (int64, error)

	// EvalScript runs a named server-side script atomically and returns
	// its typed result: an int64 (new inode id or negative error code per
	// documented negative codes), a string, or a []string.
	EvalScript(ctx context.Context, script *Script, keys []string, args ...any) (any, error)

	// Close releases the underlying connection.
	Close() error
}
