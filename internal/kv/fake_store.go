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
	"sort"
	"sync"
	"time"
)

// FakeStore is an in-memory Store used by tests in place of a real Redis
// server. Every command runs under a single mutex, which gives it the same
// "all effects or none" contract EvalScript must provide in production,
// sufficient to exercise the atomic-script invariants the filesystem core
// depends on, since they rest on the scripts' all-or-nothing contract, not
// on Lua specifically.
type FakeStore struct {
	mu       sync.Mutex
	strings  map[string]string
	hashes   map[string]map[string]string
	zsets    map[string]map[string]float64
	expiries map[string]time.Time
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		strings:  make(map[string]string),
		hashes:   make(map[string]map[string]string),
		zsets:    make(map[string]map[string]float64),
		expiries: make(map[string]time.Time),
	}
}

func (s *FakeStore) expired(key string) bool {
	if exp, ok := s.expiries[key]; ok && time.Now().After(exp) {
		delete(s.strings, key)
		delete(s.expiries, key)
		return true
	}
	return false
}

func (s *FakeStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v int64
	if cur, ok := s.strings[key]; ok {
		fmt.Sscanf(cur, "%d", &v)
	}
	v++
	s.strings[key] = fmt.Sprintf("%d", v)
	return v, nil
}

func (s *FakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return nil, false, nil
	}
	v, ok := s.strings[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (s *FakeStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = string(value)
	delete(s.expiries, key)
	return nil
}

func (s *FakeStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expired(key) {
		if _, ok := s.strings[key]; ok {
			return false, nil
		}
	}
	s.strings[key] = string(value)
	if ttl > 0 {
		s.expiries[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (s *FakeStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.expiries, key)
	return nil
}

func (s *FakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return false, nil
	}
	if _, ok := s.strings[key]; ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.zsets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *FakeStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *FakeStore) HGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, true, nil
}

func (s *FakeStore) HDel(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, key)
	return nil
}

func (s *FakeStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *FakeStore) ZScore(ctx context.Context, key string, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, false, nil
	}
	v, ok := z[member]
	return v, ok, nil
}

func (s *FakeStore) ZRem(ctx context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z, ok := s.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

func (s *FakeStore) ZRange(ctx context.Context, key string) ([]ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return nil, nil
	}
	out := make([]ZMember, 0, len(z))
	for m, sc := range z {
		out = append(out, ZMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (s *FakeStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

// EvalScript dispatches by script.Name to the corresponding function in
// fake_scripts.go's fakeScriptHandlers, running it under the store's single
// mutex so its effects are atomic exactly as a real server-side script's
// would be.
func (s *FakeStore) EvalScript(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	handler, ok := fakeScriptHandlers[script.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown script %q", ErrFatal, script.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return handler(s, keys, args)
}

func (s *FakeStore) Close() error {
	return nil
}
