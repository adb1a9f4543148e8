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

package contentgen

import (
	"context"
	"fmt"
	"sync"
)

// CannedGenerator is a fixed-corpus mock, an acceptable
// generator choice. Tests configure exact responses per path and can
// assert it was invoked exactly once per inode, which is how the seed
// ghost read determinism scenario is exercised without a real
// generator.
type CannedGenerator struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     map[string]int
}

// NewCannedGenerator returns a generator with no configured responses;
// configure them with Set before use.
func NewCannedGenerator() *CannedGenerator {
	return &CannedGenerator{
		responses: make(map[string][]byte),
		calls:     make(map[string]int),
	}
}

// Set configures the bytes returned for a path's first (and only
// expected) call.
func (g *CannedGenerator) Set(path string, content []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses[path] = content
}

// Calls returns how many times Generate was invoked for path.
func (g *CannedGenerator) Calls(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[path]
}

func (g *CannedGenerator) Generate(ctx context.Context, gctx Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls[gctx.Path]++
	if g.calls[gctx.Path] > 1 {
		return nil, fmt.Errorf("canned generator: unexpected second call for %q", gctx.Path)
	}

	content, ok := g.responses[gctx.Path]
	if !ok {
		return nil, fmt.Errorf("canned generator: no response configured for %q", gctx.Path)
	}
	return content, nil
}
