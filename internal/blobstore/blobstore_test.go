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

package blobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duskwatch/phantomfs/clock"
	"github.com/duskwatch/phantomfs/internal/contentgen"
	"github.com/duskwatch/phantomfs/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInodeID = 42

func newGhostyStore(t *testing.T) *kv.FakeStore {
	store := kv.NewFakeStore()
	err := store.HSet(context.Background(), kv.KeyInode(testInodeID), map[string]string{
		"type": "0", "mode": "644", "nlink": "1", "uid": "0", "gid": "0",
		"size": "0", "ctime": "0", "mtime": "0", "atime": "0", "content_hash": "",
	})
	require.NoError(t, err)
	return store
}

func newTestBlobStore(store kv.Store, gen contentgen.Generator) *BlobStore {
	b := New(store, clock.RealClock{}, gen, nil, 0)
	b.PollInterval = time.Millisecond
	return b
}

func TestWriteContent_RoundTripsThroughBlobDigest(t *testing.T) {
	store := newGhostyStore(t)
	b := newTestBlobStore(store, contentgen.NewCannedGenerator())
	ctx := context.Background()

	digest, err := b.WriteContent(ctx, testInodeID, []byte("hello honeypot"))
	require.NoError(t, err)
	assert.Equal(t, Digest([]byte("hello honeypot")), digest)

	content, ok, err := b.GetBlob(ctx, digest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello honeypot"), content)
}

func TestMaterialize_IsDeterministicAcrossRepeatedReads(t *testing.T) {
	store := newGhostyStore(t)
	gen := contentgen.NewCannedGenerator()
	gen.Set("/etc/passwd", []byte("root:x:0:0:root:/root:/bin/bash\n"))
	b := newTestBlobStore(store, gen)
	ctx := context.Background()

	gctx := contentgen.Context{Path: "/etc/passwd", Filename: "passwd"}
	first, err := b.Materialize(ctx, testInodeID, gctx)
	require.NoError(t, err)

	second, err := b.Materialize(ctx, testInodeID, gctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, gen.Calls("/etc/passwd"))
}

func TestMaterialize_ConcurrentReadersTriggerExactlyOneGeneration(t *testing.T) {
	store := newGhostyStore(t)
	gen := contentgen.NewCannedGenerator()
	gen.Set("/srv/banner.txt", []byte("welcome to the lab\n"))
	b := newTestBlobStore(store, gen)
	ctx := context.Background()
	gctx := contentgen.Context{Path: "/srv/banner.txt", Filename: "banner.txt"}

	const readers = 12
	results := make([][]byte, readers)
	errs := make([]error, readers)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Materialize(ctx, testInodeID, gctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("welcome to the lab\n"), results[i])
	}
	assert.Equal(t, 1, gen.Calls("/srv/banner.txt"))
}

func TestMaterialize_TruncatesOversizedGeneratorOutput(t *testing.T) {
	store := newGhostyStore(t)
	gen := contentgen.NewCannedGenerator()
	gen.Set("/big", []byte("0123456789"))
	b := newTestBlobStore(store, gen)
	b.MaxBytes = 4
	ctx := context.Background()

	content, err := b.Materialize(ctx, testInodeID, contentgen.Context{Path: "/big"})
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), content)
}
