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

package scripts

import (
	"context"
	"sync"
	"testing"

	"github.com/duskwatch/phantomfs/internal/kv"
	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRootStore() *kv.FakeStore {
	s := kv.NewFakeStore()
	_ = s.HSet(context.Background(), kv.KeyInode(model.RootInodeID), map[string]string{
		"type": "1", "mode": "755", "nlink": "2", "uid": "0", "gid": "0",
		"size": "0", "ctime": "0", "mtime": "0", "atime": "0",
	})
	return s
}

func TestCreateEntry_AssignsMonotoneIDs(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	id1, code1, err := CreateEntry(ctx, s, model.RootInodeID, "a", 0644, model.InodeTypeRegular, 0, 0, 100)
	require.NoError(t, err)
	assert.Zero(t, code1)

	id2, code2, err := CreateEntry(ctx, s, model.RootInodeID, "b", 0644, model.InodeTypeRegular, 0, 0, 101)
	require.NoError(t, err)
	assert.Zero(t, code2)

	assert.Greater(t, id2, id1)
}

func TestCreateEntry_DuplicateNameFails(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	_, code, err := CreateEntry(ctx, s, model.RootInodeID, "dup", 0644, model.InodeTypeRegular, 0, 0, 1)
	require.NoError(t, err)
	require.Zero(t, code)

	_, code, err = CreateEntry(ctx, s, model.RootInodeID, "dup", 0644, model.InodeTypeRegular, 0, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, -1, code)
}

func TestCreateEntry_ConcurrentRaceHasExactlyOneWinner(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, code, err := CreateEntry(ctx, s, model.RootInodeID, "x", 0644, model.InodeTypeRegular, 0, 0, 1)
			require.NoError(t, err)
			codes[i] = code
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, c := range codes {
		if c == 0 {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestDeleteEntry_NonEmptyDirectoryFails(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	dirID, code, err := CreateEntry(ctx, s, model.RootInodeID, "d", 0755, model.InodeTypeDirectory, 0, 0, 1)
	require.NoError(t, err)
	require.Zero(t, code)

	_, code, err = CreateEntry(ctx, s, dirID, "f", 0644, model.InodeTypeRegular, 0, 0, 2)
	require.NoError(t, err)
	require.Zero(t, code)

	code, err = DeleteEntry(ctx, s, model.RootInodeID, "d", 3)
	require.NoError(t, err)
	assert.Equal(t, -4, code)
}

func TestDeleteEntry_RemovesEntryAndInode(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	id, _, err := CreateEntry(ctx, s, model.RootInodeID, "f", 0644, model.InodeTypeRegular, 0, 0, 1)
	require.NoError(t, err)

	code, err := DeleteEntry(ctx, s, model.RootInodeID, "f", 2)
	require.NoError(t, err)
	assert.Zero(t, code)

	_, ok, err := s.HGetAll(ctx, kv.KeyInode(id))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.ZScore(ctx, kv.KeyDir(model.RootInodeID), "f")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenameEntry_MovesAcrossDirectories(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	aID, _, err := CreateEntry(ctx, s, model.RootInodeID, "a", 0755, model.InodeTypeDirectory, 0, 0, 1)
	require.NoError(t, err)
	bID, _, err := CreateEntry(ctx, s, model.RootInodeID, "b", 0755, model.InodeTypeDirectory, 0, 0, 1)
	require.NoError(t, err)
	fooID, _, err := CreateEntry(ctx, s, aID, "foo", 0644, model.InodeTypeRegular, 0, 0, 1)
	require.NoError(t, err)

	code, err := RenameEntry(ctx, s, aID, "foo", bID, "bar", 2)
	require.NoError(t, err)
	assert.Zero(t, code)

	_, ok, err := s.ZScore(ctx, kv.KeyDir(aID), "foo")
	require.NoError(t, err)
	assert.False(t, ok)

	score, ok, err := s.ZScore(ctx, kv.KeyDir(bID), "bar")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(fooID), score)
}

func TestMaterializeGhost_RefusesSecondCommit(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	id, _, err := CreateEntry(ctx, s, model.RootInodeID, "ghost", 0644, model.InodeTypeRegular, 0, 0, 1)
	require.NoError(t, err)

	code, err := MaterializeGhost(ctx, s, id, "hash1", 5, 2)
	require.NoError(t, err)
	assert.Zero(t, code)

	code, err = MaterializeGhost(ctx, s, id, "hash2", 5, 3)
	require.NoError(t, err)
	assert.Equal(t, -5, code)
}

func TestSetMode_UnknownInodeFails(t *testing.T) {
	s := newRootStore()
	ctx := context.Background()

	code, err := SetMode(ctx, s, 9999, 0755, 1)
	require.NoError(t, err)
	assert.Equal(t, -3, code)
}
