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

package hypervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/duskwatch/phantomfs/clock"
	"github.com/duskwatch/phantomfs/internal/kv"
	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/jacobsa/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHypervisor(t *testing.T) *Hypervisor {
	store := kv.NewFakeStore()
	err := store.HSet(context.Background(), kv.KeyInode(model.RootInodeID), map[string]string{
		"type": "1", "mode": "755", "nlink": "2", "uid": "0", "gid": "0",
		"size": "0", "ctime": "0", "mtime": "0", "atime": "0",
	})
	require.NoError(t, err)
	return New(store, clock.NewSimulatedClock(time.Unix(0, 0)), 40)
}

func TestTouchThenList(t *testing.T) {
	h := newTestHypervisor(t)
	ctx := context.Background()

	created, err := h.CreateFile(ctx, "/pwn", 0644, 0022, 0, 0)
	require.NoError(t, err)

	entries, err := h.ListDirectory(ctx, "/")
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "pwn", entries[0].Name)
	assert.Equal(t, created.ID, entries[0].Inode.ID)
}

func TestConcurrentCreateRace(t *testing.T) {
	h := newTestHypervisor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.CreateFile(ctx, "/x", 0644, 0022, 0, 0)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	successes, exists := 0, 0
	for _, e := range errs {
		if e == nil {
			successes++
		} else if e == fuse.EEXIST {
			exists++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 3, exists)

	entries, err := h.ListDirectory(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRenameAcrossDirectories(t *testing.T) {
	h := newTestHypervisor(t)
	ctx := context.Background()

	_, err := h.MakeDirectory(ctx, "/a", 0755, 0, 0, 0)
	require.NoError(t, err)
	_, err = h.MakeDirectory(ctx, "/b", 0755, 0, 0, 0)
	require.NoError(t, err)
	foo, err := h.CreateFile(ctx, "/a/foo", 0644, 0022, 0, 0)
	require.NoError(t, err)

	err = h.Rename(ctx, "/a/foo", "/b/bar")
	require.NoError(t, err)

	aEntries, err := h.ListDirectory(ctx, "/a")
	require.NoError(t, err)
	assert.Empty(t, aEntries)

	bEntries, err := h.ListDirectory(ctx, "/b")
	require.NoError(t, err)
	require.Len(t, bEntries, 1)
	assert.Equal(t, "bar", bEntries[0].Name)
	assert.Equal(t, foo.ID, bEntries[0].Inode.ID)
}

func TestUnlinkReducesLinkCountAndHidesEntry(t *testing.T) {
	h := newTestHypervisor(t)
	ctx := context.Background()

	_, err := h.MakeDirectory(ctx, "/t", 0755, 0, 0, 0)
	require.NoError(t, err)
	_, err = h.CreateFile(ctx, "/t/file", 0644, 0022, 0, 0)
	require.NoError(t, err)

	err = h.Unlink(ctx, "/t/file")
	require.NoError(t, err)

	entries, err := h.ListDirectory(ctx, "/t")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = h.Stat(ctx, "/t/file")
	assert.Equal(t, fuse.ENOENT, err)
}

func TestRenameIntoOwnSubdirectoryFails(t *testing.T) {
	h := newTestHypervisor(t)
	ctx := context.Background()

	_, err := h.MakeDirectory(ctx, "/a", 0755, 0, 0, 0)
	require.NoError(t, err)
	_, err = h.MakeDirectory(ctx, "/a/b", 0755, 0, 0, 0)
	require.NoError(t, err)

	err = h.Rename(ctx, "/a", "/a/b")
	assert.Equal(t, syscall.EINVAL, err)
}

func TestRmdirNonEmptyFails(t *testing.T) {
	h := newTestHypervisor(t)
	ctx := context.Background()

	_, err := h.MakeDirectory(ctx, "/d", 0755, 0, 0, 0)
	require.NoError(t, err)
	_, err = h.CreateFile(ctx, "/d/f", 0644, 0022, 0, 0)
	require.NoError(t, err)

	err = h.RemoveDirectory(ctx, "/d")
	assert.Equal(t, fuse.ENOTEMPTY, err)

	entries, err := h.ListDirectory(ctx, "/d")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreateUnlinkCreateIncreasesInodeID(t *testing.T) {
	h := newTestHypervisor(t)
	ctx := context.Background()

	first, err := h.CreateFile(ctx, "/p", 0644, 0022, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.Unlink(ctx, "/p"))

	second, err := h.CreateFile(ctx, "/p", 0644, 0022, 0, 0)
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
}

func TestSymlinkLoopBoundedByMaxDepth(t *testing.T) {
	h := newTestHypervisor(t)
	h.SymlinkMaxDepth = 2
	ctx := context.Background()

	_, err := h.MakeSymlink(ctx, "/loop1", "/loop2", 0, 0)
	require.NoError(t, err)
	_, err = h.MakeSymlink(ctx, "/loop2", "/loop1", 0, 0)
	require.NoError(t, err)

	_, err = h.ResolvePath(ctx, "/loop1")
	assert.Equal(t, syscall.ELOOP, err)
}
