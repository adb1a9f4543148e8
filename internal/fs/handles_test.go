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

package fs

import (
	"testing"

	"github.com/duskwatch/phantomfs/internal/hypervisor"
	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirentType(t *testing.T) {
	assert.Equal(t, fuseutil.DT_Directory, direntType(model.InodeTypeDirectory))
	assert.Equal(t, fuseutil.DT_Link, direntType(model.InodeTypeSymlink))
	assert.Equal(t, fuseutil.DT_File, direntType(model.InodeTypeRegular))
}

func TestNewDirHandle_IncludesDotAndDotDot(t *testing.T) {
	entries := []hypervisor.DirListEntry{
		{Name: "bait.txt", Inode: &model.Inode{ID: 10, Type: model.InodeTypeRegular}},
		{Name: "sub", Inode: &model.Inode{ID: 11, Type: model.InodeTypeDirectory}},
	}
	dh := newDirHandle(fuseops.InodeID(5), fuseops.InodeID(1), entries)
	require.Len(t, dh.entries, 4)
	assert.Equal(t, ".", dh.entries[0].Name)
	assert.Equal(t, fuseops.InodeID(5), dh.entries[0].Inode)
	assert.Equal(t, "..", dh.entries[1].Name)
	assert.Equal(t, fuseops.InodeID(1), dh.entries[1].Inode)
	assert.Equal(t, "bait.txt", dh.entries[2].Name)
	assert.Equal(t, fuseutil.DT_File, dh.entries[2].Type)
	assert.Equal(t, "sub", dh.entries[3].Name)
	assert.Equal(t, fuseutil.DT_Directory, dh.entries[3].Type)
}

func TestDirHandleReadInto_PagesByOffsetAndSize(t *testing.T) {
	entries := []hypervisor.DirListEntry{
		{Name: "a", Inode: &model.Inode{ID: 10, Type: model.InodeTypeRegular}},
		{Name: "b", Inode: &model.Inode{ID: 11, Type: model.InodeTypeRegular}},
	}
	dh := newDirHandle(fuseops.InodeID(1), fuseops.InodeID(1), entries)

	full := dh.ReadInto(0, 4096)
	assert.NotEmpty(t, full)

	// Resuming from each entry's own offset in turn, every call returns the
	// remaining entries, so the walk sees a non-empty page once per entry.
	var offset fuseops.DirOffset
	count := 0
	for i := 0; i < len(dh.entries); i++ {
		chunk := dh.ReadInto(offset, 4096)
		if len(chunk) == 0 {
			break
		}
		count++
		offset = dh.entries[i].Offset
	}
	assert.Equal(t, len(dh.entries), count)
}

func TestDirHandleReadInto_EmptyPastEnd(t *testing.T) {
	dh := newDirHandle(fuseops.InodeID(1), fuseops.InodeID(1), nil)
	last := dh.entries[len(dh.entries)-1].Offset
	assert.Empty(t, dh.ReadInto(last, 4096))
}

func TestFileHandle_BufferWriteThenCompose(t *testing.T) {
	fh := newFileHandle(fuseops.InodeID(7))
	base := []byte("hello world")

	out, dirty := fh.compose(base)
	assert.False(t, dirty)
	assert.Equal(t, base, out)

	fh.bufferWrite(6, []byte("phant"))
	out, dirty = fh.compose(base)
	require.True(t, dirty)
	assert.Equal(t, "hello phant", string(out))
}

func TestFileHandle_ComposeGrowsBeyondBase(t *testing.T) {
	fh := newFileHandle(fuseops.InodeID(7))
	fh.bufferWrite(5, []byte("XYZ"))

	out, dirty := fh.compose(nil)
	require.True(t, dirty)
	assert.Equal(t, 8, len(out))
	assert.Equal(t, "XYZ", string(out[5:8]))
}

func TestFileHandle_ComposeAppliesSpansInOrder(t *testing.T) {
	fh := newFileHandle(fuseops.InodeID(7))
	fh.bufferWrite(0, []byte("aaaa"))
	fh.bufferWrite(0, []byte("bb"))

	out, _ := fh.compose(nil)
	assert.Equal(t, "bbaa", string(out))
}

func TestFileHandle_ClearDropsBufferedWrites(t *testing.T) {
	fh := newFileHandle(fuseops.InodeID(7))
	fh.bufferWrite(0, []byte("data"))
	fh.clear()

	out, dirty := fh.compose([]byte("base"))
	assert.False(t, dirty)
	assert.Equal(t, "base", string(out))
}

func TestFileHandle_BufferWriteCopiesInputBytes(t *testing.T) {
	fh := newFileHandle(fuseops.InodeID(7))
	data := []byte("mutable")
	fh.bufferWrite(0, data)
	data[0] = 'X'

	out, _ := fh.compose(nil)
	assert.Equal(t, "mutable", string(out))
}
