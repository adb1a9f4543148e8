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
	"github.com/duskwatch/phantomfs/internal/hypervisor"
	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// dirHandle buffers one directory's entry listing for the lifetime of an
// OpenDir/ReadDir*/ReleaseDirHandle sequence, so that concurrent mutation
// of the directory doesn't shift entries out from under a caller paging
// through it with successive ReadDir calls.
type dirHandle struct {
	entries []fuseutil.Dirent
}

// newDirHandle snapshots a directory listing into FUSE dirents, including
// the synthetic "." and ".." entries every POSIX directory carries.
func newDirHandle(selfID, parentID fuseops.InodeID, entries []hypervisor.DirListEntry) *dirHandle {
	out := make([]fuseutil.Dirent, 0, len(entries)+2)
	out = append(out,
		fuseutil.Dirent{Offset: 1, Inode: selfID, Name: ".", Type: fuseutil.DT_Directory},
		fuseutil.Dirent{Offset: 2, Inode: parentID, Name: "..", Type: fuseutil.DT_Directory},
	)
	for i, e := range entries {
		out = append(out, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 3),
			Inode:  fuseops.InodeID(e.Inode.ID),
			Name:   e.Name,
			Type:   direntType(e.Inode.Type),
		})
	}
	return &dirHandle{entries: out}
}

func direntType(t model.InodeType) fuseutil.DirentType {
	switch t {
	case model.InodeTypeDirectory:
		return fuseutil.DT_Directory
	case model.InodeTypeSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

// ReadInto serializes entries whose Offset is greater than offset,
// trimming to size bytes, matching fuseops.ReadDirOp's offset/size
// contract (an opaque cookie marking where the previous read left off,
// not a byte offset).
func (dh *dirHandle) ReadInto(offset fuseops.DirOffset, size int) []byte {
	var data []byte
	for _, e := range dh.entries {
		if e.Offset <= offset {
			continue
		}
		data = fuseutil.AppendDirent(data, e)
		if len(data) > size {
			data = data[:size]
			break
		}
	}
	return data
}

// writeSpan is one buffered WriteFile call: data to be applied at offset
// against whatever content exists (or is materialized) at flush time.
type writeSpan struct {
	offset int64
	data   []byte
}

// fileHandle is the open-file-table entry for a regular file opened for
// reading and/or writing. Writes accumulate in buffered spans and are only
// composed into a full blob on Flush/Sync/Release, mirroring a
// dirty-buffer-then-sync discipline for mutable content.
type fileHandle struct {
	inodeID fuseops.InodeID
	dirty   []writeSpan
}

func newFileHandle(id fuseops.InodeID) *fileHandle {
	return &fileHandle{inodeID: id}
}

func (fh *fileHandle) bufferWrite(offset int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	fh.dirty = append(fh.dirty, writeSpan{offset: offset, data: cp})
}

// compose overlays every buffered write span onto base, growing the
// result as needed, and returns the resulting full content along with
// whether any span was actually applied.
func (fh *fileHandle) compose(base []byte) ([]byte, bool) {
	if len(fh.dirty) == 0 {
		return base, false
	}

	size := int64(len(base))
	for _, s := range fh.dirty {
		if end := s.offset + int64(len(s.data)); end > size {
			size = end
		}
	}

	out := make([]byte, size)
	copy(out, base)
	for _, s := range fh.dirty {
		copy(out[s.offset:], s.data)
	}
	return out, true
}

func (fh *fileHandle) clear() {
	fh.dirty = nil
}
