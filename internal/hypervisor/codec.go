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
	"os"
	"strconv"

	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/duskwatch/phantomfs/internal/pathutil"
)

// decodeInode translates the fs:inode:<id> hash into model.Inode.
func decodeInode(id uint64, h map[string]string) *model.Inode {
	typ := model.InodeType(atoi(h["type"]))
	return &model.Inode{
		ID:            id,
		Type:          typ,
		Mode:          pathutil.PackMode(typ, os.FileMode(atoi(h["mode"]))),
		Uid:           uint32(atoi(h["uid"])),
		Gid:           uint32(atoi(h["gid"])),
		Size:          uint64(atoi(h["size"])),
		Ctime:         int64(atoi(h["ctime"])),
		Mtime:         int64(atoi(h["mtime"])),
		Atime:         int64(atoi(h["atime"])),
		Nlink:         uint32(atoi(h["nlink"])),
		ContentHash:   h["content_hash"],
		SymlinkTarget: h["symlink_target"],
	}
}

func atoi(s string) int64 {
	if s == "" {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
