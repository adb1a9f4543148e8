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

import "fmt"

// Key patterns used across the store.

const KeyNextInode = "fs:next_inode"

func KeyInode(id uint64) string {
	return fmt.Sprintf("fs:inode:%d", id)
}

func KeyDir(parentID uint64) string {
	return fmt.Sprintf("fs:dir:%d", parentID)
}

func KeyBlob(digest string) string {
	return fmt.Sprintf("fs:blob:%s", digest)
}

func KeyGhostLock(inode uint64) string {
	return fmt.Sprintf("fs:ghost:%d", inode)
}
