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
	"fmt"
	"strconv"
)

// fakeScriptHandlers implements, in Go and against FakeStore's raw maps,
// the exact semantics each named Lua script in internal/kv/scripts
// documents. FakeStore.EvalScript dispatches here under its single mutex,
// which gives the handler the same all-or-nothing visibility a real
// server-side script has.
//
// Calling convention: keys[0] is always the subject inode's own key where
// applicable; args carries the script's positional parameters in the
// order the scripts in scripts/lua.go take them. Handlers return
// (any, error): an int64 (the positive new inode id, or one of the
// documented negative codes), or a string/[]string for scripts that
// return those.
var fakeScriptHandlers = map[string]func(s *FakeStore, keys []string, args []any) (any, error){
	"create_entry":    fakeCreateEntry,
	"delete_entry":    fakeDeleteEntry,
	"rename_entry":    fakeRenameEntry,
	"write_content":   fakeWriteContent,
	"materialize_ghost": fakeMaterializeGhost,
	"set_mode":        fakeSetMode,
	"set_owner":       fakeSetOwner,
	"set_times":       fakeSetTimes,
}

func atoi64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func atou32(v string) uint32 {
	n, _ := strconv.ParseUint(v, 10, 32)
	return uint32(n)
}

func atou64(v string) uint64 {
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

// fakeCreateEntry implements create_entry(parent, name, mode, type, uid,
// gid, ts). keys = [dirKey(parent)]. args = [parentID uint64,
// name string, mode uint32, typ int, uid uint32, gid uint32, ts int64].
func fakeCreateEntry(s *FakeStore, keys []string, args []any) (any, error) {
	parentID := args[0].(uint64)
	name := args[1].(string)
	mode := args[2].(uint32)
	typ := args[3].(int)
	uid := args[4].(uint32)
	gid := args[5].(uint32)
	ts := args[6].(int64)

	dirKey := keys[0]
	parentKey := KeyInode(parentID)

	parentHash, ok := s.hashes[parentKey]
	if !ok {
		return int64(-2), nil
	}
	if atoi64(parentHash["type"]) != 1 { // 1 == directory
		return int64(-2), nil
	}
	if z, ok := s.zsets[dirKey]; ok {
		if _, exists := z[name]; exists {
			return int64(-1), nil
		}
	}

	var v int64
	if cur, ok := s.strings[KeyNextInode]; ok {
		fmt.Sscanf(cur, "%d", &v)
	}
	v++
	if v == 1 { // id 1 is the reserved root inode
		v++
	}
	s.strings[KeyNextInode] = fmt.Sprintf("%d", v)
	newID := uint64(v)

	nlink := uint32(1)
	if typ == 1 {
		nlink = 2
	}
	s.hashes[KeyInode(newID)] = map[string]string{
		"mode":       fmt.Sprintf("%d", mode),
		"type":       fmt.Sprintf("%d", typ),
		"uid":        fmt.Sprintf("%d", uid),
		"gid":        fmt.Sprintf("%d", gid),
		"size":       "0",
		"ctime":      fmt.Sprintf("%d", ts),
		"mtime":      fmt.Sprintf("%d", ts),
		"atime":      fmt.Sprintf("%d", ts),
		"nlink":      fmt.Sprintf("%d", nlink),
	}

	z, ok := s.zsets[dirKey]
	if !ok {
		z = make(map[string]float64)
		s.zsets[dirKey] = z
	}
	z[name] = float64(newID)

	if typ == 1 {
		parentHash["nlink"] = fmt.Sprintf("%d", atoi64(parentHash["nlink"])+1)
	}

	return int64(newID), nil
}

// fakeDeleteEntry implements delete_entry(parent, name, ts). args =
// [parentID uint64, name string, ts int64]. keys = [dirKey(parent)].
func fakeDeleteEntry(s *FakeStore, keys []string, args []any) (any, error) {
	parentID := args[0].(uint64)
	name := args[1].(string)
	ts := args[2].(int64)

	dirKey := keys[0]
	z, ok := s.zsets[dirKey]
	var childID uint64
	if !ok {
		return int64(-3), nil
	}
	score, ok := z[name]
	if !ok {
		return int64(-3), nil
	}
	childID = uint64(score)
	childKey := KeyInode(childID)
	childHash, ok := s.hashes[childKey]
	if !ok {
		return int64(-3), nil
	}

	isDir := atoi64(childHash["type"]) == 1
	if isDir {
		if n, _ := s.ZCardSync(KeyDir(childID)); n > 0 {
			return int64(-4), nil
		}
	}

	delete(z, name)

	nlink := atoi64(childHash["nlink"]) - 1
	if nlink <= 0 {
		delete(s.hashes, childKey)
		delete(s.zsets, KeyDir(childID))
	} else {
		childHash["nlink"] = fmt.Sprintf("%d", nlink)
		childHash["ctime"] = fmt.Sprintf("%d", ts)
	}

	if isDir {
		if parentHash, ok := s.hashes[KeyInode(parentID)]; ok {
			parentHash["nlink"] = fmt.Sprintf("%d", atoi64(parentHash["nlink"])-1)
		}
	}

	return int64(0), nil
}

// ZCardSync is an internal, already-locked cardinality read used by
// handlers that run inside EvalScript's critical section.
func (s *FakeStore) ZCardSync(key string) (int64, error) {
	return int64(len(s.zsets[key])), nil
}

// fakeRenameEntry implements rename_entry(oldParent, oldName, newParent,
// newName, ts). keys = [dirKey(oldParent), dirKey(newParent)].
func fakeRenameEntry(s *FakeStore, keys []string, args []any) (any, error) {
	oldParent := args[0].(uint64)
	oldName := args[1].(string)
	newParent := args[2].(uint64)
	newName := args[3].(string)
	ts := args[4].(int64)

	oldDirKey := keys[0]
	newDirKey := keys[1]

	oz, ok := s.zsets[oldDirKey]
	if !ok {
		return int64(-3), nil
	}
	score, ok := oz[oldName]
	if !ok {
		return int64(-3), nil
	}
	childID := uint64(score)

	nz, ok := s.zsets[newDirKey]
	if !ok {
		nz = make(map[string]float64)
		s.zsets[newDirKey] = nz
	}
	if existingScore, exists := nz[newName]; exists {
		existingID := uint64(existingScore)
		existingHash := s.hashes[KeyInode(existingID)]
		childHash := s.hashes[KeyInode(childID)]
		if existingHash == nil || childHash == nil ||
			existingHash["type"] != childHash["type"] || existingHash["type"] == "1" {
			return int64(-1), nil
		}
		delete(s.hashes, KeyInode(existingID))
	}

	delete(oz, oldName)
	nz[newName] = float64(childID)

	if childHash, ok := s.hashes[KeyInode(childID)]; ok {
		childHash["ctime"] = fmt.Sprintf("%d", ts)
		if atoi64(childHash["type"]) == 1 && oldParent != newParent {
			if op, ok := s.hashes[KeyInode(oldParent)]; ok {
				op["nlink"] = fmt.Sprintf("%d", atoi64(op["nlink"])-1)
			}
			if np, ok := s.hashes[KeyInode(newParent)]; ok {
				np["nlink"] = fmt.Sprintf("%d", atoi64(np["nlink"])+1)
			}
		}
	}

	return int64(0), nil
}

// fakeWriteContent implements write_content(inode, newHash, newSize, ts).
// keys = [inodeKey]. Refuses (-5) if inode absent or not a regular file.
func fakeWriteContent(s *FakeStore, keys []string, args []any) (any, error) {
	newHash := args[1].(string)
	newSize := args[2].(uint64)
	ts := args[3].(int64)

	h, ok := s.hashes[keys[0]]
	if !ok || atoi64(h["type"]) != 0 {
		return int64(-5), nil
	}
	h["content_hash"] = newHash
	h["size"] = fmt.Sprintf("%d", newSize)
	h["mtime"] = fmt.Sprintf("%d", ts)
	h["ctime"] = fmt.Sprintf("%d", ts)
	return int64(0), nil
}

// fakeMaterializeGhost implements materialize_ghost(inode, newHash,
// newSize, ts): identical to write_content but refuses (-5) if
// content_hash is already set — the single-flight commit step.
func fakeMaterializeGhost(s *FakeStore, keys []string, args []any) (any, error) {
	newHash := args[1].(string)
	newSize := args[2].(uint64)
	ts := args[3].(int64)

	h, ok := s.hashes[keys[0]]
	if !ok || atoi64(h["type"]) != 0 {
		return int64(-5), nil
	}
	if h["content_hash"] != "" {
		return int64(-5), nil
	}
	h["content_hash"] = newHash
	h["size"] = fmt.Sprintf("%d", newSize)
	h["mtime"] = fmt.Sprintf("%d", ts)
	h["ctime"] = fmt.Sprintf("%d", ts)
	return int64(0), nil
}

func fakeSetMode(s *FakeStore, keys []string, args []any) (any, error) {
	mode := args[0].(uint32)
	ts := args[1].(int64)
	h, ok := s.hashes[keys[0]]
	if !ok {
		return int64(-3), nil
	}
	h["mode"] = fmt.Sprintf("%d", mode)
	h["ctime"] = fmt.Sprintf("%d", ts)
	return int64(0), nil
}

func fakeSetOwner(s *FakeStore, keys []string, args []any) (any, error) {
	uid := args[0].(uint32)
	gid := args[1].(uint32)
	ts := args[2].(int64)
	h, ok := s.hashes[keys[0]]
	if !ok {
		return int64(-3), nil
	}
	h["uid"] = fmt.Sprintf("%d", uid)
	h["gid"] = fmt.Sprintf("%d", gid)
	h["ctime"] = fmt.Sprintf("%d", ts)
	return int64(0), nil
}

func fakeSetTimes(s *FakeStore, keys []string, args []any) (any, error) {
	atime := args[0].(int64)
	mtime := args[1].(int64)
	h, ok := s.hashes[keys[0]]
	if !ok {
		return int64(-3), nil
	}
	h["atime"] = fmt.Sprintf("%d", atime)
	h["mtime"] = fmt.Sprintf("%d", mtime)
	return int64(0), nil
}

var _ = atou32
var _ = atou64
