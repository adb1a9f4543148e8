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

// Package scripts is the atomic script library: the minimum set of
// server-side mutations multi-key enough to require a "one commit,
// all effects or none" guarantee. Each script has a literal Lua
// source string, evaluated through kv.Store.EvalScript, and a typed Go
// wrapper that packs its positional arguments and unpacks its typed
// result.
package scripts

import (
	"context"
	"fmt"
	"os"

	"github.com/duskwatch/phantomfs/internal/kv"
	"github.com/duskwatch/phantomfs/internal/model"
)

// createEntryLua allocates the next inode id, writes its metadata hash,
// and inserts the directory entry, refusing if the name is already taken
// or the parent is not a directory.
const createEntryLua = `
local dir_key = KEYS[1]
local parent_id, name, mode, typ, uid, gid, ts = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7]
local parent_key = "fs:inode:" .. parent_id
if redis.call("EXISTS", parent_key) == 0 then return -2 end
if redis.call("HGET", parent_key, "type") ~= "1" then return -2 end
if redis.call("ZSCORE", dir_key, name) then return -1 end
local id = redis.call("INCR", "fs:next_inode")
if id == 1 then id = redis.call("INCR", "fs:next_inode") end
local nlink = 1
if typ == "1" then nlink = 2 end
redis.call("HSET", "fs:inode:" .. id,
  "mode", mode, "type", typ, "uid", uid, "gid", gid,
  "size", "0", "ctime", ts, "mtime", ts, "atime", ts, "nlink", nlink)
redis.call("ZADD", dir_key, id, name)
if typ == "1" then redis.call("HINCRBY", parent_key, "nlink", 1) end
return id
`

// deleteEntryLua removes a directory entry and decrements / deletes the
// child inode, refusing on a non-empty directory.
const deleteEntryLua = `
local dir_key = KEYS[1]
local parent_id, name, ts = ARGV[1], ARGV[2], ARGV[3]
local child_id = redis.call("ZSCORE", dir_key, name)
if not child_id then return -3 end
local child_key = "fs:inode:" .. child_id
local typ = redis.call("HGET", child_key, "type")
if typ == "1" and redis.call("ZCARD", "fs:dir:" .. child_id) > 0 then return -4 end
redis.call("ZREM", dir_key, name)
local nlink = redis.call("HINCRBY", child_key, "nlink", -1)
if nlink <= 0 then
  redis.call("DEL", child_key)
  redis.call("DEL", "fs:dir:" .. child_id)
else
  redis.call("HSET", child_key, "ctime", ts)
end
if typ == "1" then redis.call("HINCRBY", "fs:inode:" .. parent_id, "nlink", -1) end
return 0
`

// renameEntryLua moves a directory entry between (or within) directories
// in one commit, optionally replacing an existing destination entry of
// the same type.
const renameEntryLua = `
local old_dir, new_dir = KEYS[1], KEYS[2]
local old_parent, old_name, new_parent, new_name, ts = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local child_id = redis.call("ZSCORE", old_dir, old_name)
if not child_id then return -3 end
local existing_id = redis.call("ZSCORE", new_dir, new_name)
if existing_id then
  local existing_type = redis.call("HGET", "fs:inode:" .. existing_id, "type")
  local child_type = redis.call("HGET", "fs:inode:" .. child_id, "type")
  if existing_type ~= child_type or existing_type == "1" then return -1 end
  redis.call("DEL", "fs:inode:" .. existing_id)
end
redis.call("ZREM", old_dir, old_name)
redis.call("ZADD", new_dir, child_id, new_name)
redis.call("HSET", "fs:inode:" .. child_id, "ctime", ts)
if redis.call("HGET", "fs:inode:" .. child_id, "type") == "1" and old_parent ~= new_parent then
  redis.call("HINCRBY", "fs:inode:" .. old_parent, "nlink", -1)
  redis.call("HINCRBY", "fs:inode:" .. new_parent, "nlink", 1)
end
return 0
`

// writeContentLua rebinds an inode's content_hash/size after the blob
// itself has already been written by the blob store.
const writeContentLua = `
local inode_key = KEYS[1]
local new_hash, new_size, ts = ARGV[1], ARGV[2], ARGV[3]
if redis.call("EXISTS", inode_key) == 0 then return -5 end
if redis.call("HGET", inode_key, "type") ~= "0" then return -5 end
redis.call("HSET", inode_key, "content_hash", new_hash, "size", new_size, "mtime", ts, "ctime", ts)
return 0
`

// materializeGhostLua is identical to write_content but refuses if
// content_hash is already set, making it the single-flight commit step of
// ghost materialization.
const materializeGhostLua = `
local inode_key = KEYS[1]
local new_hash, new_size, ts = ARGV[1], ARGV[2], ARGV[3]
if redis.call("EXISTS", inode_key) == 0 then return -5 end
if redis.call("HGET", inode_key, "type") ~= "0" then return -5 end
local existing = redis.call("HGET", inode_key, "content_hash")
if existing and existing ~= "" then return -5 end
redis.call("HSET", inode_key, "content_hash", new_hash, "size", new_size, "mtime", ts, "ctime", ts)
return 0
`

const setModeLua = `
local inode_key = KEYS[1]
local mode, ts = ARGV[1], ARGV[2]
if redis.call("EXISTS", inode_key) == 0 then return -3 end
redis.call("HSET", inode_key, "mode", mode, "ctime", ts)
return 0
`

const setOwnerLua = `
local inode_key = KEYS[1]
local uid, gid, ts = ARGV[1], ARGV[2], ARGV[3]
if redis.call("EXISTS", inode_key) == 0 then return -3 end
redis.call("HSET", inode_key, "uid", uid, "gid", gid, "ctime", ts)
return 0
`

const setTimesLua = `
local inode_key = KEYS[1]
local atime, mtime = ARGV[1], ARGV[2]
if redis.call("EXISTS", inode_key) == 0 then return -3 end
redis.call("HSET", inode_key, "atime", atime, "mtime", mtime)
return 0
`

var (
	scriptCreateEntry     = &kv.Script{Name: "create_entry", Source: createEntryLua}
	scriptDeleteEntry     = &kv.Script{Name: "delete_entry", Source: deleteEntryLua}
	scriptRenameEntry     = &kv.Script{Name: "rename_entry", Source: renameEntryLua}
	scriptWriteContent    = &kv.Script{Name: "write_content", Source: writeContentLua}
	scriptMaterializeGhost = &kv.Script{Name: "materialize_ghost", Source: materializeGhostLua}
	scriptSetMode         = &kv.Script{Name: "set_mode", Source: setModeLua}
	scriptSetOwner        = &kv.Script{Name: "set_owner", Source: setOwnerLua}
	scriptSetTimes        = &kv.Script{Name: "set_times", Source: setTimesLua}
)

func resultCode(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return -5
	}
}

// CreateEntry runs create_entry. It returns either a fresh inode id
// (errCode == 0) or one of the documented negative codes.
func CreateEntry(ctx context.Context, store kv.Store, parentID uint64, name string, mode os.FileMode, typ model.InodeType, uid, gid uint32, ts int64) (newID uint64, errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptCreateEntry, []string{kv.KeyDir(parentID)},
		parentID, name, uint32(mode), int(typ), uid, gid, ts)
	if err != nil {
		return 0, 0, err
	}
	n := resultCode(v)
	if n < 0 {
		return 0, int(n), nil
	}
	return uint64(n), 0, nil
}

// DeleteEntry runs delete_entry.
func DeleteEntry(ctx context.Context, store kv.Store, parentID uint64, name string, ts int64) (errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptDeleteEntry, []string{kv.KeyDir(parentID)}, parentID, name, ts)
	if err != nil {
		return 0, err
	}
	return int(resultCode(v)), nil
}

// RenameEntry runs rename_entry.
func RenameEntry(ctx context.Context, store kv.Store, oldParent uint64, oldName string, newParent uint64, newName string, ts int64) (errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptRenameEntry,
		[]string{kv.KeyDir(oldParent), kv.KeyDir(newParent)},
		oldParent, oldName, newParent, newName, ts)
	if err != nil {
		return 0, err
	}
	return int(resultCode(v)), nil
}

// WriteContent runs write_content.
func WriteContent(ctx context.Context, store kv.Store, inode uint64, newHash string, newSize uint64, ts int64) (errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptWriteContent, []string{kv.KeyInode(inode)}, inode, newHash, newSize, ts)
	if err != nil {
		return 0, err
	}
	return int(resultCode(v)), nil
}

// MaterializeGhost runs materialize_ghost — the single-flight commit step
// of the single-flight ghost-materialization protocol. errCode == -5 means another writer already committed.
func MaterializeGhost(ctx context.Context, store kv.Store, inode uint64, newHash string, newSize uint64, ts int64) (errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptMaterializeGhost, []string{kv.KeyInode(inode)}, inode, newHash, newSize, ts)
	if err != nil {
		return 0, err
	}
	return int(resultCode(v)), nil
}

// SetMode runs the metadata-only mode-update script.
func SetMode(ctx context.Context, store kv.Store, inode uint64, mode os.FileMode, ts int64) (errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptSetMode, []string{kv.KeyInode(inode)}, uint32(mode), ts)
	if err != nil {
		return 0, err
	}
	return int(resultCode(v)), nil
}

// SetOwner runs the metadata-only owner-update script.
func SetOwner(ctx context.Context, store kv.Store, inode uint64, uid, gid uint32, ts int64) (errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptSetOwner, []string{kv.KeyInode(inode)}, uid, gid, ts)
	if err != nil {
		return 0, err
	}
	return int(resultCode(v)), nil
}

// SetTimes runs the metadata-only timestamp-update script.
func SetTimes(ctx context.Context, store kv.Store, inode uint64, atime, mtime int64) (errCode int, err error) {
	v, err := store.EvalScript(ctx, scriptSetTimes, []string{kv.KeyInode(inode)}, atime, mtime)
	if err != nil {
		return 0, err
	}
	return int(resultCode(v)), nil
}

var _ = fmt.Sprintf
