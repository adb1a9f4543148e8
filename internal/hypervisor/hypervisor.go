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

// Package hypervisor is the state hypervisor: it translates logical
// filesystem verbs into calls against the KV Adapter and Atomic Script
// Library, returning strongly-typed results or POSIX-style error codes.
// It holds no locks of its own; every verb is linearizable at the
// atomic-script boundary.
package hypervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/duskwatch/phantomfs/clock"
	"github.com/duskwatch/phantomfs/internal/kv"
	"github.com/duskwatch/phantomfs/internal/kv/scripts"
	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/duskwatch/phantomfs/internal/pathutil"
	"github.com/jacobsa/fuse"
)

// DefaultSymlinkMaxDepth is the bound used when no recognized option
// overrides it.
const DefaultSymlinkMaxDepth = 40

// Hypervisor is the entry point for every filesystem verb. It is safe for
// concurrent use by multiple VFS callbacks; it carries no mutable state of
// its own.
type Hypervisor struct {
	Store           kv.Store
	Clock           clock.Clock
	SymlinkMaxDepth int
}

// New constructs a Hypervisor. symlinkMaxDepth <= 0 falls back to
// DefaultSymlinkMaxDepth.
func New(store kv.Store, c clock.Clock, symlinkMaxDepth int) *Hypervisor {
	if symlinkMaxDepth <= 0 {
		symlinkMaxDepth = DefaultSymlinkMaxDepth
	}
	return &Hypervisor{Store: store, Clock: c, SymlinkMaxDepth: symlinkMaxDepth}
}

func (h *Hypervisor) now() int64 {
	return pathutil.Now(h.Clock)
}

// GetInode fetches one inode's metadata by id. Returns fuse.ENOENT if
// absent.
func (h *Hypervisor) GetInode(ctx context.Context, id uint64) (*model.Inode, error) {
	fields, ok, err := h.Store.HGetAll(ctx, kv.KeyInode(id))
	if err != nil {
		return nil, mapAdapterErr(err)
	}
	if !ok {
		return nil, fuse.ENOENT
	}
	return decodeInode(id, fields), nil
}

// lookupChild resolves a single path component under a directory inode,
// without following symlinks.
func (h *Hypervisor) lookupChild(ctx context.Context, parentID uint64, name string) (uint64, error) {
	score, ok, err := h.Store.ZScore(ctx, kv.KeyDir(parentID), name)
	if err != nil {
		return 0, mapAdapterErr(err)
	}
	if !ok {
		return 0, fuse.ENOENT
	}
	return uint64(score), nil
}

// LookupChildInode resolves a single path component under a directory
// inode without following a trailing symlink, matching lookup(2)/lstat(2)
// semantics: the symlink's own inode is returned, not its target's.
func (h *Hypervisor) LookupChildInode(ctx context.Context, parentID uint64, name string) (*model.Inode, error) {
	childID, err := h.lookupChild(ctx, parentID, name)
	if err != nil {
		return nil, err
	}
	return h.GetInode(ctx, childID)
}

// ResolvePath resolves an absolute, textually-normalized path to an inode
// id, following symlinks (bounded by SymlinkMaxDepth).
func (h *Hypervisor) ResolvePath(ctx context.Context, path string) (uint64, error) {
	return h.resolve(ctx, pathutil.Split(path), 0)
}

func (h *Hypervisor) resolve(ctx context.Context, comps []string, depth int) (uint64, error) {
	cur := model.RootInodeID
	for i, name := range comps {
		childID, err := h.lookupChild(ctx, cur, name)
		if err != nil {
			return 0, err
		}
		inode, err := h.GetInode(ctx, childID)
		if err != nil {
			return 0, err
		}
		if inode.Type == model.InodeTypeSymlink {
			if depth >= h.SymlinkMaxDepth {
				return 0, syscall.ELOOP
			}
			target := inode.SymlinkTarget
			var rest []string
			if strings.HasPrefix(target, "/") {
				rest = pathutil.Split(target)
			} else {
				rest = append(pathutil.Split(pathutil.Join(comps[:i])), pathutil.Split(target)...)
			}
			rest = append(rest, comps[i+1:]...)
			return h.resolve(ctx, rest, depth+1)
		}
		if i < len(comps)-1 && inode.Type != model.InodeTypeDirectory {
			return 0, fuse.ENOTDIR
		}
		cur = childID
	}
	return cur, nil
}

// resolveParent resolves the parent directory of path and returns its
// inode id along with the final path component. It does not require the
// final component to exist.
func (h *Hypervisor) resolveParent(ctx context.Context, path string) (parentID uint64, name string, err error) {
	parentComps, name := pathutil.SplitParent(path)
	if name == "" {
		return 0, "", syscall.EINVAL
	}
	parentID, err = h.resolve(ctx, parentComps, 0)
	if err != nil {
		return 0, "", err
	}
	parent, err := h.GetInode(ctx, parentID)
	if err != nil {
		return 0, "", err
	}
	if parent.Type != model.InodeTypeDirectory {
		return 0, "", fuse.ENOTDIR
	}
	return parentID, name, nil
}

// Stat resolves path and returns its inode.
func (h *Hypervisor) Stat(ctx context.Context, path string) (*model.Inode, error) {
	id, err := h.ResolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	return h.GetInode(ctx, id)
}

// DirListEntry is one row of a directory listing: a name plus the
// metadata needed to render it (type, mode, size, mtime).
type DirListEntry struct {
	Name  string
	Inode *model.Inode
}

// ListDirectory enumerates path's directory-entry set in natural key
// order, batch-fetching each child's metadata. It does not stream.
func (h *Hypervisor) ListDirectory(ctx context.Context, path string) ([]DirListEntry, error) {
	id, err := h.ResolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	dir, err := h.GetInode(ctx, id)
	if err != nil {
		return nil, err
	}
	if dir.Type != model.InodeTypeDirectory {
		return nil, fuse.ENOTDIR
	}
	members, err := h.Store.ZRange(ctx, kv.KeyDir(id))
	if err != nil {
		return nil, mapAdapterErr(err)
	}
	out := make([]DirListEntry, 0, len(members))
	for _, m := range members {
		childID := uint64(m.Score)
		child, err := h.GetInode(ctx, childID)
		if err != nil {
			if err == fuse.ENOENT {
				continue
			}
			return nil, err
		}
		out = append(out, DirListEntry{Name: m.Member, Inode: child})
	}
	return out, nil
}

// CreateFile creates a regular file under path's parent, masking mode by
// umask. On success it records nothing itself — audit emission is the
// caller's (internal/fs's) responsibility.
func (h *Hypervisor) CreateFile(ctx context.Context, path string, mode os.FileMode, umask os.FileMode, uid, gid uint32) (*model.Inode, error) {
	return h.create(ctx, path, model.InodeTypeRegular, mode, umask, uid, gid, "")
}

// MakeDirectory creates a directory under path's parent.
func (h *Hypervisor) MakeDirectory(ctx context.Context, path string, mode os.FileMode, umask os.FileMode, uid, gid uint32) (*model.Inode, error) {
	return h.create(ctx, path, model.InodeTypeDirectory, mode, umask, uid, gid, "")
}

// MakeSymlink creates a symlink under path's parent pointing at target.
func (h *Hypervisor) MakeSymlink(ctx context.Context, path, target string, uid, gid uint32) (*model.Inode, error) {
	inode, err := h.create(ctx, path, model.InodeTypeSymlink, 0777, 0, uid, gid, target)
	return inode, err
}

func (h *Hypervisor) create(ctx context.Context, path string, typ model.InodeType, mode, umask os.FileMode, uid, gid uint32, symlinkTarget string) (*model.Inode, error) {
	parentID, name, err := h.resolveParent(ctx, path)
	if err != nil {
		return nil, err
	}
	masked := pathutil.PermOf(mode) &^ pathutil.PermOf(umask)
	if typ == model.InodeTypeSymlink {
		masked = pathutil.PermOf(mode)
	}
	id, code, err := scripts.CreateEntry(ctx, h.Store, parentID, name, masked, typ, uid, gid, h.now())
	if err != nil {
		return nil, mapAdapterErr(err)
	}
	if code != 0 {
		return nil, mapScriptErr(code, true)
	}
	if typ == model.InodeTypeSymlink {
		if err := h.Store.HSet(ctx, kv.KeyInode(id), map[string]string{
			"symlink_target": symlinkTarget,
			"size":           fmt.Sprintf("%d", len(symlinkTarget)),
		}); err != nil {
			return nil, mapAdapterErr(err)
		}
	}
	return h.GetInode(ctx, id)
}

// Unlink removes a non-directory entry.
func (h *Hypervisor) Unlink(ctx context.Context, path string) error {
	return h.deleteEntry(ctx, path, false)
}

// RemoveDirectory removes an empty directory entry. It refuses the root.
func (h *Hypervisor) RemoveDirectory(ctx context.Context, path string) error {
	if pathutil.Join(pathutil.Split(path)) == "/" {
		return fuse.ENOTEMPTY
	}
	return h.deleteEntry(ctx, path, true)
}

func (h *Hypervisor) deleteEntry(ctx context.Context, path string, wantDir bool) error {
	parentID, name, err := h.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	childID, err := h.lookupChild(ctx, parentID, name)
	if err != nil {
		return err
	}
	child, err := h.GetInode(ctx, childID)
	if err != nil {
		return err
	}
	isDir := child.Type == model.InodeTypeDirectory
	if wantDir && !isDir {
		return fuse.ENOTDIR
	}
	if !wantDir && isDir {
		return syscall.EISDIR
	}
	code, err := scripts.DeleteEntry(ctx, h.Store, parentID, name, h.now())
	if err != nil {
		return mapAdapterErr(err)
	}
	return mapScriptErr(code, false)
}

// Rename moves oldPath to newPath, refusing a move into one's own
// subdirectory.
func (h *Hypervisor) Rename(ctx context.Context, oldPath, newPath string) error {
	if isUnder(oldPath, newPath) {
		return syscall.EINVAL
	}
	oldParent, oldName, err := h.resolveParent(ctx, oldPath)
	if err != nil {
		return err
	}
	newParent, newName, err := h.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}
	code, err := scripts.RenameEntry(ctx, h.Store, oldParent, oldName, newParent, newName, h.now())
	if err != nil {
		return mapAdapterErr(err)
	}
	return mapScriptErr(code, true)
}

// isUnder reports whether new is old itself or lies within old's
// subtree — e.g. mv /a /a/b.
func isUnder(oldPath, newPath string) bool {
	oldComps := pathutil.Split(oldPath)
	newComps := pathutil.Split(newPath)
	if len(newComps) < len(oldComps) {
		return false
	}
	for i, c := range oldComps {
		if newComps[i] != c {
			return false
		}
	}
	return true
}

// Chmod updates an inode's permission bits.
func (h *Hypervisor) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	id, err := h.ResolvePath(ctx, path)
	if err != nil {
		return err
	}
	code, err := scripts.SetMode(ctx, h.Store, id, pathutil.PermOf(mode), h.now())
	if err != nil {
		return mapAdapterErr(err)
	}
	return mapScriptErr(code, false)
}

// Chown updates an inode's owner/group.
func (h *Hypervisor) Chown(ctx context.Context, path string, uid, gid uint32) error {
	id, err := h.ResolvePath(ctx, path)
	if err != nil {
		return err
	}
	code, err := scripts.SetOwner(ctx, h.Store, id, uid, gid, h.now())
	if err != nil {
		return mapAdapterErr(err)
	}
	return mapScriptErr(code, false)
}

// Utimes updates an inode's atime/mtime.
func (h *Hypervisor) Utimes(ctx context.Context, path string, atime, mtime int64) error {
	id, err := h.ResolvePath(ctx, path)
	if err != nil {
		return err
	}
	code, err := scripts.SetTimes(ctx, h.Store, id, atime, mtime)
	if err != nil {
		return mapAdapterErr(err)
	}
	return mapScriptErr(code, false)
}

// Readlink returns a symlink's target.
func (h *Hypervisor) Readlink(ctx context.Context, path string) (string, error) {
	parentComps, name := pathutil.SplitParent(path)
	parentID, err := h.resolve(ctx, parentComps, 0)
	if err != nil {
		return "", err
	}
	childID, err := h.lookupChild(ctx, parentID, name)
	if err != nil {
		return "", err
	}
	inode, err := h.GetInode(ctx, childID)
	if err != nil {
		return "", err
	}
	if inode.Type != model.InodeTypeSymlink {
		return "", syscall.EINVAL
	}
	return inode.SymlinkTarget, nil
}

// mapScriptErr applies the error mapping table to a script's negative
// result code. create distinguishes -2's two possible causes; here both
// resolve to ENOENT/ENOTDIR depending on isCreate, since the parent
// existence check already ran in resolveParent before the script call —
// a -2 at this point means the parent stopped being a directory, which is
// surfaced as ENOTDIR for create operations.
func mapScriptErr(code int, isCreate bool) error {
	switch code {
	case 0:
		return nil
	case -1:
		return fuse.EEXIST
	case -2:
		if isCreate {
			return fuse.ENOTDIR
		}
		return fuse.ENOENT
	case -3:
		return fuse.ENOENT
	case -4:
		return fuse.ENOTEMPTY
	case -5:
		return fuse.EIO
	default:
		return fuse.EIO
	}
}

func mapAdapterErr(err error) error {
	if err == nil {
		return nil
	}
	return fuse.EIO
}
