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

// Package model defines the data entities shared by every component of the
// filesystem core: Inode, Directory Entry, Blob, Session, and Audit Event.
package model

import "os"

// RootInodeID is the reserved id of the root directory. It is created
// during initialization and never deallocated.
const RootInodeID uint64 = 1

// InodeType discriminates the tagged variant represented by Inode. Inodes
// of different types share a common metadata shape; behavior varies by
// type, not by dynamic dispatch.
type InodeType uint8

const (
	InodeTypeRegular InodeType = iota
	InodeTypeDirectory
	InodeTypeSymlink
)

// Inode is the structural record for one filesystem object, independent of
// the names or paths that reference it. Field names mirror
// fuseops.InodeAttributes so translation in internal/fs is a straight
// field copy.
type Inode struct {
	ID    uint64
	Type  InodeType
	Mode  os.FileMode
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
	Nlink uint32

	// ContentHash is the digest of the associated blob. Empty means the
	// inode is a ghost: content has not yet been materialized.
	ContentHash string

	// SymlinkTarget is the target path, set only when Type ==
	// InodeTypeSymlink.
	SymlinkTarget string
}

// IsGhost reports whether a regular-file inode has not yet had its content
// materialized.
func (i *Inode) IsGhost() bool {
	return i.Type == InodeTypeRegular && i.ContentHash == ""
}

// DirEntry is a (name -> child inode id) binding under a parent directory.
type DirEntry struct {
	Name    string
	ChildID uint64
}

// Session describes one attacker connection, owned by the audit journal.
type Session struct {
	ID        int64
	Source    string
	Protocol  string
	StartedAt int64
	EndedAt   int64
}

// AuditEvent is one ordered, append-only record of a mutating or
// security-relevant operation.
type AuditEvent struct {
	ID          int64
	SessionID   int64
	Timestamp   int64
	Operation   string
	Path        string
	Inode       uint64
	BeforeHash  string
	AfterHash   string
	ResultCode  int
	Params      map[string]any
}
