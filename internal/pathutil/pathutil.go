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

// Package pathutil holds the pure, non-suspending functions of the core:
// path normalization and splitting, POSIX mode/type bit packing, and
// timestamp helpers. Nothing here consults the filesystem or blocks.
package pathutil

import (
	"os"
	"strings"

	"github.com/duskwatch/phantomfs/clock"
	"github.com/duskwatch/phantomfs/internal/model"
)

// Split normalizes path textually (resolving "." and ".." components
// without touching any store) and returns its non-empty components.
//
// Split("/a/./b/../c") == ["a", "c"]
func Split(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

// SplitParent splits a path into its parent's components and its final
// component (the basename). SplitParent("/a/b/c") == (["a","b"], "c").
func SplitParent(path string) (parent []string, name string) {
	comps := Split(path)
	if len(comps) == 0 {
		return nil, ""
	}
	return comps[:len(comps)-1], comps[len(comps)-1]
}

// Join reassembles normalized components into an absolute path string.
func Join(comps []string) string {
	if len(comps) == 0 {
		return "/"
	}
	return "/" + strings.Join(comps, "/")
}

// PackMode fuses a type discriminant with POSIX permission bits into the
// os.FileMode representation used throughout the core and by
// github.com/jacobsa/fuse.
func PackMode(t model.InodeType, perm os.FileMode) os.FileMode {
	perm &= 0777
	switch t {
	case model.InodeTypeDirectory:
		return os.ModeDir | perm
	case model.InodeTypeSymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}

// TypeOf recovers the InodeType encoded in a packed mode.
func TypeOf(mode os.FileMode) model.InodeType {
	switch {
	case mode&os.ModeDir != 0:
		return model.InodeTypeDirectory
	case mode&os.ModeSymlink != 0:
		return model.InodeTypeSymlink
	default:
		return model.InodeTypeRegular
	}
}

// PermOf strips the type bits, leaving only the nine rwx permission bits;
// setuid, setgid and sticky are dropped as well.
func PermOf(mode os.FileMode) os.FileMode {
	return mode & 0777
}

// Now returns the current time as integer seconds since c's epoch,
// matching spec's "integer seconds in a configurable epoch" timestamp
// domain.
func Now(c clock.Clock) int64 {
	return c.Now().Unix()
}
