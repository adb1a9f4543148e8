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
	"path"
	"strings"
	"time"

	"github.com/duskwatch/phantomfs/internal/contentgen"
	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/jacobsa/fuse/fuseops"
)

func toAttributes(in *model.Inode) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  in.Size,
		Nlink: in.Nlink,
		Mode:  in.Mode,
		Atime: time.Unix(in.Atime, 0),
		Mtime: time.Unix(in.Mtime, 0),
		Ctime: time.Unix(in.Ctime, 0),
		Uid:   in.Uid,
		Gid:   in.Gid,
	}
}

// genContext builds the content generator context for a ghost file
// at p, using fs's configured persona.
func (fs *fileSystem) genContext(p string) contentgen.Context {
	base := path.Base(p)
	ext := ""
	if i := strings.LastIndex(base, "."); i > 0 {
		ext = base[i+1:]
	}
	return contentgen.Context{
		Path:          p,
		Filename:      base,
		ParentPath:    path.Dir(p),
		Persona:       fs.persona,
		FileExtension: ext,
		RoleHint:      roleHint(p),
	}
}

// roleHint guesses a coarse role from the path shape, giving the
// generator a little more context than the extension alone.
func roleHint(p string) string {
	lower := strings.ToLower(p)
	switch {
	case strings.Contains(lower, "db") || strings.Contains(lower, "database"):
		return "db"
	case strings.Contains(lower, "secret") || strings.Contains(lower, "credential") || strings.Contains(lower, "password"):
		return "secret"
	default:
		return ""
	}
}
