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

package pathutil

import (
	"os"
	"testing"

	"github.com/duskwatch/phantomfs/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, Split("/a/./b/../c"))
	assert.Equal(t, []string{}, Split("/"))
	assert.Equal(t, []string{"a"}, Split("a"))
	assert.Equal(t, []string{}, Split("/../.."))
}

func TestSplitParent(t *testing.T) {
	parent, name := SplitParent("/a/b/c")
	assert.Equal(t, []string{"a", "b"}, parent)
	assert.Equal(t, "c", name)

	parent, name = SplitParent("/pwn")
	assert.Empty(t, parent)
	assert.Equal(t, "pwn", name)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/a/b", Join([]string{"a", "b"}))
	assert.Equal(t, "/", Join(nil))
}

func TestPackModeRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		typ  model.InodeType
		perm os.FileMode
	}{
		{model.InodeTypeRegular, 0644},
		{model.InodeTypeDirectory, 0755},
		{model.InodeTypeSymlink, 0777},
	} {
		packed := PackMode(tc.typ, tc.perm)
		assert.Equal(t, tc.typ, TypeOf(packed))
		assert.Equal(t, tc.perm, PermOf(packed))
	}
}
