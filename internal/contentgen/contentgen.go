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

// Package contentgen defines the external Content Generator capability
// and ships two implementations: a deterministic persona-aware
// template engine for running the core standalone, and a fixed-corpus
// mock for tests.
package contentgen

import "context"

// Context carries everything the generator needs to produce bytes for one
// ghost file.
type Context struct {
	Path          string
	Filename      string
	ParentPath    string
	Persona       string
	FileExtension string
	RoleHint      string
}

// Generator is the sole operation external to this repository's core:
// generate(context) -> bytes. It may fail; a failing call leaves the
// inode ghostly for future retries. It is not required to be
// idempotent — internal/blobstore is responsible for ensuring only one
// concurrent generation ever becomes the committed content.
type Generator interface {
	Generate(ctx context.Context, gctx Context) ([]byte, error)
}
