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

// Package blobstore is the Blob Store & Materializer: content-
// addressed storage keyed by a SHA-256 digest, and single-flight
// coordination of lazy ghost-file generation. Write buffering here follows
// a dirty-buffer-then-sync discipline for mutable content, generalized
// from a GCS object generation marker to a content hash.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/duskwatch/phantomfs/clock"
	"github.com/duskwatch/phantomfs/internal/contentgen"
	"github.com/duskwatch/phantomfs/internal/kv"
	"github.com/duskwatch/phantomfs/internal/kv/scripts"
	"github.com/duskwatch/phantomfs/internal/logger"
	"github.com/duskwatch/phantomfs/internal/metrics"
	"github.com/jacobsa/fuse"
)

const (
	// DefaultLockTTL bounds how long a crashed materializer can wedge
	// future readers ("Ghost-materialization coordination keys carry
	// an expiry").
	DefaultLockTTL = 10 * time.Second

	// DefaultPollInterval is how often a waiter re-checks the lock and
	// the inode's content_hash while another caller materializes.
	DefaultPollInterval = 20 * time.Millisecond
)

// BlobStore reads and writes content-addressed blobs and coordinates
// ghost-file materialization.
type BlobStore struct {
	Store        kv.Store
	Clock        clock.Clock
	Generator    contentgen.Generator
	Metrics      *metrics.Handle
	LockTTL      time.Duration
	PollInterval time.Duration
	MaxBytes     int
}

// New constructs a BlobStore with the given collaborators. LockTTL and
// PollInterval are set to DefaultLockTTL and DefaultPollInterval; a
// maxBytes of zero or less leaves generator output unbounded.
func New(store kv.Store, c clock.Clock, gen contentgen.Generator, m *metrics.Handle, maxBytes int) *BlobStore {
	return &BlobStore{
		Store:        store,
		Clock:        c,
		Generator:    gen,
		Metrics:      m,
		LockTTL:      DefaultLockTTL,
		PollInterval: DefaultPollInterval,
		MaxBytes:     maxBytes,
	}
}

// Digest computes the content-addressing key for a byte string:
// the SHA-256 hex digest.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// GetBlob fetches the immutable byte string under digest. A missing blob
// despite a non-empty digest means the store is corrupted and is
// surfaced as EIO by the caller.
func (b *BlobStore) GetBlob(ctx context.Context, digest string) ([]byte, bool, error) {
	v, ok, err := b.Store.Get(ctx, kv.KeyBlob(digest))
	if err != nil {
		return nil, false, fuse.EIO
	}
	return v, ok, nil
}

// PutBlob inserts content under its digest if absent (insert-once semantics);
// if a blob under that digest already exists it is left untouched.
func (b *BlobStore) PutBlob(ctx context.Context, content []byte) (string, error) {
	digest := Digest(content)
	_, err := b.Store.SetNX(ctx, kv.KeyBlob(digest), content, 0)
	if err != nil {
		return "", fuse.EIO
	}
	return digest, nil
}

// WriteContent is the user-initiated write path: store the blob,
// then atomically rebind the inode's content_hash/size.
func (b *BlobStore) WriteContent(ctx context.Context, inodeID uint64, content []byte) (digest string, err error) {
	digest, err = b.PutBlob(ctx, content)
	if err != nil {
		return "", err
	}
	code, err := scripts.WriteContent(ctx, b.Store, inodeID, digest, uint64(len(content)), b.Clock.Now().Unix())
	if err != nil {
		return "", fuse.EIO
	}
	if code != 0 {
		return "", fuse.EIO
	}
	return digest, nil
}

func (b *BlobStore) readContentHash(ctx context.Context, inodeID uint64) (string, error) {
	fields, ok, err := b.Store.HGetAll(ctx, kv.KeyInode(inodeID))
	if err != nil {
		return "", fuse.EIO
	}
	if !ok {
		return "", fuse.ENOENT
	}
	return fields["content_hash"], nil
}

// Materialize runs the lazy ghost-generation protocol for a
// regular-file inode with no content_hash. It returns the materialized
// (or already-materialized, if a concurrent writer won the race) bytes.
func (b *BlobStore) Materialize(ctx context.Context, inodeID uint64, gctx contentgen.Context) ([]byte, error) {
	lockKey := kv.KeyGhostLock(inodeID)
	start := b.Clock.Now()

	for {
		hash, err := b.readContentHash(ctx, inodeID)
		if err != nil {
			return nil, err
		}
		if hash != "" {
			content, ok, err := b.GetBlob(ctx, hash)
			if err != nil {
				return nil, err
			}
			if !ok {
				logger.Errorf("materialize: blob missing for inode %d digest %s", inodeID, hash)
				return nil, fuse.EIO
			}
			return content, nil
		}

		acquired, err := b.Store.SetNX(ctx, lockKey, []byte("1"), b.LockTTL)
		if err != nil {
			return nil, fuse.EIO
		}
		if !acquired {
			select {
			case <-b.Clock.After(b.PollInterval):
				continue
			case <-ctx.Done():
				return nil, fuse.EIO
			}
		}

		content, err := b.generateAndCommit(ctx, inodeID, gctx)
		_ = b.Store.Del(ctx, lockKey)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if b.Metrics != nil {
				b.Metrics.MaterializationCount(ctx)
				b.Metrics.MaterializationLatency(ctx, float64(b.Clock.Now().Sub(start).Microseconds()))
			}
			return content, nil
		}
		// Another writer raced and committed between our hash check and
		// acquiring the lock; loop to re-read the now-materialized hash.
	}
}

// generateAndCommit holds the lock and performs the remaining steps: re-check,
// generate, insert blob, commit. A nil, nil return means another writer
// already committed and the caller should re-read and retry.
func (b *BlobStore) generateAndCommit(ctx context.Context, inodeID uint64, gctx contentgen.Context) ([]byte, error) {
	hash, err := b.readContentHash(ctx, inodeID)
	if err != nil {
		return nil, err
	}
	if hash != "" {
		return nil, nil
	}

	content, err := b.Generator.Generate(ctx, gctx)
	if err != nil {
		return nil, fuse.EIO
	}
	if b.MaxBytes > 0 && len(content) > b.MaxBytes {
		logger.Warnf("materialize: generator for %q returned %d bytes, truncating to %d", gctx.Path, len(content), b.MaxBytes)
		content = content[:b.MaxBytes]
	}

	digest, err := b.PutBlob(ctx, content)
	if err != nil {
		return nil, err
	}

	code, err := scripts.MaterializeGhost(ctx, b.Store, inodeID, digest, uint64(len(content)), b.Clock.Now().Unix())
	if err != nil {
		return nil, fuse.EIO
	}
	if code == -5 {
		// The freshly generated blob is retained harmlessly.
		return nil, nil
	}
	if code != 0 {
		return nil, fuse.EIO
	}
	return content, nil
}
