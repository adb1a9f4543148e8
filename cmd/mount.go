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

package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/duskwatch/phantomfs/clock"
	"github.com/duskwatch/phantomfs/internal/audit"
	"github.com/duskwatch/phantomfs/internal/blobstore"
	"github.com/duskwatch/phantomfs/internal/contentgen"
	"github.com/duskwatch/phantomfs/internal/fs"
	"github.com/duskwatch/phantomfs/internal/hypervisor"
	"github.com/duskwatch/phantomfs/internal/kv"
	"github.com/duskwatch/phantomfs/internal/logger"
	"github.com/duskwatch/phantomfs/internal/metrics"
	"github.com/jacobsa/fuse"
)

// mount wires every collaborator configured in Config, seeds the root
// directory if the store is empty, and blocks serving FUSE ops until the
// file system is unmounted.
func mount(mountPoint string) error {
	if err := logger.Init(Config.Logging); err != nil {
		return fmt.Errorf("logger.Init: %w", err)
	}

	if Config.Logging.FilePath != "" {
		cw := &CrashWriter{fileName: Config.Logging.FilePath + ".crash"}
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(cw, "panic: %v\n%s\n", r, debug.Stack())
				panic(r)
			}
		}()
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("metrics.New: %w", err)
	}

	ctx := context.Background()

	store := kv.NewRedisStore(Config.KV)
	defer store.Close()

	if err := seedRoot(ctx, store); err != nil {
		return fmt.Errorf("seeding root inode: %w", err)
	}

	realClock := clock.RealClock{}
	hv := hypervisor.New(store, realClock, Config.Symlink.MaxDepth)

	blobs := blobstore.New(store, realClock, contentgen.NewTemplateGenerator(), m, Config.Content.MaxBytes)

	journal, err := audit.Open(Config.Audit.DSN, realClock, m, Config.Audit.BufferMaxEvents)
	if err != nil {
		return fmt.Errorf("audit.Open: %w", err)
	}
	defer journal.Close()

	sessionID, err := journal.BeginSession(ctx, mountPoint, "fuse")
	if err != nil {
		logger.Warnf("mount: could not record session start: %v", err)
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	server, err := fs.NewServer(fs.Config{
		Hypervisor:   hv,
		Blobs:        blobs,
		Audit:        journal,
		Clock:        realClock,
		Metrics:      m,
		Persona:      Config.Persona,
		BaitPaths:    Config.Bait.Paths,
		Umask:        os.FileMode(Config.Umask.Default),
		CallDeadline: time.Duration(Config.Vfs.CallDeadlineMs) * time.Millisecond,
		Uid:          uid,
		Gid:          gid,
		SessionID:    sessionID,
	})
	if err != nil {
		return fmt.Errorf("fs.NewServer: %w", err)
	}

	logger.Infof("Mounting phantomfs at %q...", mountPoint)
	mountCfg := &fuse.MountConfig{
		FSName:     "phantomfs",
		Subtype:    "phantomfs",
		VolumeName: "phantomfs",
	}

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}

	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("serving file system: %w", err)
	}

	if sessionID != 0 {
		_ = journal.EndSession(ctx, sessionID)
	}
	return nil
}

// seedRoot creates the root directory inode if the store has never been
// initialized, so a fresh deployment mounts cleanly on its first run.
func seedRoot(ctx context.Context, store kv.Store) error {
	exists, err := store.Exists(ctx, kv.KeyInode(1))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	now := fmt.Sprintf("%d", time.Now().Unix())
	return store.HSet(ctx, kv.KeyInode(1), map[string]string{
		"type": "1", "mode": fmt.Sprintf("%d", 0755), "nlink": "2",
		"uid": "0", "gid": "0", "size": "0",
		"ctime": now, "mtime": now, "atime": now,
	})
}
