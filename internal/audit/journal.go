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

// Package audit is the audit journal: ordered, durable event
// emission to a relational store, session lifecycle bookkeeping, and
// failure-tolerant buffering so that a store outage degrades logging
// fidelity rather than filesystem behavior.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/duskwatch/phantomfs/clock"
	"github.com/duskwatch/phantomfs/internal/logger"
	"github.com/duskwatch/phantomfs/internal/metrics"
	"github.com/duskwatch/phantomfs/internal/model"
)

// DefaultBufferMaxEvents bounds the in-memory queue used while the
// relational store is unavailable.
const DefaultBufferMaxEvents = 4096

// Journal records session lifecycle and per-operation audit events. A
// write that fails because the store is transiently down is buffered
// rather than surfaced: the filesystem core never blocks or fails a VFS
// call because of an audit outage.
type Journal struct {
	db      *sql.DB
	clock   clock.Clock
	metrics *metrics.Handle

	mu        sync.Mutex
	buffer    []bufferedRecord
	bufferMax int
	dropped   int64
}

type bufferedRecord struct {
	sessionID  int64
	ts         int64
	operation  string
	path       string
	inode      uint64
	beforeHash string
	afterHash  string
	resultCode int
	paramsJSON string
}

// Open connects to dsn (a sqlite3 DSN, e.g. a file path or ":memory:"),
// applies the schema, and returns a ready Journal.
func Open(dsn string, c clock.Clock, m *metrics.Handle, bufferMax int) (*Journal, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if bufferMax <= 0 {
		bufferMax = DefaultBufferMaxEvents
	}
	return &Journal{db: db, clock: c, metrics: m, bufferMax: bufferMax}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginSession inserts a new session row and returns its id.
func (j *Journal) BeginSession(ctx context.Context, source, protocol string) (int64, error) {
	now := j.clock.Now().Unix()
	res, err := j.db.ExecContext(ctx, `INSERT INTO sessions (source, protocol, started_at, ended_at) VALUES (?, ?, ?, NULL)`, source, protocol, now)
	if err != nil {
		logger.Errorf("audit: begin_session failed: %v", err)
		return 0, err
	}
	return res.LastInsertId()
}

// EndSession stamps a session's end time.
func (j *Journal) EndSession(ctx context.Context, sessionID int64) error {
	now := j.clock.Now().Unix()
	_, err := j.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		logger.Errorf("audit: end_session failed: %v", err)
	}
	return err
}

// Record appends one audit event. It never returns an error to the
// caller by design: on store failure the event is buffered and a
// WARNING is logged locally; the VFS call that triggered it proceeds
// unaffected.
func (j *Journal) Record(ctx context.Context, ev model.AuditEvent) {
	paramsJSON := "null"
	if ev.Params != nil {
		if b, err := json.Marshal(ev.Params); err == nil {
			paramsJSON = string(b)
		} else {
			logger.Warnf("audit: failed to marshal params for %s %s: %v", ev.Operation, ev.Path, err)
		}
	}

	rec := bufferedRecord{
		sessionID:  ev.SessionID,
		ts:         ev.Timestamp,
		operation:  ev.Operation,
		path:       ev.Path,
		inode:      ev.Inode,
		beforeHash: ev.BeforeHash,
		afterHash:  ev.AfterHash,
		resultCode: ev.ResultCode,
		paramsJSON: paramsJSON,
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.writeLocked(ctx, rec)
}

// writeLocked keeps events in issue order: while anything is buffered
// (or a drop count is pending) it first tries to drain the buffer,
// including a promoted audit-drop event if any records were lost to
// overflow, and enqueues rec behind the buffered records unless the drain
// empties it. With nothing buffered it inserts rec directly; on failure it
// enqueues rec (dropping the oldest buffered record if full). Must be
// called with j.mu held.
func (j *Journal) writeLocked(ctx context.Context, rec bufferedRecord) {
	if len(j.buffer) > 0 || j.dropped > 0 {
		j.drainLocked(ctx)
	}
	if len(j.buffer) > 0 || j.dropped > 0 {
		logger.Warnf("audit: store unavailable, buffering event %s %s", rec.operation, rec.path)
		j.enqueueLocked(rec)
		return
	}
	if err := j.insert(ctx, rec); err != nil {
		logger.Warnf("audit: store unavailable, buffering event %s %s: %v", rec.operation, rec.path, err)
		j.enqueueLocked(rec)
	}
}

func (j *Journal) insert(ctx context.Context, rec bufferedRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO audit_log (session_id, ts, operation, path, inode, before_hash, after_hash, result_code, params_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.sessionID, rec.ts, rec.operation, rec.path, rec.inode, rec.beforeHash, rec.afterHash, rec.resultCode, rec.paramsJSON)
	return err
}

func (j *Journal) enqueueLocked(rec bufferedRecord) {
	if len(j.buffer) >= j.bufferMax {
		j.buffer = j.buffer[1:]
		j.dropped++
	}
	j.buffer = append(j.buffer, rec)
}

// drainLocked flushes buffered records now that the store has accepted a
// write, promoting a single audit-drop event first if any were lost.
func (j *Journal) drainLocked(ctx context.Context) {
	if j.dropped > 0 {
		dropEvent := bufferedRecord{
			sessionID:  0,
			ts:         j.clock.Now().Unix(),
			operation:  "audit-drop",
			path:       "",
			inode:      0,
			resultCode: 0,
			paramsJSON: `{"dropped":` + strconv.FormatInt(j.dropped, 10) + `}`,
		}
		if err := j.insert(ctx, dropEvent); err == nil {
			if j.metrics != nil {
				j.metrics.AuditDropCount(ctx, j.dropped)
			}
			j.dropped = 0
		} else {
			// Store flipped back down already; stop draining until next success.
			return
		}
	}

	remaining := j.buffer[:0]
	for i, rec := range j.buffer {
		if err := j.insert(ctx, rec); err != nil {
			remaining = append(remaining, j.buffer[i:]...)
			break
		}
	}
	j.buffer = remaining
}
