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

package audit

import "database/sql"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source     TEXT NOT NULL,
	protocol   TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  INTEGER NOT NULL,
	ts          INTEGER NOT NULL,
	operation   TEXT NOT NULL,
	path        TEXT NOT NULL,
	inode       INTEGER NOT NULL,
	before_hash TEXT,
	after_hash  TEXT,
	result_code INTEGER NOT NULL,
	params_json TEXT
);

CREATE INDEX IF NOT EXISTS audit_log_session_idx ON audit_log (session_id);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
