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

package cfg

// Default returns the configuration that is in effect before any flag,
// environment variable or config file has been applied.
func Default() Config {
	return Config{
		Persona: "default",
		Umask:   UmaskConfig{Default: 0022},
		Vfs:     VfsConfig{CallDeadlineMs: 5000},
		Content: ContentConfig{MaxBytes: 1 << 20},
		Audit: AuditConfig{
			BufferMaxEvents: 4096,
			DSN:             "audit.db",
		},
		Symlink: SymlinkConfig{MaxDepth: 40},
		KV:      KVConfig{Addr: "127.0.0.1:6379"},
		Logging: LoggingConfig{
			Severity: InfoLogSeverity,
			Format:   LogFormatText,
		},
	}
}
