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

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root of the recognized startup options. It is
// populated by viper from flags and an optional YAML file, in that order
// of precedence; environment variables are not read.
type Config struct {
	Mount MountConfig `yaml:"mount"`

	Persona string `yaml:"persona"`

	Bait BaitConfig `yaml:"bait"`

	Umask UmaskConfig `yaml:"umask"`

	Vfs VfsConfig `yaml:"vfs"`

	Content ContentConfig `yaml:"content"`

	Audit AuditConfig `yaml:"audit"`

	Symlink SymlinkConfig `yaml:"symlink"`

	KV KVConfig `yaml:"kv"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`
}

type MountConfig struct {
	// Path is the directory where the filesystem is attached.
	Path string `yaml:"path"`
}

type BaitConfig struct {
	// Paths is the set of absolute paths whose reads are promoted to
	// bait-read audit events.
	Paths []string `yaml:"paths"`
}

type UmaskConfig struct {
	// Default is the permission mask applied to create/mkdir when the
	// caller does not supply its own.
	Default Octal `yaml:"default"`
}

type VfsConfig struct {
	// CallDeadlineMs is the soft per-callback deadline; exceeding it
	// yields EIO and a timeout audit event.
	CallDeadlineMs int `yaml:"call-deadline-ms"`
}

type ContentConfig struct {
	// MaxBytes bounds the length of bytes a content generator may return.
	MaxBytes int `yaml:"max-bytes"`
}

type AuditConfig struct {
	// BufferMaxEvents bounds the in-memory audit buffer used while the
	// relational store is unreachable.
	BufferMaxEvents int `yaml:"buffer-max-events"`

	// DSN is the data source name for the relational store (a sqlite3
	// file path or ":memory:").
	DSN string `yaml:"dsn"`
}

type SymlinkConfig struct {
	// MaxDepth bounds symlink chain resolution; exceeding it is ELOOP.
	MaxDepth int `yaml:"max-depth"`
}

type KVConfig struct {
	// Addr is the address of the external KV store, e.g. "127.0.0.1:6379".
	Addr string `yaml:"addr"`

	Password string `yaml:"password"`

	DB int `yaml:"db"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	Format LogFormat `yaml:"format"`

	// FilePath, if non-empty, additionally tees log output to this file.
	FilePath string `yaml:"file-path"`
}

type DebugConfig struct {
	// ExitOnInvariantViolation is parsed and bound to a flag, but no
	// component reads it, so it has no effect on behavior.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
}

// BindFlags registers every recognized option as a pflag, binds it into
// viper under its YAML key, and sets its default. Call once on the root
// command before Execute.
func BindFlags(flagSet *pflag.FlagSet) error {
	type binding struct {
		key string
		fn  func() error
	}

	bindings := []binding{
		{"mount.path", func() error {
			flagSet.StringP("mount-path", "", "", "Directory where the filesystem is attached.")
			return viper.BindPFlag("mount.path", flagSet.Lookup("mount-path"))
		}},
		{"persona", func() error {
			flagSet.StringP("persona", "", "default", "Profile string passed to the content generator as context.persona.")
			return viper.BindPFlag("persona", flagSet.Lookup("persona"))
		}},
		{"bait.paths", func() error {
			flagSet.StringSliceP("bait-paths", "", nil, "Absolute paths whose reads emit bait-read audit events.")
			return viper.BindPFlag("bait.paths", flagSet.Lookup("bait-paths"))
		}},
		{"umask.default", func() error {
			flagSet.IntP("umask", "", 0022, "Default permission mask applied to create/mkdir, in octal.")
			return viper.BindPFlag("umask.default", flagSet.Lookup("umask"))
		}},
		{"vfs.call-deadline-ms", func() error {
			flagSet.IntP("vfs-call-deadline-ms", "", 5000, "Soft deadline in milliseconds for a single VFS callback.")
			return viper.BindPFlag("vfs.call-deadline-ms", flagSet.Lookup("vfs-call-deadline-ms"))
		}},
		{"content.max-bytes", func() error {
			flagSet.IntP("content-max-bytes", "", 1<<20, "Hard bound on content generator output length.")
			return viper.BindPFlag("content.max-bytes", flagSet.Lookup("content-max-bytes"))
		}},
		{"audit.buffer-max-events", func() error {
			flagSet.IntP("audit-buffer-max-events", "", 4096, "In-memory audit buffer bound used during store outage.")
			return viper.BindPFlag("audit.buffer-max-events", flagSet.Lookup("audit-buffer-max-events"))
		}},
		{"audit.dsn", func() error {
			flagSet.StringP("audit-dsn", "", "audit.db", "Data source name (sqlite3 file path) for the audit journal.")
			return viper.BindPFlag("audit.dsn", flagSet.Lookup("audit-dsn"))
		}},
		{"symlink.max-depth", func() error {
			flagSet.IntP("symlink-max-depth", "", 40, "Bound on symlink resolution depth.")
			return viper.BindPFlag("symlink.max-depth", flagSet.Lookup("symlink-max-depth"))
		}},
		{"kv.addr", func() error {
			flagSet.StringP("kv-addr", "", "127.0.0.1:6379", "Address of the external KV store.")
			return viper.BindPFlag("kv.addr", flagSet.Lookup("kv-addr"))
		}},
		{"kv.password", func() error {
			flagSet.StringP("kv-password", "", "", "Password for the external KV store.")
			return viper.BindPFlag("kv.password", flagSet.Lookup("kv-password"))
		}},
		{"kv.db", func() error {
			flagSet.IntP("kv-db", "", 0, "Logical database index within the external KV store.")
			return viper.BindPFlag("kv.db", flagSet.Lookup("kv-db"))
		}},
		{"logging.severity", func() error {
			flagSet.StringP("log-severity", "", "INFO", "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
			return viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
		}},
		{"logging.format", func() error {
			flagSet.StringP("log-format", "", "text", "Logging format: text or json.")
			return viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
		}},
		{"logging.file-path", func() error {
			flagSet.StringP("log-file", "", "", "Additional file to tee log output to.")
			return viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
		}},
		{"debug.exit-on-invariant-violation", func() error {
			flagSet.BoolP("debug-invariants", "", false, "Accepted but has no effect: no component reads this option.")
			return viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants"))
		}},
	}

	for _, b := range bindings {
		if err := b.fn(); err != nil {
			return err
		}
	}
	return nil
}
