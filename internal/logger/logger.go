// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides leveled, structured logging for the filesystem
// core, in either a human-readable text format or newline-delimited JSON.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/duskwatch/phantomfs/cfg"
)

var (
	defaultLogger        *slog.Logger
	defaultLoggerFactory *loggerFactory
)

func init() {
	defaultLoggerFactory = &loggerFactory{
		format: "text",
		level:  new(slog.LevelVar),
		writer: os.Stdout,
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stdout, defaultLoggerFactory.level, ""))
}

type loggerFactory struct {
	format string
	level  *slog.LevelVar
	writer io.Writer
}

// jsonTimestamp mirrors the {"seconds":N,"nanos":N} shape used across the
// pack's JSON log lines instead of RFC3339, so log aggregation queries can
// sort on an integer field.
type jsonTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int   `json:"nanos"`
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			if f.format == "json" {
				t := a.Value.Time()
				return slog.Any("timestamp", jsonTimestamp{Seconds: t.Unix(), Nanos: t.Nanosecond()})
			}
			return slog.String(slog.TimeKey, a.Value.Time().Format("2006/01/02 15:04:05.000000"))
		case slog.LevelKey:
			return slog.String("severity", a.Value.String())
		case slog.MessageKey:
			return slog.String(slog.MessageKey, prefix+a.Value.String())
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replace}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return &textHandler{inner: slog.NewTextHandler(w, opts)}
}

// textHandler delegates to slog's TextHandler unchanged; with the keys
// renamed by ReplaceAttr its lines read `time=... severity=X msg=...`, with
// values quoted only where slog's text format requires it.
type textHandler struct {
	inner *slog.TextHandler
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *textHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{inner: h.inner.WithAttrs(attrs).(*slog.TextHandler)}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	return &textHandler{inner: h.inner.WithGroup(name).(*slog.TextHandler)}
}

var severityLevels = map[cfg.LogSeverity]slog.Level{
	cfg.TraceLogSeverity:   slog.Level(-8),
	cfg.DebugLogSeverity:   slog.LevelDebug,
	cfg.InfoLogSeverity:    slog.LevelInfo,
	cfg.WarningLogSeverity: slog.LevelWarn,
	cfg.ErrorLogSeverity:   slog.LevelError,
	cfg.OffLogSeverity:     slog.Level(100),
}

func setLoggingLevel(severity cfg.LogSeverity, level *slog.LevelVar) {
	if l, ok := severityLevels[severity]; ok {
		level.Set(l)
		return
	}
	level.Set(slog.LevelInfo)
}

// Init configures the package-level default logger per the active
// configuration. Call once at process startup, before mounting.
func Init(c cfg.LoggingConfig) error {
	var w io.Writer = os.Stdout
	if c.FilePath != "" {
		f, err := os.OpenFile(c.FilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
	}

	factory := &loggerFactory{
		format: string(c.Format),
		level:  new(slog.LevelVar),
		writer: w,
	}
	setLoggingLevel(c.Severity, factory.level)

	defaultLoggerFactory = factory
	defaultLogger = slog.New(factory.createJsonOrTextHandler(w, factory.level, ""))
	return nil
}

func Tracef(format string, v ...any) {
	defaultLogger.Log(context.Background(), slog.Level(-8), fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}

// Elapsed logs how long fn took to run at TRACE severity. Useful around
// blocking KV/SQL/generator calls during development.
func Elapsed(name string, fn func()) {
	start := time.Now()
	fn()
	Tracef("%s took %s", name, time.Since(start))
}
