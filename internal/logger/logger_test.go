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

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/duskwatch/phantomfs/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textInfoString  = `severity=INFO msg=www.infoExample.com`
	textErrorString = `severity=ERROR msg=www.errorExample.com`
	jsonInfoString  = `"severity":"INFO"`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectToBuffer(buf *bytes.Buffer, format string, severity cfg.LogSeverity) {
	level := new(slog.LevelVar)
	setLoggingLevel(severity, level)
	factory := &loggerFactory{format: format, level: level, writer: buf}
	defaultLoggerFactory = factory
	defaultLogger = slog.New(factory.createJsonOrTextHandler(buf, level, ""))
}

func (t *LoggerTest) TestTextFormat_InfoIsLogged() {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "text", cfg.InfoLogSeverity)

	Infof("www.infoExample.com")

	assert.Regexp(t.T(), regexp.MustCompile(regexp.QuoteMeta(textInfoString)), buf.String())
}

func (t *LoggerTest) TestTextFormat_SeverityBelowThresholdIsSuppressed() {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "text", cfg.ErrorLogSeverity)

	Infof("www.infoExample.com")

	assert.Empty(t.T(), buf.String())
}

func (t *LoggerTest) TestTextFormat_ErrorIsLogged() {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "text", cfg.InfoLogSeverity)

	Errorf("www.errorExample.com")

	assert.Regexp(t.T(), regexp.MustCompile(regexp.QuoteMeta(textErrorString)), buf.String())
}

func (t *LoggerTest) TestJSONFormat_SeverityFieldPresent() {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "json", cfg.InfoLogSeverity)

	Infof("www.infoExample.com")

	assert.Contains(t.T(), buf.String(), jsonInfoString)
}

func (t *LoggerTest) TestOffSeverity_SuppressesEverything() {
	var buf bytes.Buffer
	redirectToBuffer(&buf, "text", cfg.OffLogSeverity)

	Errorf("www.errorExample.com")

	assert.Empty(t.T(), buf.String())
}
