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

package contentgen

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// TemplateGenerator is a deterministic, persona-aware template engine: the
// "template engine" option this package offers as a content generator. Given the
// same Context, it always produces the same bytes, which keeps tests and
// demos reproducible without an external dependency.
type TemplateGenerator struct {
	// Templates maps a file extension (without the leading dot, "" for
	// none) to a text/template source. A RoleHint-specific template, if
	// present under the key "<ext>:<role>", takes precedence.
	Templates map[string]string
}

// NewTemplateGenerator returns a generator preloaded with a small set of
// plausible defaults for common configuration and log file shapes.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{
		Templates: map[string]string{
			"conf":    "# {{.Filename}} — generated for {{.Persona}}\nhost=localhost\nport=8080\nlog_level=info\n",
			"log":     "{{.Persona}} service starting up, pid={{len .Path}}\nlistening on 0.0.0.0\n",
			"json":    `{"persona":"{{.Persona}}","path":"{{.Path}}","status":"ok"}` + "\n",
			"":        "# {{.Filename}}\n# owned by {{.Persona}}\n",
			"conf:db": "# {{.Filename}} — database config for {{.Persona}}\nhost=127.0.0.1\nport=5432\nuser=app\npassword=change-me\n",
		},
	}
}

// Generate renders the template selected by gctx.FileExtension and
// gctx.RoleHint.
func (g *TemplateGenerator) Generate(ctx context.Context, gctx Context) ([]byte, error) {
	src, ok := g.Templates[gctx.FileExtension+":"+gctx.RoleHint]
	if !ok {
		src, ok = g.Templates[gctx.FileExtension]
	}
	if !ok {
		src = g.Templates[""]
	}

	tmpl, err := template.New("ghost").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parsing content template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, gctx); err != nil {
		return nil, fmt.Errorf("executing content template: %w", err)
	}
	return buf.Bytes(), nil
}
