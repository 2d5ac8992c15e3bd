// Copyright 2025 Tom Barlow
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

// Package template resolves the {{name}} placeholders used in step input
// templates against a run's flat string context. Unlike a general template
// engine, this is a pure token-substitution pass: there is no control flow,
// no nested traversal of dotted keys, and no escaping syntax, mirroring the
// source system's deliberately narrow substitution behaviour.
package template

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// tokenPattern matches {{name}} where name is a dotted identifier path. The
// path is captured whole — dotted segments are never descended into, only
// looked up verbatim as a single context key.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

var lowerCaser = cases.Lower(language.Und)

// Resolve substitutes every {{name}} token in tmpl with its value from ctx.
// Lookup tries the exact key first, then the Unicode-aware lowercased key;
// a miss is rendered as the literal marker "[missing: name]" rather than
// being left untouched or causing an error, so a partially-resolvable
// template still round-trips through storage and back to the agent.
func Resolve(tmpl string, ctx map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]

		if v, ok := ctx[name]; ok {
			return v
		}
		lower := lowerCaser.String(name)
		if lower != name {
			if v, ok := ctx[lower]; ok {
				return v
			}
		}
		return "[missing: " + name + "]"
	})
}

// ExtractContextLines scans agent step output for lines of the shape
// "KEY: value" (KEY matching [A-Z_]+) and returns them as a lowercased-key
// map, skipping the STORIES_JSON sentinel key which the story parser owns.
func ExtractContextLines(output string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := splitContextLine(line)
		if !ok || key == "STORIES_JSON" {
			continue
		}
		result[strings.ToLower(key)] = value
	}
	return result
}

var contextLinePattern = regexp.MustCompile(`^([A-Z_]+):\s*(.+)$`)

func splitContextLine(line string) (key, value string, ok bool) {
	m := contextLinePattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}
