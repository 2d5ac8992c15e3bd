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

// Package storyparser extracts and validates the STORIES_JSON sentinel block
// that a planning agent embeds in its step output to hand a list of stories
// to a following loop step.
package storyparser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MaxStories is the largest story array the parser accepts. It exists to
// keep a single loop step's iteration count bounded.
const MaxStories = 20

const sentinel = "STORIES_JSON:"

var sentinelLinePattern = regexp.MustCompile(`^STORIES_JSON:`)
var contextKeyLinePattern = regexp.MustCompile(`^[A-Z_]+:\s`)

// ParsedStory is the validated shape of one story object from a
// STORIES_JSON array, before the engine assigns it run-scoped identity
// (RunID, StoryIndex, timestamps).
type ParsedStory struct {
	StoryID             string   `json:"id"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	AcceptanceCriteria  []string `json:"acceptanceCriteria"`
	AcceptanceCriteria2 []string `json:"acceptance_criteria"`
}

// criteria returns AcceptanceCriteria, falling back to the acceptance_criteria
// alias if the camelCase field was left empty.
func (p ParsedStory) criteria() []string {
	if len(p.AcceptanceCriteria) > 0 {
		return p.AcceptanceCriteria
	}
	return p.AcceptanceCriteria2
}

// ParseStories locates the STORIES_JSON sentinel in output and decodes and
// validates the story array that follows it. A return of (nil, nil) means no
// STORIES_JSON block was present — that is not an error, most step output
// carries no stories at all. A non-nil error means the block was present but
// structurally invalid, which callers must treat as terminal for the
// enclosing step.
func ParseStories(output string) ([]ParsedStory, error) {
	payload, found := extractPayload(output)
	if !found {
		return nil, nil
	}

	var raw []ParsedStory
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("storyparser: invalid STORIES_JSON payload: %w", err)
	}

	if len(raw) > MaxStories {
		return nil, fmt.Errorf("storyparser: %d stories exceeds maximum of %d", len(raw), MaxStories)
	}

	stories := make([]ParsedStory, len(raw))
	for i, s := range raw {
		if err := validate(s); err != nil {
			return nil, fmt.Errorf("storyparser: story %d: %w", i, err)
		}
		s.AcceptanceCriteria = s.criteria()
		stories[i] = s
	}

	return stories, nil
}

func validate(s ParsedStory) error {
	if strings.TrimSpace(s.StoryID) == "" {
		return fmt.Errorf("missing id")
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("missing title")
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("missing description")
	}
	if len(s.criteria()) == 0 {
		return fmt.Errorf("missing acceptanceCriteria")
	}
	return nil
}

// extractPayload finds the first STORIES_JSON: line and concatenates the
// text after the sentinel prefix with every following line up to (but not
// including) the next context-key line (KEY: value) or end of input.
func extractPayload(output string) (string, bool) {
	lines := strings.Split(output, "\n")

	startLine := -1
	for i, line := range lines {
		if sentinelLinePattern.MatchString(line) {
			startLine = i
			break
		}
	}
	if startLine == -1 {
		return "", false
	}

	var b strings.Builder
	b.WriteString(strings.TrimPrefix(lines[startLine], sentinel))

	for i := startLine + 1; i < len(lines); i++ {
		if contextKeyLinePattern.MatchString(lines[i]) {
			break
		}
		b.WriteString("\n")
		b.WriteString(lines[i])
	}

	return strings.TrimSpace(b.String()), true
}
