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

package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/workflowengine/internal/template"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// Engine-managed context keys. The engine overwrites or clears them during
// loop iteration. Agent output can also set them: mergeContextLines
// lowercases every [A-Z_]+ key, so a line such as VERIFY_FEEDBACK: ... lands
// on verify_feedback. They are named here so the loop-enrichment code reads
// as intentional rather than magic strings.
const (
	ctxKeyCurrentStory      = "current_story"
	ctxKeyCurrentStoryID    = "current_story_id"
	ctxKeyCurrentStoryTitle = "current_story_title"
	ctxKeyCompletedStories  = "completed_stories"
	ctxKeyStoriesRemaining  = "stories_remaining"
	ctxKeyVerifyFeedback    = "verify_feedback"
)

// mergeContextLines folds every KEY: value line from output into run.Context,
// lowercasing the key. STORIES_JSON is excluded here; the story parser owns
// that sentinel.
func mergeContextLines(run *workflowtypes.Run, output string) {
	for k, v := range template.ExtractContextLines(output) {
		run.Context[k] = v
	}
}

// findStoryByID returns the story with the given id, or nil.
func findStoryByID(run *workflowtypes.Run, id string) *workflowtypes.Story {
	for _, s := range run.Stories {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// firstPendingStory returns the lowest-storyIndex story in pending status, or
// nil if none remain.
func firstPendingStory(run *workflowtypes.Run) *workflowtypes.Story {
	var best *workflowtypes.Story
	for _, s := range run.Stories {
		if s.Status != workflowtypes.StoryStatusPending {
			continue
		}
		if best == nil || s.StoryIndex < best.StoryIndex {
			best = s
		}
	}
	return best
}

// mostRecentlyUpdatedDoneStory returns the done story with the latest
// UpdatedAt, used by the verify-retry path to find the iteration being sent
// back around.
func mostRecentlyUpdatedDoneStory(run *workflowtypes.Run) *workflowtypes.Story {
	var best *workflowtypes.Story
	for _, s := range run.Stories {
		if s.Status != workflowtypes.StoryStatusDone {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	return best
}

// hasPendingStories reports whether any story is still pending.
func hasPendingStories(run *workflowtypes.Run) bool {
	return firstPendingStory(run) != nil
}

// allStoriesDone reports whether every story is done (no pending or running
// remain).
func allStoriesDone(run *workflowtypes.Run) bool {
	for _, s := range run.Stories {
		if s.Status != workflowtypes.StoryStatusDone {
			return false
		}
	}
	return true
}

// enrichLoopContext populates the engine-managed context keys describing the
// story a loop step is about to process.
func enrichLoopContext(run *workflowtypes.Run, story *workflowtypes.Story) {
	run.Context[ctxKeyCurrentStory] = renderStory(story)
	run.Context[ctxKeyCurrentStoryID] = story.StoryID
	run.Context[ctxKeyCurrentStoryTitle] = story.Title
	run.Context[ctxKeyCompletedStories] = renderCompletedStories(run)
	run.Context[ctxKeyStoriesRemaining] = fmt.Sprintf("%d", countRemainingStories(run))
}

func renderStory(s *workflowtypes.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", s.Title)
	fmt.Fprintf(&b, "Description: %s\n", s.Description)
	b.WriteString("Acceptance Criteria:\n")
	for _, c := range s.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderCompletedStories(run *workflowtypes.Run) string {
	done := make([]*workflowtypes.Story, 0)
	for _, s := range run.Stories {
		if s.Status == workflowtypes.StoryStatusDone {
			done = append(done, s)
		}
	}
	if len(done) == 0 {
		return "(none yet)"
	}
	sort.Slice(done, func(i, j int) bool { return done[i].StoryIndex < done[j].StoryIndex })

	var b strings.Builder
	for _, s := range done {
		fmt.Fprintf(&b, "- %s: %s\n", s.StoryID, s.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func countRemainingStories(run *workflowtypes.Run) int {
	n := 0
	for _, s := range run.Stories {
		if s.Status == workflowtypes.StoryStatusPending || s.Status == workflowtypes.StoryStatusRunning {
			n++
		}
	}
	return n
}
