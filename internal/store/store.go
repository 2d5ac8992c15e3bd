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

// Package store defines the persistence abstraction the engine runs against
// and provides two implementations: a local file-backed store for a single
// daemon instance, and an S3-compatible store for deployments that need
// runs to survive the daemon process itself.
package store

import (
	"context"

	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// Storage is the persistence boundary the engine depends on. Both
// implementations treat workflow definitions and runs as independent
// collections; there is no foreign-key enforcement between them; the engine
// owns referential consistency.
type Storage interface {
	ListDefs(ctx context.Context) ([]*workflowtypes.WorkflowDef, error)
	GetDef(ctx context.Context, id string) (*workflowtypes.WorkflowDef, error)
	SaveDef(ctx context.Context, def *workflowtypes.WorkflowDef) error
	DeleteDef(ctx context.Context, id string) error

	ListRuns(ctx context.Context, filter workflowtypes.RunFilter) ([]workflowtypes.RunSummary, error)
	GetRun(ctx context.Context, id string) (*workflowtypes.Run, error)
	SaveRun(ctx context.Context, run *workflowtypes.Run) error
	DeleteRun(ctx context.Context, id string) error
}

func matchesFilter(sum workflowtypes.RunSummary, filter workflowtypes.RunFilter) bool {
	if filter.WorkflowID != "" && sum.WorkflowID != filter.WorkflowID {
		return false
	}
	if filter.Status != "" && sum.Status != filter.Status {
		return false
	}
	return true
}
