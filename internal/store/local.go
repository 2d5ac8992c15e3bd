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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// LocalStore persists definitions in a single definitions.json file and
// each run as its own JSON file under a runs/ subdirectory. Every write goes
// through a temp-file-then-rename so a crash mid-write can never leave a
// caller with a half-written file; the teacher's checkpoint manager writes
// straight to the destination path and does not need this guarantee because
// it tolerates losing the last checkpoint, but a lost run would strand an
// agent mid-claim, so LocalStore makes every write atomic.
type LocalStore struct {
	dir      string
	runsDir  string
	defsPath string

	mu sync.Mutex // serializes definitions.json read-modify-write

	cacheMu    sync.Mutex
	cache      map[string]workflowtypes.RunSummary
	cacheValid bool

	log     *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLocalStore creates the directory layout under dir if it does not exist
// and starts an fsnotify watch on the runs directory so that files dropped
// or edited outside this process (an operator restoring a backup, a second
// daemon instance sharing the same volume) invalidate the in-memory listing
// cache instead of going unnoticed until the next restart.
func NewLocalStore(dir string, log *slog.Logger) (*LocalStore, error) {
	if log == nil {
		log = slog.Default()
	}
	runsDir := filepath.Join(dir, "runs")
	if err := os.MkdirAll(runsDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create runs directory: %w", err)
	}

	s := &LocalStore{
		dir:      dir,
		runsDir:  runsDir,
		defsPath: filepath.Join(dir, "definitions.json"),
		log:      log.With(slog.String("component", "store.local")),
		done:     make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("fsnotify unavailable, listing cache will not see external writes", slog.Any("error", err))
		return s, nil
	}
	if err := watcher.Add(runsDir); err != nil {
		watcher.Close()
		s.log.Warn("failed to watch runs directory", slog.Any("error", err))
		return s, nil
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

// Close stops the fsnotify watcher. It is safe to call on a store created
// without a working watcher.
func (s *LocalStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *LocalStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.invalidateCache()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("fsnotify watch error", slog.Any("error", err))
		}
	}
}

func (s *LocalStore) invalidateCache() {
	s.cacheMu.Lock()
	s.cacheValid = false
	s.cacheMu.Unlock()
}

// --- definitions ---

type definitionsFile struct {
	Defs map[string]*workflowtypes.WorkflowDef `json:"defs"`
}

func (s *LocalStore) readDefs() (map[string]*workflowtypes.WorkflowDef, error) {
	data, err := os.ReadFile(s.defsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*workflowtypes.WorkflowDef{}, nil
		}
		return nil, fmt.Errorf("store: read definitions: %w", err)
	}
	var f definitionsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("store: decode definitions: %w", err)
	}
	if f.Defs == nil {
		f.Defs = map[string]*workflowtypes.WorkflowDef{}
	}
	return f.Defs, nil
}

func (s *LocalStore) writeDefs(defs map[string]*workflowtypes.WorkflowDef) error {
	data, err := json.MarshalIndent(definitionsFile{Defs: defs}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode definitions: %w", err)
	}
	return atomicWriteFile(s.defsPath, data, 0600)
}

func (s *LocalStore) ListDefs(ctx context.Context) ([]*workflowtypes.WorkflowDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs()
	if err != nil {
		return nil, err
	}
	out := make([]*workflowtypes.WorkflowDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *LocalStore) GetDef(ctx context.Context, id string) (*workflowtypes.WorkflowDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs()
	if err != nil {
		return nil, err
	}
	d, ok := defs[id]
	if !ok {
		return nil, &wferrors.NotFoundError{Resource: "workflow definition", ID: id}
	}
	return d.Clone(), nil
}

func (s *LocalStore) SaveDef(ctx context.Context, def *workflowtypes.WorkflowDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs()
	if err != nil {
		return err
	}
	defs[def.ID] = def.Clone()
	return s.writeDefs(defs)
}

func (s *LocalStore) DeleteDef(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs()
	if err != nil {
		return err
	}
	if _, ok := defs[id]; !ok {
		return &wferrors.NotFoundError{Resource: "workflow definition", ID: id}
	}
	delete(defs, id)
	return s.writeDefs(defs)
}

// --- runs ---

func (s *LocalStore) runPath(id string) string {
	return filepath.Join(s.runsDir, id+".json")
}

func (s *LocalStore) GetRun(ctx context.Context, id string) (*workflowtypes.Run, error) {
	data, err := os.ReadFile(s.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &wferrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, fmt.Errorf("store: read run %s: %w", id, err)
	}
	var run workflowtypes.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("store: decode run %s: %w", id, err)
	}
	return &run, nil
}

func (s *LocalStore) SaveRun(ctx context.Context, run *workflowtypes.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode run %s: %w", run.ID, err)
	}
	if err := atomicWriteFile(s.runPath(run.ID), data, 0600); err != nil {
		return err
	}

	s.cacheMu.Lock()
	if s.cacheValid {
		if s.cache == nil {
			s.cache = map[string]workflowtypes.RunSummary{}
		}
		s.cache[run.ID] = workflowtypes.Summarize(run)
	}
	s.cacheMu.Unlock()
	return nil
}

func (s *LocalStore) DeleteRun(ctx context.Context, id string) error {
	if err := os.Remove(s.runPath(id)); err != nil {
		if os.IsNotExist(err) {
			return &wferrors.NotFoundError{Resource: "run", ID: id}
		}
		return fmt.Errorf("store: delete run %s: %w", id, err)
	}

	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()
	return nil
}

func (s *LocalStore) ListRuns(ctx context.Context, filter workflowtypes.RunFilter) ([]workflowtypes.RunSummary, error) {
	cache, err := s.summaryCache()
	if err != nil {
		return nil, err
	}

	out := make([]workflowtypes.RunSummary, 0, len(cache))
	for _, sum := range cache {
		if !matchesFilter(sum, filter) {
			continue
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// summaryCache returns the current run-summary cache, rebuilding it from
// disk if the watcher (or a prior write) marked it stale.
func (s *LocalStore) summaryCache() (map[string]workflowtypes.RunSummary, error) {
	s.cacheMu.Lock()
	if s.cacheValid {
		cp := make(map[string]workflowtypes.RunSummary, len(s.cache))
		for k, v := range s.cache {
			cp[k] = v
		}
		s.cacheMu.Unlock()
		return cp, nil
	}
	s.cacheMu.Unlock()

	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}

	rebuilt := make(map[string]workflowtypes.RunSummary, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		run, err := s.GetRun(context.Background(), id)
		if err != nil {
			s.log.Warn("skipping unreadable run file", slog.String("id", id), slog.Any("error", err))
			continue
		}
		rebuilt[id] = workflowtypes.Summarize(run)
	}

	s.cacheMu.Lock()
	s.cache = rebuilt
	s.cacheValid = true
	cp := make(map[string]workflowtypes.RunSummary, len(rebuilt))
	for k, v := range rebuilt {
		cp[k] = v
	}
	s.cacheMu.Unlock()

	return cp, nil
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it into place, so readers never observe a partially written
// file and a crash mid-write leaves the previous contents intact.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
