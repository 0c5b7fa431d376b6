// Copyright 2025 Dataforge Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dataforge/etlagent/etl"
	"github.com/dataforge/etlagent/internal/log"
)

// debounce window for bursts of write events from editors and exporters
const watchSettle = 500 * time.Millisecond

// runWatch runs the pipeline once, then re-runs it whenever the source
// file changes. The parent directory is watched rather than the file
// itself: most tools replace files via rename, which drops a file-level
// watch.
func runWatch(ctx context.Context, orch *etl.Orchestrator, req etl.RunRequest, verbose bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	absSource, err := filepath.Abs(req.Source)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absSource)); err != nil {
		return err
	}

	runOnce := func() {
		state, err := orch.Run(ctx, req)
		if err != nil {
			log.Error("Run aborted: %v", err)
			return
		}
		reportRun(state, verbose)
	}

	log.Info("Watching %s (ctrl-c to stop)", req.Source)
	runOnce()

	var settle *time.Timer
	var settleC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absSource {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug("Source changed: %s", event)
			if settle == nil {
				settle = time.NewTimer(watchSettle)
				settleC = settle.C
			} else {
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(watchSettle)
			}

		case <-settleC:
			settle = nil
			settleC = nil
			runOnce()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Watcher error: %v", err)
		}
	}
}
