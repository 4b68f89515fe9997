// Copyright 2025 The Dazzle Authors
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

// Package watcher keeps the backend's process registrations in sync with a
// directory of YAML definition files. Saves are debounced because editors
// emit several write events per save, and a file that fails to parse is
// logged and skipped so it cannot take down the definitions around it.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dazzlehq/dazzle/internal/log"
	"github.com/dazzlehq/dazzle/pkg/process"
)

// defaultDebounce collects the burst of events a single save produces.
const defaultDebounce = 200 * time.Millisecond

// Registrar is the slice of the backend the watcher needs.
type Registrar interface {
	RegisterProcess(ctx context.Context, spec *process.ProcessSpec) error
	RegisterSchedule(ctx context.Context, spec *process.ScheduleSpec) error
}

// Options configures a Watcher.
type Options struct {
	// Dir is the process definition directory to watch.
	Dir string

	// Debounce is how long to wait after the last event before reloading.
	Debounce time.Duration

	Logger *slog.Logger
}

// Watcher reloads process definitions when files under a directory change.
type Watcher struct {
	dir      string
	debounce time.Duration
	reg      Registrar
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	changes    chan string
	stopCh     chan struct{}
	watchDone  chan struct{}
	reloadDone chan struct{}
}

// New builds a watcher over opts.Dir. The directory must already exist.
func New(reg Registrar, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", opts.Dir, err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(nil)
	}

	return &Watcher{
		dir:        dir,
		debounce:   opts.Debounce,
		reg:        reg,
		logger:     log.WithComponent(logger, "watcher"),
		fsw:        fsw,
		changes:    make(chan string, 100),
		stopCh:     make(chan struct{}),
		watchDone:  make(chan struct{}),
		reloadDone: make(chan struct{}),
	}, nil
}

// Start launches the watch and reload loops. It returns immediately.
func (w *Watcher) Start(ctx context.Context) {
	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	w.logger.Info("process watcher started", log.String("dir", w.dir))
}

// Stop halts both loops and releases the filesystem watch. Pending changes
// that have not reached the end of their debounce window are dropped.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	err := w.fsw.Close()
	<-w.watchDone
	<-w.reloadDone
	return err
}

// watchLoop filters raw fsnotify events into the change buffer.
func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.watchDone)
	defer close(w.changes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !wants(event) {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				w.logger.Warn("change buffer full, dropping event", log.String("path", event.Name))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("process watcher error", log.Error(err))
		}
	}
}

// reloadLoop debounces buffered changes and reloads the affected files. It
// exits when watchLoop closes the change buffer.
func (w *Watcher) reloadLoop(ctx context.Context) {
	defer close(w.reloadDone)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	pending := make(map[string]struct{})
	for {
		select {
		case path, ok := <-w.changes:
			if !ok {
				return
			}
			pending[path] = struct{}{}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			for _, path := range sortedPaths(pending) {
				loadFile(ctx, w.reg, path, w.logger)
			}
			pending = make(map[string]struct{})
		}
	}
}

// wants reports whether an event is a create or write of a definition file.
func wants(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return false
	}
	return isDefinitionFile(event.Name)
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func sortedPaths(set map[string]struct{}) []string {
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// LoadDir parses every definition file in dir and registers the results,
// skipping files that fail to parse. It is the initial load counterpart to
// a running Watcher.
func LoadDir(ctx context.Context, reg Registrar, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read process directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		loadFile(ctx, reg, filepath.Join(dir, entry.Name()), logger)
	}
	return nil
}

// loadFile registers everything a single definition file declares.
// Registration failures are logged one by one so the rest of the file still
// lands.
func loadFile(ctx context.Context, reg Registrar, path string, logger *slog.Logger) {
	file, err := process.ParseFile(path)
	if err != nil {
		logger.Warn("skipping process definition",
			log.String("path", path),
			log.Error(err))
		return
	}

	for i := range file.Processes {
		if err := reg.RegisterProcess(ctx, &file.Processes[i]); err != nil {
			logger.Warn("failed to register process",
				log.String(log.ProcessKey, file.Processes[i].Name),
				log.Error(err))
		}
	}
	for i := range file.Schedules {
		if err := reg.RegisterSchedule(ctx, &file.Schedules[i]); err != nil {
			logger.Warn("failed to register schedule",
				log.String("schedule", file.Schedules[i].Name),
				log.Error(err))
		}
	}

	logger.Info("process definitions loaded",
		log.String("path", path),
		log.Int("processes", len(file.Processes)),
		log.Int("schedules", len(file.Schedules)))
}
