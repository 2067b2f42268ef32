// Copyright 2025 The Relay Authors
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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	return LoadSplit(path, "")
}

// LoadSplit loads the settings document and, when agentsPath is non-empty,
// takes the agent catalog from a separate document. Cross-references (rule
// targets, fallbacks) are validated against the merged result, so rules in
// the settings file may target agents declared in the split file.
func LoadSplit(path, agentsPath string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if agentsPath != "" {
		agentsDoc, err := parseFile(agentsPath)
		if err != nil {
			return nil, err
		}
		cfg.Agents = agentsDoc.Agents
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Watcher reloads the config files on change and hands valid configs to a
// callback. Invalid edits are logged and skipped; the previous config stays
// in effect.
type Watcher struct {
	path       string
	agentsPath string
	watcher    *fsnotify.Watcher
	onChange   func(*Config)
	done       chan struct{}
}

// Watch starts watching the config files' directories. An empty agentsPath
// watches the settings file alone. Editors replace files rather than writing
// in place, so directories are watched and events are filtered by name.
func Watch(path, agentsPath string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dirs := map[string]bool{filepath.Dir(path): true}
	if agentsPath != "" {
		dirs[filepath.Dir(agentsPath)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
	}

	w := &Watcher{path: path, agentsPath: agentsPath, onChange: onChange,
		watcher: fsw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	// Debounce bursts: editors emit several events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != filepath.Clean(w.path) &&
				(w.agentsPath == "" || name != filepath.Clean(w.agentsPath)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		case <-pending:
			pending = nil
			cfg, err := LoadSplit(w.path, w.agentsPath)
			if err != nil {
				slog.Error("Config reload skipped", "path", w.path, "error", err)
				continue
			}
			slog.Info("Config reloaded", "path", w.path)
			w.onChange(cfg)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
