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

package agent

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/relayops/relay/pkg/registry"
)

// Entry pairs a descriptor with its live adapter.
type Entry struct {
	Descriptor *Descriptor
	Adapter    Adapter
}

// Snapshot is an immutable view of the registry: a name index plus a
// capability inverse index. Readers holding a snapshot always see it in full.
type Snapshot struct {
	entries      map[string]*Entry
	byCapability map[string][]string
	names        []string
}

// NewSnapshot builds a snapshot, validating name uniqueness and descriptor
// schemas. Entries arrive in any order; indexes are sorted by name.
func NewSnapshot(entries []*Entry) (*Snapshot, error) {
	base := registry.NewBaseRegistry[*Entry]()
	for _, e := range entries {
		if e.Descriptor == nil {
			return nil, fmt.Errorf("entry without descriptor")
		}
		if err := e.Descriptor.Validate(); err != nil {
			return nil, err
		}
		if err := base.Register(e.Descriptor.Name, e); err != nil {
			return nil, fmt.Errorf("duplicate agent name %q", e.Descriptor.Name)
		}
	}

	snap := &Snapshot{
		entries:      make(map[string]*Entry, base.Count()),
		byCapability: make(map[string][]string),
		names:        base.Names(),
	}
	for _, name := range snap.names {
		e, _ := base.Get(name)
		snap.entries[name] = e
		for _, capability := range e.Descriptor.Capabilities {
			snap.byCapability[capability] = append(snap.byCapability[capability], name)
		}
	}
	for capability := range snap.byCapability {
		sort.Strings(snap.byCapability[capability])
	}
	return snap, nil
}

// Get returns the entry for an agent name.
func (s *Snapshot) Get(name string) (*Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// ByCapability returns entries carrying a capability tag, in name order.
func (s *Snapshot) ByCapability(capability string) []*Entry {
	names := s.byCapability[capability]
	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		out = append(out, s.entries[name])
	}
	return out
}

// ListEnabled returns enabled entries in name order.
func (s *Snapshot) ListEnabled() []*Entry {
	out := make([]*Entry, 0, len(s.names))
	for _, name := range s.names {
		if e := s.entries[name]; e.Descriptor.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// Names returns all agent names in sorted order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Count returns the number of agents in the snapshot.
func (s *Snapshot) Count() int { return len(s.entries) }

// Close disposes every adapter in the snapshot.
func (s *Snapshot) Close() error {
	var firstErr error
	for _, name := range s.names {
		if err := s.entries[name].Adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Registry holds the current snapshot behind an atomic pointer. Reads are
// lock-free; a reload builds a fresh snapshot and swaps it in atomically.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry seeded with a snapshot.
func NewRegistry(snap *Snapshot) *Registry {
	r := &Registry{}
	r.current.Store(snap)
	return r
}

// Load returns the current snapshot.
func (r *Registry) Load() *Snapshot {
	return r.current.Load()
}

// Swap installs a new snapshot and returns the previous one. The caller
// disposes the previous snapshot after in-flight calls drain.
func (r *Registry) Swap(next *Snapshot) *Snapshot {
	return r.current.Swap(next)
}

// Register adds an agent by rebuilding the snapshot (copy-on-write).
func (r *Registry) Register(entry *Entry) error {
	cur := r.Load()
	entries := make([]*Entry, 0, cur.Count()+1)
	for _, name := range cur.names {
		entries = append(entries, cur.entries[name])
	}
	entries = append(entries, entry)
	next, err := NewSnapshot(entries)
	if err != nil {
		return err
	}
	r.current.Store(next)
	return nil
}

// Unregister removes an agent by rebuilding the snapshot.
func (r *Registry) Unregister(name string) error {
	cur := r.Load()
	if _, ok := cur.Get(name); !ok {
		return fmt.Errorf("agent %q not found", name)
	}
	entries := make([]*Entry, 0, cur.Count()-1)
	for _, n := range cur.names {
		if n != name {
			entries = append(entries, cur.entries[n])
		}
	}
	next, err := NewSnapshot(entries)
	if err != nil {
		return err
	}
	r.current.Store(next)
	return nil
}

// ReloadFailure records one agent that failed to build during a reload.
type ReloadFailure struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

// ReloadDiff summarizes an atomic registry swap.
type ReloadDiff struct {
	PreviousCount int             `json:"previous_count"`
	CurrentCount  int             `json:"current_count"`
	Added         []string        `json:"added"`
	Removed       []string        `json:"removed"`
	Updated       []string        `json:"updated"`
	Failed        []ReloadFailure `json:"failed"`
}

// Diff computes the reload summary between two snapshots. An agent counts as
// updated when present in both but with a different descriptor.
func Diff(old, next *Snapshot) ReloadDiff {
	diff := ReloadDiff{
		PreviousCount: old.Count(),
		CurrentCount:  next.Count(),
		Added:         []string{},
		Removed:       []string{},
		Updated:       []string{},
	}
	for _, name := range next.names {
		prev, ok := old.Get(name)
		if !ok {
			diff.Added = append(diff.Added, name)
			continue
		}
		if !descriptorsEqual(prev.Descriptor, next.entries[name].Descriptor) {
			diff.Updated = append(diff.Updated, name)
		}
	}
	for _, name := range old.names {
		if _, ok := next.Get(name); !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	return diff
}

func descriptorsEqual(a, b *Descriptor) bool {
	if a.Name != b.Name || a.Transport != b.Transport || a.Fallback != b.Fallback ||
		a.Enabled != b.Enabled || a.Optional != b.Optional ||
		a.Limits != b.Limits || a.Connection.URL != b.Connection.URL ||
		a.Connection.Tool != b.Connection.Tool || a.Connection.Transport != b.Connection.Transport ||
		a.Connection.Command != b.Connection.Command {
		return false
	}
	return stringSlicesEqual(a.Capabilities, b.Capabilities) &&
		stringSlicesEqual(a.AllowFields, b.AllowFields) &&
		stringSlicesEqual(a.DenyFields, b.DenyFields) &&
		stringSlicesEqual(a.Connection.Args, b.Connection.Args)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
