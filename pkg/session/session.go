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

// Package session tracks lightweight per-caller conversation state. Sessions
// are created lazily on first use and evicted after an idle TTL.
package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long an idle session survives.
const DefaultTTL = 24 * time.Hour

// stripes spreads session locks so concurrent queries on different sessions
// never contend.
const stripes = 16

// Session is one caller's conversation state. Instances are immutable;
// Touch stores a replacement rather than mutating in place.
type Session struct {
	ID           string    `json:"session_id"`
	RequestCount int       `json:"request_count"`
	LastTopic    string    `json:"last_topic,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdate   time.Time `json:"last_update_time"`
}

// Store is a striped in-memory session table.
type Store struct {
	ttl    time.Duration
	now    func() time.Time
	shards [stripes]shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the idle TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	s := &Store{ttl: DefaultTTL, now: time.Now}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*Session)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%stripes]
}

// Touch records a request against a session, creating it on first use.
// It returns the post-update state. An expired session is replaced, not
// resurrected: its counter restarts at one.
func (s *Store) Touch(id, topic string) *Session {
	if id == "" {
		return nil
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	prev, ok := sh.sessions[id]
	if !ok || now.Sub(prev.LastUpdate) > s.ttl {
		next := &Session{ID: id, RequestCount: 1, LastTopic: topic, CreatedAt: now, LastUpdate: now}
		sh.sessions[id] = next
		return next
	}

	next := &Session{
		ID:           id,
		RequestCount: prev.RequestCount + 1,
		LastTopic:    topic,
		CreatedAt:    prev.CreatedAt,
		LastUpdate:   now,
	}
	if topic == "" {
		next.LastTopic = prev.LastTopic
	}
	sh.sessions[id] = next
	return next
}

// Get returns a live session. Expired sessions are reported as absent.
func (s *Store) Get(id string) (*Session, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.sessions[id]
	if !ok || s.now().Sub(sess.LastUpdate) > s.ttl {
		return nil, false
	}
	return sess, true
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	now := s.now()
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			if now.Sub(sess.LastUpdate) <= s.ttl {
				total++
			}
		}
		sh.mu.RUnlock()
	}
	return total
}

// Evict removes expired sessions and returns how many were dropped.
func (s *Store) Evict() int {
	now := s.now()
	dropped := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if now.Sub(sess.LastUpdate) > s.ttl {
				delete(sh.sessions, id)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	if dropped > 0 {
		slog.Debug("Evicted expired sessions", "count", dropped)
	}
	return dropped
}

// StartEvictionLoop sweeps expired sessions until the context ends.
func (s *Store) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Evict()
			}
		}
	}()
}
