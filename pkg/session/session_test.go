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

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchCreatesAndIncrements(t *testing.T) {
	store := NewStore()

	first := store.Touch("s1", "math")
	require.NotNil(t, first)
	assert.Equal(t, 1, first.RequestCount)
	assert.Equal(t, "math", first.LastTopic)

	second := store.Touch("s1", "weather")
	assert.Equal(t, 2, second.RequestCount)
	assert.Equal(t, "weather", second.LastTopic)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	// Empty topic keeps the previous one.
	third := store.Touch("s1", "")
	assert.Equal(t, "weather", third.LastTopic)
}

func TestTouchEmptyIDIsNoop(t *testing.T) {
	store := NewStore()
	assert.Nil(t, store.Touch("", "topic"))
	assert.Equal(t, 0, store.Count())
}

func TestEntriesReplacedNotMutated(t *testing.T) {
	store := NewStore()
	first := store.Touch("s1", "math")
	store.Touch("s1", "weather")

	// The previously returned state is unchanged.
	assert.Equal(t, 1, first.RequestCount)
	assert.Equal(t, "math", first.LastTopic)
}

func TestExpiry(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	store := NewStore(WithTTL(time.Hour), WithClock(func() time.Time { return current }))

	store.Touch("s1", "math")
	_, ok := store.Get("s1")
	require.True(t, ok)

	current = current.Add(2 * time.Hour)
	_, ok = store.Get("s1")
	assert.False(t, ok, "expired session must not be returned")

	// Touching an expired session restarts it.
	revived := store.Touch("s1", "fresh")
	assert.Equal(t, 1, revived.RequestCount)
}

func TestEvict(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	store := NewStore(WithTTL(time.Hour), WithClock(func() time.Time { return current }))

	store.Touch("old", "a")
	current = current.Add(30 * time.Minute)
	store.Touch("fresh", "b")
	current = current.Add(45 * time.Minute)

	assert.Equal(t, 1, store.Evict())
	assert.Equal(t, 1, store.Count())
	_, ok := store.Get("fresh")
	assert.True(t, ok)
}

func TestConcurrentTouch(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Touch(fmt.Sprintf("session-%d", n%4), "topic")
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		sess, ok := store.Get(fmt.Sprintf("session-%d", i))
		require.True(t, ok)
		total += sess.RequestCount
	}
	assert.Equal(t, 800, total)
}
