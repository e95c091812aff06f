// Copyright 2024 SpotHero
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

// Package cache provides the bounded LRU cache with per-entry expiry used by
// the ODP segment manager and the prediction decision service.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const keySeparator = "-$-"

// Key builds the composite cache key for a (userKey, userValue) pair.
func Key(userKey, userValue string) string {
	return userKey + keySeparator + userValue
}

type entry[V any] struct {
	value   V
	created time.Time
}

// LRU is a thread-safe, fixed-capacity cache whose entries expire after a
// timeout. A capacity of zero or below disables the cache entirely; a timeout
// of zero or below means entries never expire. Stale entries are removed
// individually when a lookup touches them.
type LRU[K comparable, V any] struct {
	mutex   sync.Mutex
	store   *simplelru.LRU[K, entry[V]]
	timeout time.Duration
	now     func() time.Time
}

// NewLRU creates a cache with the given capacity and entry timeout.
func NewLRU[K comparable, V any](capacity int, timeout time.Duration) *LRU[K, V] {
	cache := &LRU[K, V]{timeout: timeout, now: time.Now}
	if capacity <= 0 {
		return cache
	}
	// the only construction error is a non-positive size, excluded above
	store, _ := simplelru.NewLRU[K, entry[V]](capacity, nil)
	cache.store = store
	return cache
}

// Lookup returns the value stored under the key and promotes it to most
// recently used. A stale entry is removed and reported as a miss.
func (c *LRU[K, V]) Lookup(key K) (V, bool) {
	var zero V
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.store == nil {
		return zero, false
	}
	stored, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	if c.stale(stored) {
		c.store.Remove(key)
		return zero, false
	}
	return stored.value, true
}

// Save stores the value under the key, evicting the least recently used entry
// when the cache is full.
func (c *LRU[K, V]) Save(key K, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.store == nil {
		return
	}
	c.store.Add(key, entry[V]{value: value, created: c.now()})
}

// Peek returns the value stored under the key without touching recency or
// staleness.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	var zero V
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.store == nil {
		return zero, false
	}
	stored, ok := c.store.Peek(key)
	if !ok {
		return zero, false
	}
	return stored.value, true
}

// Remove deletes the entry under the key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.store == nil {
		return false
	}
	return c.store.Remove(key)
}

// Reset discards every entry.
func (c *LRU[K, V]) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.store == nil {
		return
	}
	c.store.Purge()
}

// Len returns the number of entries, stale ones included.
func (c *LRU[K, V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.store == nil {
		return 0
	}
	return c.store.Len()
}

func (c *LRU[K, V]) stale(stored entry[V]) bool {
	if c.timeout <= 0 {
		return false
	}
	return c.now().Sub(stored.created) >= c.timeout
}
