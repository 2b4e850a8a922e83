/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"sync"
	"time"
)

type memEntry struct {
	value   string
	counter int
	stamp   int64
	expires time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// memoryStore mirrors the Redis operations the cache needs, for a single process.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]memEntry)}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *memoryStore) setNX(key string, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.live(now) {
		return false
	}
	m.entries[key] = memEntry{value: "1", expires: expiry(now, ttl)}
	return true
}

func (m *memoryStore) get(key string, now time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.live(now) {
		return "", false
	}
	return e.value, true
}

func (m *memoryStore) del(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *memoryStore) incrBelow(key string, limit int, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.live(now) {
		e = memEntry{}
	}
	if e.counter >= limit {
		return false
	}
	e.counter++
	e.expires = expiry(now, ttl)
	m.entries[key] = e
	return true
}

func (m *memoryStore) decrFloor(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.live(now) || e.counter <= 0 {
		return
	}
	e.counter--
	m.entries[key] = e
}

func (m *memoryStore) count(key string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.live(now) {
		return 0
	}
	return e.counter
}

func (m *memoryStore) setIfNewer(key string, stamp int64, value string, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.live(now) && e.stamp >= stamp {
		return false
	}
	m.entries[key] = memEntry{value: value, stamp: stamp, expires: expiry(now, ttl)}
	return true
}

func (m *memoryStore) lease(key, holder string, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.live(now) && e.value != holder {
		return false
	}
	m.entries[key] = memEntry{value: holder, expires: expiry(now, ttl)}
	return true
}

func (m *memoryStore) releaseLease(key, holder string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.live(now) && e.value == holder {
		delete(m.entries, key)
	}
}
