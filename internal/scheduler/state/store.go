/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package state

import (
	"sync"
	"time"
)

// CycleStats counts what one worker cycle did, keyed by outcome name.
type CycleStats map[string]int

// Add increments a counter.
func (s CycleStats) Add(name string, n int) {
	s[name] += n
}

// CycleReport stores the result of one worker cycle for the ops API.
type CycleReport struct {
	Worker    string        `json:"worker"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
	Stats     CycleStats    `json:"stats,omitempty"`
}

// Store keeps recent cycle reports in memory.
type Store struct {
	mu     sync.RWMutex
	recent []CycleReport
	limit  int
}

// NewStore creates a report store holding at most limit entries.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 128
	}
	return &Store{recent: make([]CycleReport, 0, limit), limit: limit}
}

// Add registers a finished cycle, dropping the oldest report when full.
func (s *Store) Add(r CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) == s.limit {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
	}
	s.recent = append(s.recent, r)
}

// Recent returns a snapshot of tracked reports, oldest first.
func (s *Store) Recent() []CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CycleReport, len(s.recent))
	copy(out, s.recent)
	return out
}

// Last returns the newest report for each worker.
func (s *Store) Last() map[string]CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CycleReport)
	for _, r := range s.recent {
		out[r.Worker] = r
	}
	return out
}

// Prune removes entries older than cutoff.
func (s *Store) Prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.recent[:0]
	for _, r := range s.recent {
		if r.StartedAt.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	s.recent = filtered
}
