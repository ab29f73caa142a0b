// Package store implements the per-object Value Record store (design §4.1,
// C1): an ordered, newest-first history of {value, quality, timestamp}
// records per elementId, safe for concurrent readers and a single writer per
// element.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/bittoy/i3x/types"
)

// entry guards one element's record slice with its own lock, so a write to
// one instance never blocks a read of another — the per-instance lock design
// note in design §5.
type entry struct {
	mu      sync.RWMutex
	records []types.Record // newest-first
}

// Store is a ring-buffered, thread-safe Value Record store. The zero value is
// not usable; construct with New.
type Store struct {
	capacity int

	mu      sync.RWMutex // guards the elements map itself, not its entries
	entries map[string]*entry
}

// New builds a Store that retains at most capacity records per element
// (design §4.1 Open Question: history is capped, not unbounded; capacity<=0
// means "keep only the head").
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{capacity: capacity, entries: make(map[string]*entry)}
}

func (s *Store) entryFor(elementId string, create bool) *entry {
	s.mu.RLock()
	e, ok := s.entries[elementId]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[elementId]; ok {
		return e
	}
	e = &entry{}
	s.entries[elementId] = e
	return e
}

// Append pushes a record to the head of elementId's history, evicting the
// oldest record if the ring buffer is at capacity.
func (s *Store) Append(elementId string, record types.Record) {
	e := s.entryFor(elementId, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append([]types.Record{record}, e.records...)
	if len(e.records) > s.capacity {
		e.records = e.records[:s.capacity]
	}
}

// Head returns the most recent record for elementId, or ok=false if the
// element has no records (unknown element or never observed).
func (s *Store) Head(elementId string) (types.Record, bool) {
	e := s.entryFor(elementId, false)
	if e == nil {
		return types.Record{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.records) == 0 {
		return types.Record{}, false
	}
	return e.records[0], true
}

// Range returns every record whose timestamp lies in [start, end] inclusive.
// If both start and end are zero and returnHistory is true, the full history
// is returned newest-first, as stored; if returnHistory is false, only the head is returned (as a
// one-element slice, or empty if there is no head). start.After(end) (with
// both non-zero) always yields an empty slice, per design §8 boundary
// behavior.
func (s *Store) Range(elementId string, start, end time.Time, returnHistory bool) []types.Record {
	e := s.entryFor(elementId, false)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if start.IsZero() && end.IsZero() {
		if !returnHistory {
			if len(e.records) == 0 {
				return nil
			}
			return []types.Record{e.records[0]}
		}
		out := make([]types.Record, len(e.records))
		copy(out, e.records)
		return out
	}

	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil
	}

	var out []types.Record
	// e.records is newest-first; walk it backwards so out starts in
	// observation (oldest-first) order, making the stable sort below resolve
	// equal timestamps as "first observed, first returned".
	for i := len(e.records) - 1; i >= 0; i-- {
		r := e.records[i]
		if !start.IsZero() && r.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ReplaceHead atomically swaps the head record's value and timestamp,
// preserving quality unless overrideQuality is non-empty. If the element has
// no records yet, this creates the first one with overrideQuality defaulting
// to GOOD.
func (s *Store) ReplaceHead(elementId string, newValue any, now time.Time, overrideQuality types.Quality) types.Record {
	e := s.entryFor(elementId, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	quality := overrideQuality
	if len(e.records) == 0 {
		if quality == "" {
			quality = types.QualityGood
		}
		rec := types.Record{Value: newValue, Quality: quality, Timestamp: now}
		e.records = []types.Record{rec}
		return rec
	}
	if quality == "" {
		quality = e.records[0].Quality
	}
	e.records[0] = types.Record{Value: newValue, Quality: quality, Timestamp: now}
	return e.records[0]
}

// Has reports whether the store holds any record at all for elementId.
func (s *Store) Has(elementId string) bool {
	_, ok := s.Head(elementId)
	return ok
}
