// Package rejects keeps a bounded, in-memory history of fixes that were
// discarded so operators can see why a device produced no transition.
package rejects

import (
	"sync"
	"time"

	"zonewatch/internal/model"
)

const (
	ReasonValidation = "validation"
	ReasonOutOfOrder = "out_of_order"
	ReasonStale      = "stale"
	ReasonDuplicate  = "duplicate"
	ReasonStore      = "store_error"
)

type Store struct {
	mu       sync.RWMutex
	buf      []model.Rejection
	limit    int
	byReason map[string]int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit, byReason: make(map[string]int)}
}

func (s *Store) Add(r model.Rejection) {
	if s == nil {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byReason[r.Reason]++
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, r)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = r
}

// List returns up to limit of the most recent rejections, oldest first.
func (s *Store) List(limit int) []model.Rejection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Rejection, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Rejection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Rejection, 0)
	for _, r := range s.buf {
		if !r.Timestamp.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the lifetime number of rejections per reason, including
// those already evicted from the buffer.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.byReason))
	for k, v := range s.byReason {
		out[k] = v
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	s.byReason = make(map[string]int)
}
