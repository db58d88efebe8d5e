package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"zonewatch/internal/model"
)

type membershipKey struct {
	device string
	zone   string
}

// memoryStore keeps everything in process. It honors the same
// compare-and-set and atomicity rules as the SQL backends.
type memoryStore struct {
	mu          sync.RWMutex
	zones       map[string]model.Zone
	devices     map[string]model.DeviceTrack
	memberships map[membershipKey]model.Membership
	events      map[string]model.TransitionEvent
	order       []string
}

func NewMemory() Store {
	return &memoryStore{
		zones:       make(map[string]model.Zone),
		devices:     make(map[string]model.DeviceTrack),
		memberships: make(map[membershipKey]model.Membership),
		events:      make(map[string]model.TransitionEvent),
	}
}

func (s *memoryStore) Init(context.Context) error { return nil }
func (s *memoryStore) Close() error               { return nil }

func (s *memoryStore) UpsertZone(_ context.Context, z model.Zone) error {
	if z.UpdatedAt.IsZero() {
		z.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[z.ID] = z
	return nil
}

func (s *memoryStore) ListZones(context.Context) ([]model.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) GetDevice(_ context.Context, deviceID string) (model.DeviceTrack, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.devices[deviceID]
	return t, ok, nil
}

func (s *memoryStore) Memberships(_ context.Context, deviceID string) ([]model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Membership
	for k, m := range s.memberships {
		if deviceID == "" || k.device == deviceID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].ZoneID < out[j].ZoneID
	})
	return out, nil
}

func (s *memoryStore) CommitEvaluation(_ context.Context, ev Evaluation) error {
	if err := validateEvaluation(ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// check every precondition before mutating anything
	if prev, ok := s.devices[ev.Track.DeviceID]; ok && prev.LastFix.Timestamp.After(ev.Track.LastFix.Timestamp) {
		return ErrConflict
	}
	for _, w := range ev.Memberships {
		cur, ok := s.memberships[membershipKey{w.Membership.DeviceID, w.Membership.ZoneID}]
		switch {
		case w.PrevVersion == 0 && ok:
			return ErrConflict
		case w.PrevVersion != 0 && (!ok || cur.Version != w.PrevVersion):
			return ErrConflict
		}
	}
	for _, e := range ev.Events {
		if _, ok := s.events[e.ID]; ok {
			return ErrConflict
		}
	}

	s.devices[ev.Track.DeviceID] = ev.Track
	for _, w := range ev.Memberships {
		m := w.Membership
		m.Version = w.PrevVersion + 1
		s.memberships[membershipKey{m.DeviceID, m.ZoneID}] = m
	}
	for _, e := range ev.Events {
		s.events[e.ID] = e
		s.order = append(s.order, e.ID)
	}
	return nil
}

func (s *memoryStore) MarkStaleMemberships(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, m := range s.memberships {
		if !m.Stale && m.UpdatedAt.Before(before) {
			m.Stale = true
			m.Version++
			s.memberships[k] = m
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) GetEvent(_ context.Context, id string) (model.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return model.TransitionEvent{}, ErrNotFound
	}
	return e, nil
}

func (s *memoryStore) ListEvents(_ context.Context, f EventFilter) ([]model.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := normalizeLimit(f.Limit, 1000)
	out := make([]model.TransitionEvent, 0)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[s.order[i]]
		if f.DeviceID != "" && e.DeviceID != f.DeviceID {
			continue
		}
		if f.ZoneID != "" && e.ZoneID != f.ZoneID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memoryStore) DueEvents(_ context.Context, now time.Time, limit int) ([]model.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TransitionEvent, 0)
	for _, id := range s.order {
		e := s.events[id]
		if e.Status == model.StatusPending && !e.NextAttemptAt.After(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if l := normalizeLimit(limit, 500); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (s *memoryStore) UpdateDelivery(_ context.Context, e model.TransitionEvent, prevAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != model.StatusPending || cur.Attempts != prevAttempts {
		return ErrConflict
	}
	cur.Status = e.Status
	cur.Attempts = e.Attempts
	cur.LastError = e.LastError
	cur.NextAttemptAt = e.NextAttemptAt
	cur.DeliveredAt = e.DeliveredAt
	s.events[e.ID] = cur
	return nil
}

func (s *memoryStore) RequeueEvent(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != model.StatusFailed {
		return ErrConflict
	}
	cur.Status = model.StatusPending
	cur.Attempts = 0
	cur.LastError = ""
	cur.NextAttemptAt = now
	s.events[id] = cur
	return nil
}

func (s *memoryStore) CountEvents(context.Context) (map[model.DeliveryStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[model.DeliveryStatus]int{
		model.StatusPending:   0,
		model.StatusDelivered: 0,
		model.StatusFailed:    0,
	}
	for _, e := range s.events {
		out[e.Status]++
	}
	return out, nil
}
