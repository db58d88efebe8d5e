package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonewatch/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(":memory:")
	require.NoError(t, err)
	out := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
	for _, s := range out {
		require.NoError(t, s.Init(context.Background()))
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func track(device string, fixAt time.Time) model.DeviceTrack {
	batt := 80
	return model.DeviceTrack{
		DeviceID: device,
		LastFix: model.PositionFix{
			DeviceID:   device,
			Lat:        25.672254,
			Lon:        -100.319939,
			Accuracy:   12,
			Battery:    &batt,
			Timestamp:  fixAt,
			IngestedAt: fixAt.Add(time.Second),
			Source:     "rest",
		},
		EvaluatedAt: fixAt.Add(2 * time.Second),
	}
}

func membership(device, zone string, state model.MembershipState, at time.Time) model.Membership {
	return model.Membership{
		DeviceID:     device,
		ZoneID:       zone,
		State:        state,
		LastFixAt:    at,
		LastDistance: 12.5,
		UpdatedAt:    at,
	}
}

func event(id, device, zone string, kind model.TransitionType, at time.Time) model.TransitionEvent {
	return model.TransitionEvent{
		ID:            id,
		DeviceID:      device,
		ZoneID:        zone,
		Type:          kind,
		FixTime:       at,
		DistanceM:     10,
		Status:        model.StatusPending,
		NextAttemptAt: at,
		CreatedAt:     at,
	}
}

func TestZonesUpsertAndList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		z := model.Zone{ID: "z1", Name: "Depot", Lat: 25.67, Lon: -100.31, RadiusM: 20, Enabled: true, Group: "north", UpdatedAt: base}
		require.NoError(t, s.UpsertZone(ctx, z))
		z.Enabled = false
		z.RadiusM = 40
		require.NoError(t, s.UpsertZone(ctx, z))
		require.NoError(t, s.UpsertZone(ctx, model.Zone{ID: "a0", Name: "Yard", RadiusM: 50, Enabled: true, UpdatedAt: base}))

		zones, err := s.ListZones(ctx)
		require.NoError(t, err)
		require.Len(t, zones, 2)
		assert.Equal(t, "a0", zones[0].ID)
		assert.Equal(t, "z1", zones[1].ID)
		assert.False(t, zones[1].Enabled)
		assert.Equal(t, 40.0, zones[1].RadiusM)
		assert.Equal(t, "north", zones[1].Group)
		assert.True(t, zones[1].UpdatedAt.Equal(base))
	})
}

func TestCommitEvaluationRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := membership("dev1", "z1", model.StateInside, base)
		m.LastEnterAt = base
		m.LastTransitionAt = base
		err := s.CommitEvaluation(ctx, Evaluation{
			Track:       track("dev1", base),
			Memberships: []MembershipWrite{{Membership: m}},
			Events:      []model.TransitionEvent{event("e1", "dev1", "z1", model.TransitionEnter, base)},
		})
		require.NoError(t, err)

		tr, ok, err := s.GetDevice(ctx, "dev1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, tr.LastFix.Timestamp.Equal(base))
		require.NotNil(t, tr.LastFix.Battery)
		assert.Equal(t, 80, *tr.LastFix.Battery)
		assert.Equal(t, "rest", tr.LastFix.Source)

		ms, err := s.Memberships(ctx, "dev1")
		require.NoError(t, err)
		require.Len(t, ms, 1)
		assert.Equal(t, model.StateInside, ms[0].State)
		assert.Equal(t, int64(1), ms[0].Version)
		assert.True(t, ms[0].LastEnterAt.Equal(base))
		assert.True(t, ms[0].LastExitAt.IsZero())

		ev, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, model.TransitionEnter, ev.Type)
		assert.Equal(t, model.StatusPending, ev.Status)

		_, ok, err = s.GetDevice(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCommitEvaluationConflictsRollBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CommitEvaluation(ctx, Evaluation{
			Track:       track("dev1", base),
			Memberships: []MembershipWrite{{Membership: membership("dev1", "z1", model.StateOutside, base)}},
		}))

		// stale version: a second writer that also saw "no row"
		err := s.CommitEvaluation(ctx, Evaluation{
			Track:       track("dev1", base.Add(time.Minute)),
			Memberships: []MembershipWrite{{Membership: membership("dev1", "z1", model.StateInside, base.Add(time.Minute))}},
			Events:      []model.TransitionEvent{event("e-lost", "dev1", "z1", model.TransitionEnter, base.Add(time.Minute))},
		})
		require.ErrorIs(t, err, ErrConflict)

		_, err = s.GetEvent(ctx, "e-lost")
		assert.ErrorIs(t, err, ErrNotFound, "event must not survive a failed commit")
		tr, _, err := s.GetDevice(ctx, "dev1")
		require.NoError(t, err)
		assert.True(t, tr.LastFix.Timestamp.Equal(base), "device track must not survive a failed commit")

		// older fix than the stored one
		err = s.CommitEvaluation(ctx, Evaluation{Track: track("dev1", base.Add(-time.Minute))})
		require.ErrorIs(t, err, ErrConflict)

		// correct version wins
		err = s.CommitEvaluation(ctx, Evaluation{
			Track:       track("dev1", base.Add(time.Minute)),
			Memberships: []MembershipWrite{{Membership: membership("dev1", "z1", model.StateInside, base.Add(time.Minute)), PrevVersion: 1}},
		})
		require.NoError(t, err)
		ms, err := s.Memberships(ctx, "dev1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), ms[0].Version)
	})
}

func TestDeliveryBookkeeping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CommitEvaluation(ctx, Evaluation{
			Track: track("dev1", base),
			Events: []model.TransitionEvent{
				event("e1", "dev1", "z1", model.TransitionEnter, base),
				event("e2", "dev1", "z2", model.TransitionEnter, base.Add(time.Second)),
			},
		}))

		due, err := s.DueEvents(ctx, base, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "e1", due[0].ID)

		e := due[0]
		e.Attempts = 1
		e.LastError = "timeout"
		e.NextAttemptAt = base.Add(5 * time.Second)
		require.NoError(t, s.UpdateDelivery(ctx, e, 0))
		assert.ErrorIs(t, s.UpdateDelivery(ctx, e, 0), ErrConflict, "attempt counter guards concurrent updates")

		e.Status = model.StatusDelivered
		e.Attempts = 2
		e.DeliveredAt = base.Add(6 * time.Second)
		require.NoError(t, s.UpdateDelivery(ctx, e, 1))
		assert.ErrorIs(t, s.UpdateDelivery(ctx, e, 2), ErrConflict, "delivered events are immutable")

		got, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusDelivered, got.Status)
		assert.Equal(t, 2, got.Attempts)

		counts, err := s.CountEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.StatusDelivered])
		assert.Equal(t, 1, counts[model.StatusPending])
		assert.Equal(t, 0, counts[model.StatusFailed])

		list, err := s.ListEvents(ctx, EventFilter{Status: model.StatusPending})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "e2", list[0].ID)

		list, err = s.ListEvents(ctx, EventFilter{DeviceID: "dev1"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "e2", list[0].ID, "newest first")
	})
}

func TestRequeueFailedEvent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CommitEvaluation(ctx, Evaluation{
			Track:  track("dev1", base),
			Events: []model.TransitionEvent{event("e1", "dev1", "z1", model.TransitionExit, base)},
		}))
		assert.ErrorIs(t, s.RequeueEvent(ctx, "e1", base), ErrConflict, "only FAILED events can be requeued")
		assert.ErrorIs(t, s.RequeueEvent(ctx, "nope", base), ErrNotFound)

		e, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		e.Status = model.StatusFailed
		e.Attempts = 8
		e.LastError = "invalid recipient"
		require.NoError(t, s.UpdateDelivery(ctx, e, 0))

		require.NoError(t, s.RequeueEvent(ctx, "e1", base.Add(time.Hour)))
		e, err = s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, e.Status)
		assert.Equal(t, 0, e.Attempts)
		assert.Empty(t, e.LastError)
	})
}

func TestMarkStaleMemberships(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CommitEvaluation(ctx, Evaluation{
			Track: track("dev1", base),
			Memberships: []MembershipWrite{
				{Membership: membership("dev1", "old", model.StateOutside, base.Add(-48*time.Hour))},
				{Membership: membership("dev1", "new", model.StateInside, base)},
			},
		}))
		n, err := s.MarkStaleMemberships(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.MarkStaleMemberships(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		ms, err := s.Memberships(ctx, "")
		require.NoError(t, err)
		require.Len(t, ms, 2)
		assert.Equal(t, "new", ms[0].ZoneID)
		assert.False(t, ms[0].Stale)
		assert.Equal(t, "old", ms[1].ZoneID)
		assert.True(t, ms[1].Stale)
		assert.Equal(t, int64(2), ms[1].Version)
		assert.Equal(t, int64(1), ms[0].Version)
	})
}

func TestMarkStaleInvalidatesInFlightCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CommitEvaluation(ctx, Evaluation{
			Track:       track("dev1", base),
			Memberships: []MembershipWrite{{Membership: membership("dev1", "z1", model.StateInside, base.Add(-48*time.Hour))}},
		}))
		// an evaluation read version 1, then the sweeper staled the row
		n, err := s.MarkStaleMemberships(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		next := base.Add(time.Minute)
		err = s.CommitEvaluation(ctx, Evaluation{
			Track:       track("dev1", next),
			Memberships: []MembershipWrite{{Membership: membership("dev1", "z1", model.StateOutside, next), PrevVersion: 1}},
			Events:      []model.TransitionEvent{event("e-exit", "dev1", "z1", model.TransitionExit, next)},
		})
		require.ErrorIs(t, err, ErrConflict)
		_, err = s.GetEvent(ctx, "e-exit")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.CommitEvaluation(ctx, Evaluation{
			Track:       track("dev1", next),
			Memberships: []MembershipWrite{{Membership: membership("dev1", "z1", model.StateOutside, next), PrevVersion: 2}},
		})
		require.NoError(t, err)
		ms, err := s.Memberships(ctx, "dev1")
		require.NoError(t, err)
		require.Len(t, ms, 1)
		assert.False(t, ms[0].Stale)
		assert.Equal(t, int64(3), ms[0].Version)
	})
}

func TestPostgresPlaceholderRebind(t *testing.T) {
	s := &sqlStore{numbered: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.numbered = false
	assert.Equal(t, "x = ?", s.q("x = ?"))
}
