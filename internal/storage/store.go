package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zonewatch/internal/config"
	"zonewatch/internal/model"
)

var (
	// ErrConflict is returned when a compare-and-set write loses against a
	// concurrent writer. Nothing from the failed call was persisted.
	ErrConflict = errors.New("storage: conflicting concurrent update")
	ErrNotFound = errors.New("storage: not found")
)

// MembershipWrite replaces the row for (DeviceID, ZoneID) if its stored
// version still equals PrevVersion. PrevVersion zero means the row must not
// exist yet.
type MembershipWrite struct {
	Membership  model.Membership
	PrevVersion int64
}

// Evaluation is everything one fix evaluation writes. It is committed
// atomically: either all of it lands or none of it does.
type Evaluation struct {
	Track       model.DeviceTrack
	Memberships []MembershipWrite
	Events      []model.TransitionEvent
}

type EventFilter struct {
	DeviceID string
	ZoneID   string
	Status   model.DeliveryStatus
	Since    time.Time
	Limit    int
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertZone(ctx context.Context, zone model.Zone) error
	ListZones(ctx context.Context) ([]model.Zone, error)

	GetDevice(ctx context.Context, deviceID string) (model.DeviceTrack, bool, error)
	Memberships(ctx context.Context, deviceID string) ([]model.Membership, error)
	CommitEvaluation(ctx context.Context, ev Evaluation) error
	MarkStaleMemberships(ctx context.Context, before time.Time) (int64, error)

	GetEvent(ctx context.Context, id string) (model.TransitionEvent, error)
	ListEvents(ctx context.Context, f EventFilter) ([]model.TransitionEvent, error)
	DueEvents(ctx context.Context, now time.Time, limit int) ([]model.TransitionEvent, error)
	// UpdateDelivery persists delivery bookkeeping for a PENDING event whose
	// stored attempt count still equals prevAttempts.
	UpdateDelivery(ctx context.Context, ev model.TransitionEvent, prevAttempts int) error
	RequeueEvent(ctx context.Context, id string, now time.Time) error
	CountEvents(ctx context.Context) (map[model.DeliveryStatus]int, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func validateEvaluation(ev Evaluation) error {
	if ev.Track.DeviceID == "" {
		return errors.New("storage: evaluation without device id")
	}
	for _, w := range ev.Memberships {
		if w.Membership.DeviceID != ev.Track.DeviceID {
			return fmt.Errorf("storage: membership for %q in evaluation of %q", w.Membership.DeviceID, ev.Track.DeviceID)
		}
	}
	for _, e := range ev.Events {
		if e.ID == "" {
			return errors.New("storage: transition event without id")
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func normalizeLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
