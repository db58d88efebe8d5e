package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"zonewatch/internal/config"
	"zonewatch/internal/geo"
	"zonewatch/internal/metrics"
	"zonewatch/internal/model"
	"zonewatch/internal/rejects"
	"zonewatch/internal/storage"
)

// ZoneLookup is the part of the zone registry the detector needs.
type ZoneLookup interface {
	ZonesNear(ctx context.Context, p geo.Point, maxRadius float64) ([]model.Zone, error)
	Zone(ctx context.Context, id string) (model.Zone, bool, error)
	MaxRadius(ctx context.Context) (float64, error)
}

// Enqueuer hands committed events to the notification path. Enqueue must not
// block; events it refuses are picked up later from the store.
type Enqueuer interface {
	Enqueue(ev model.TransitionEvent) bool
}

type Status string

const (
	StatusEvaluated Status = "evaluated"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Outcome summarizes what one fix evaluation did.
type Outcome struct {
	DeviceID   string                  `json:"device_id"`
	Status     Status                  `json:"status"`
	Reason     string                  `json:"reason,omitempty"`
	Err        error                   `json:"-"`
	Zones      int                     `json:"zones"`
	Events     []model.TransitionEvent `json:"events,omitempty"`
	Suppressed int                     `json:"suppressed,omitempty"`
	Staled     int                     `json:"staled,omitempty"`
}

type Deps struct {
	Store    storage.Store
	Zones    ZoneLookup
	Fixes    FixCache
	Notifier Enqueuer
	Rejects  *rejects.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Engine is the event detector. All evaluation for one device runs under
// that device's lock; different devices evaluate in parallel.
type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	rejects  *rejects.Store
	store    storage.Store
	zones    ZoneLookup
	fixes    FixCache
	notifier Enqueuer
	cfg      atomic.Value
	locks    *deviceLocks
	now      func() time.Time
	newID    func() string
}

func NewEngine(cfg *config.Config, deps Deps) *Engine {
	e := &Engine{
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		rejects:  deps.Rejects,
		store:    deps.Store,
		zones:    deps.Zones,
		fixes:    deps.Fixes,
		notifier: deps.Notifier,
		locks:    newDeviceLocks(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if e.fixes == nil {
		e.fixes = NewMemoryFixCache(cfg.FixCache.TTL)
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Fixes exposes the cache of last accepted fixes for the sweeper.
func (e *Engine) Fixes() FixCache {
	return e.fixes
}

// ProcessFix evaluates a freshly ingested fix, waiting for the device if
// another evaluation holds it. Rejections are reported in the Outcome; the
// error is set only when evaluation failed and nothing was persisted.
func (e *Engine) ProcessFix(ctx context.Context, fix model.PositionFix) (Outcome, error) {
	unlock := e.locks.Lock(fix.DeviceID)
	defer unlock()
	ref := fix.IngestedAt
	if ref.IsZero() {
		ref = e.now()
	}
	return e.evaluate(ctx, fix, ref)
}

// Reevaluate runs a cached fix through the detector again. It never waits:
// if the device is being evaluated it returns ErrDeviceBusy.
func (e *Engine) Reevaluate(ctx context.Context, fix model.PositionFix) (Outcome, error) {
	unlock, ok := e.locks.TryLock(fix.DeviceID)
	if !ok {
		return Outcome{DeviceID: fix.DeviceID, Status: StatusRejected, Err: ErrDeviceBusy}, ErrDeviceBusy
	}
	defer unlock()
	return e.evaluate(ctx, fix, e.now())
}

func (e *Engine) evaluate(ctx context.Context, fix model.PositionFix, ref time.Time) (Outcome, error) {
	started := time.Now()
	cfg := e.config()
	out := Outcome{DeviceID: fix.DeviceID}

	if w := cfg.Detection.StalenessWindow; w > 0 && ref.Sub(fix.Timestamp) > w {
		return e.reject(out, fix, rejects.ReasonStale, ErrStale), nil
	}

	var (
		p   *plan
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		p, err = e.plan(ctx, cfg, fix)
		if err == nil {
			err = e.store.CommitEvaluation(ctx, p.eval)
		}
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		if e.logger != nil {
			e.logger.Debug("membership write conflict, retrying", "device_id", fix.DeviceID, "attempt", attempt+1)
		}
	}
	if errors.Is(err, ErrOutOfOrder) {
		return e.reject(out, fix, rejects.ReasonOutOfOrder, ErrOutOfOrder), nil
	}
	if err != nil {
		return e.fail(ctx, out, fix, err)
	}

	evaluatedAt := p.eval.Track.EvaluatedAt
	if perr := e.fixes.Put(ctx, CachedFix{Fix: fix, EvaluatedAt: evaluatedAt}); perr != nil && e.logger != nil {
		e.logger.Warn("fix cache update failed", "device_id", fix.DeviceID, "err", perr)
	}

	out.Status = StatusEvaluated
	out.Zones = p.zones
	out.Events = p.eval.Events
	out.Suppressed = p.suppressed
	out.Staled = p.staled
	for i := 0; i < p.suppressed; i++ {
		e.metrics.Debounced()
	}
	for _, ev := range p.eval.Events {
		e.metrics.Transition(string(ev.Type))
		if e.logger != nil {
			e.logger.Info("zone transition",
				"event_id", ev.ID,
				"device_id", ev.DeviceID,
				"zone_id", ev.ZoneID,
				"type", ev.Type,
				"distance_m", ev.DistanceM,
				"fix_time", ev.FixTime,
			)
		}
		if e.notifier != nil && !e.notifier.Enqueue(ev) && e.logger != nil {
			e.logger.Debug("notification queue full, deferring to retry scan", "event_id", ev.ID)
		}
	}
	e.metrics.ObserveEvaluation(time.Since(started).Seconds())
	return out, nil
}

type plan struct {
	eval       storage.Evaluation
	zones      int
	suppressed int
	staled     int
}

// plan reads the device's current state and computes everything the
// evaluation will write. Nothing is mutated here.
func (e *Engine) plan(ctx context.Context, cfg *config.Config, fix model.PositionFix) (*plan, error) {
	track, ok, err := e.store.GetDevice(ctx, fix.DeviceID)
	if err != nil {
		return nil, err
	}
	if ok && fix.Timestamp.Before(track.LastFix.Timestamp) {
		return nil, ErrOutOfOrder
	}

	maxRadius, err := e.zones.MaxRadius(ctx)
	if err != nil {
		return nil, fmt.Errorf("zones: %w", err)
	}
	candidates, err := e.zones.ZonesNear(ctx, fix.Point(), maxRadius+cfg.Detection.SearchMargin)
	if err != nil {
		return nil, fmt.Errorf("zones near: %w", err)
	}
	current, err := e.store.Memberships(ctx, fix.DeviceID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	p := &plan{eval: storage.Evaluation{
		Track: model.DeviceTrack{DeviceID: fix.DeviceID, LastFix: fix, EvaluatedAt: now},
	}}

	byZone := make(map[string]model.Membership, len(current))
	for _, m := range current {
		byZone[m.ZoneID] = m
	}
	seen := make(map[string]bool, len(candidates))
	for _, z := range candidates {
		seen[z.ID] = true
	}
	// a device inside a zone must be able to leave it however far it jumps
	for _, m := range current {
		if m.State != model.StateInside || seen[m.ZoneID] {
			continue
		}
		z, found, err := e.zones.Zone(ctx, m.ZoneID)
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", m.ZoneID, err)
		}
		if found && z.Enabled && z.RadiusM > 0 {
			candidates = append(candidates, z)
			seen[z.ID] = true
			continue
		}
		if !m.Stale {
			prev := m.Version
			m.Stale = true
			m.UpdatedAt = now
			p.eval.Memberships = append(p.eval.Memberships, storage.MembershipWrite{Membership: m, PrevVersion: prev})
			p.staled++
		}
	}

	deb := Debouncer{Cooldown: cfg.Detection.Cooldown}
	point := fix.Point()
	for _, z := range candidates {
		m, exists := byZone[z.ID]
		var prev int64
		if exists {
			prev = m.Version
		} else {
			m = model.Membership{DeviceID: fix.DeviceID, ZoneID: z.ID, State: model.StateOutside}
		}
		d := geo.Distance(point, z.Center())
		next := nextState(m.State, z.Center(), point, z.RadiusM, cfg.Detection.ExitMargin)

		m.LastDistance = d
		m.LastFixAt = fix.Timestamp
		m.UpdatedAt = now
		m.Stale = false
		if next != m.State {
			kind := model.TransitionExit
			if next == model.StateInside {
				kind = model.TransitionEnter
			}
			if deb.Allow(m, kind, fix.Timestamp) {
				m.State = next
				m.LastTransitionAt = fix.Timestamp
				if kind == model.TransitionEnter {
					m.LastEnterAt = fix.Timestamp
				} else {
					m.LastExitAt = fix.Timestamp
				}
				p.eval.Events = append(p.eval.Events, model.TransitionEvent{
					ID:            e.newID(),
					DeviceID:      fix.DeviceID,
					ZoneID:        z.ID,
					Type:          kind,
					FixTime:       fix.Timestamp,
					DistanceM:     d,
					Status:        model.StatusPending,
					NextAttemptAt: now,
					CreatedAt:     now,
				})
			} else {
				p.suppressed++
				if e.logger != nil {
					e.logger.Debug("transition debounced", "device_id", fix.DeviceID, "zone_id", z.ID, "type", kind)
				}
			}
		}
		p.eval.Memberships = append(p.eval.Memberships, storage.MembershipWrite{Membership: m, PrevVersion: prev})
		p.zones++
	}
	return p, nil
}

// nextState applies the closed-disk rule. With a positive exit margin a
// device already inside stays inside until it is margin meters past the edge.
func nextState(cur model.MembershipState, center, p geo.Point, radius, exitMargin float64) model.MembershipState {
	limit := radius
	if cur == model.StateInside && exitMargin > 0 {
		limit += exitMargin
	}
	if geo.Within(center, p, limit) {
		return model.StateInside
	}
	return model.StateOutside
}

func (e *Engine) reject(out Outcome, fix model.PositionFix, reason string, err error) Outcome {
	out.Status = StatusRejected
	out.Reason = reason
	out.Err = err
	e.metrics.FixRejected(reason)
	e.rejects.Add(model.Rejection{
		Timestamp: e.now().UTC(),
		DeviceID:  fix.DeviceID,
		Reason:    reason,
		Detail:    err.Error(),
		FixTime:   fix.Timestamp,
		Source:    fix.Source,
	})
	if e.logger != nil {
		e.logger.Debug("fix discarded", "device_id", fix.DeviceID, "reason", reason, "fix_time", fix.Timestamp)
	}
	return out
}

func (e *Engine) fail(ctx context.Context, out Outcome, fix model.PositionFix, err error) (Outcome, error) {
	out.Status = StatusFailed
	out.Reason = rejects.ReasonStore
	out.Err = err
	e.metrics.EvaluationFailed()
	e.rejects.Add(model.Rejection{
		Timestamp: e.now().UTC(),
		DeviceID:  fix.DeviceID,
		Reason:    rejects.ReasonStore,
		Detail:    err.Error(),
		FixTime:   fix.Timestamp,
		Source:    fix.Source,
	})
	// keep the fix around unevaluated so the sweeper retries it
	if perr := e.fixes.Put(ctx, CachedFix{Fix: fix}); perr != nil && e.logger != nil {
		e.logger.Warn("fix cache update failed", "device_id", fix.DeviceID, "err", perr)
	}
	if e.logger != nil {
		e.logger.Warn("fix evaluation failed", "device_id", fix.DeviceID, "err", err)
	}
	return out, fmt.Errorf("evaluate %s: %w", fix.DeviceID, err)
}
