package zones

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"zonewatch/internal/geo"
	"zonewatch/internal/metrics"
	"zonewatch/internal/model"
)

// Source is the durable zone table.
type Source interface {
	ListZones(ctx context.Context) ([]model.Zone, error)
}

type snapshot struct {
	all       []model.Zone
	enabled   []model.Zone
	byID      map[string]model.Zone
	maxRadius float64
	loadedAt  time.Time
}

// Registry serves zone lookups from an in-memory snapshot that is reloaded
// from the source at most once per TTL. Concurrent callers that hit an
// expired snapshot share a single reload.
type Registry struct {
	src     Source
	ttl     atomic.Int64
	snap    atomic.Pointer[snapshot]
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRegistry(src Source, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Registry {
	r := &Registry{
		src:     src,
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
	r.SetTTL(ttl)
	return r
}

func (r *Registry) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	r.ttl.Store(int64(ttl))
}

// Invalidate forces the next lookup to reload from the source.
func (r *Registry) Invalidate() {
	r.snap.Store(nil)
}

// ZonesNear returns the enabled zones whose center lies within maxRadius
// meters of p.
func (r *Registry) ZonesNear(ctx context.Context, p geo.Point, maxRadius float64) ([]model.Zone, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Zone, 0, 4)
	for _, z := range s.enabled {
		if geo.Distance(p, z.Center()) <= maxRadius {
			out = append(out, z)
		}
	}
	return out, nil
}

func (r *Registry) AllEnabled(ctx context.Context) ([]model.Zone, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return append([]model.Zone(nil), s.enabled...), nil
}

// All includes disabled zones.
func (r *Registry) All(ctx context.Context) ([]model.Zone, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return append([]model.Zone(nil), s.all...), nil
}

// Zone looks a zone up by id, disabled ones included.
func (r *Registry) Zone(ctx context.Context, id string) (model.Zone, bool, error) {
	s, err := r.current(ctx)
	if err != nil {
		return model.Zone{}, false, err
	}
	z, ok := s.byID[id]
	return z, ok, nil
}

// MaxRadius is the largest radius among enabled zones.
func (r *Registry) MaxRadius(ctx context.Context) (float64, error) {
	s, err := r.current(ctx)
	if err != nil {
		return 0, err
	}
	return s.maxRadius, nil
}

func (r *Registry) current(ctx context.Context) (*snapshot, error) {
	s := r.snap.Load()
	if s != nil && r.now().Sub(s.loadedAt) < time.Duration(r.ttl.Load()) {
		return s, nil
	}
	v, err, _ := r.group.Do("zones", func() (any, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		if s != nil {
			r.metrics.ZoneRefresh("stale")
			if r.logger != nil {
				r.logger.Warn("zone refresh failed, serving cached zones", "err", err, "zones", len(s.all))
			}
			return s, nil
		}
		r.metrics.ZoneRefresh("error")
		return nil, err
	}
	return v.(*snapshot), nil
}

func (r *Registry) refresh(ctx context.Context) (*snapshot, error) {
	zs, err := r.src.ListZones(ctx)
	if err != nil {
		return nil, err
	}
	s := &snapshot{
		all:      zs,
		byID:     make(map[string]model.Zone, len(zs)),
		loadedAt: r.now(),
	}
	for _, z := range zs {
		s.byID[z.ID] = z
		if !z.Enabled || z.RadiusM <= 0 {
			continue
		}
		s.enabled = append(s.enabled, z)
		if z.RadiusM > s.maxRadius {
			s.maxRadius = z.RadiusM
		}
	}
	r.snap.Store(s)
	r.metrics.ZoneRefresh("ok")
	if r.logger != nil {
		r.logger.Debug("zones refreshed", "zones", len(zs), "enabled", len(s.enabled))
	}
	return s, nil
}
