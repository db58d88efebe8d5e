package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"zonewatch/internal/config"
	"zonewatch/internal/engine"
	"zonewatch/internal/metrics"
	"zonewatch/internal/model"
)

type Evaluator interface {
	Reevaluate(ctx context.Context, fix model.PositionFix) (engine.Outcome, error)
}

type MembershipMarker interface {
	MarkStaleMemberships(ctx context.Context, before time.Time) (int64, error)
}

// Report counts what one sweep did.
type Report struct {
	Candidates int   `json:"candidates"`
	Evaluated  int   `json:"evaluated"`
	Busy       int   `json:"busy"`
	Rejected   int   `json:"rejected"`
	Failed     int   `json:"failed"`
	Staled     int64 `json:"staled"`
}

// Sweeper re-runs the last fix of every device that has not been evaluated
// since the previous pass, so zone edits and failed commits are picked up
// while a device sits still. It also marks memberships nobody has reported
// on for a long time.
type Sweeper struct {
	mu        sync.Mutex
	lastSweep time.Time

	cfg     *config.Manager
	engine  Evaluator
	fixes   engine.FixCache
	store   MembershipMarker
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg *config.Manager, eval Evaluator, fixes engine.FixCache, store MembershipMarker, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		engine:  eval,
		fixes:   fixes,
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	cfg := s.cfg.Get().Sweeper
	if !cfg.Enabled {
		if s.logger != nil {
			s.logger.Info("sweeper disabled")
		}
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if s.logger != nil {
		s.logger.Info("sweeper started", "interval", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && s.logger != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", "err", err)
			}
			if next := s.cfg.Get().Sweeper.Interval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Sweep makes one pass. A device that is being evaluated right now is
// skipped; the next tick looks at it again.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg.Get()
	now := s.now()
	s.metrics.Sweep()

	// fixes evaluated after the previous pass finished are already current
	since := s.lastSweep
	if since.IsZero() {
		since = now
	}

	var rep Report
	cached, err := s.fixes.List(ctx)
	if err != nil {
		return rep, err
	}
	window := cfg.Detection.StalenessWindow
	for _, c := range cached {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if !c.NeedsEvaluation(since) {
			continue
		}
		if window > 0 && now.Sub(c.Fix.Timestamp) > window {
			continue
		}
		rep.Candidates++
		out, err := s.engine.Reevaluate(ctx, c.Fix)
		switch {
		case errors.Is(err, engine.ErrDeviceBusy):
			rep.Busy++
			s.metrics.SweepEvaluation("busy")
		case err != nil:
			rep.Failed++
			s.metrics.SweepEvaluation("error")
			if s.logger != nil {
				s.logger.Warn("sweep re-evaluation failed", "device_id", c.Fix.DeviceID, "err", err)
			}
		case out.Status == engine.StatusRejected:
			rep.Rejected++
			s.metrics.SweepEvaluation("rejected")
		default:
			rep.Evaluated++
			s.metrics.SweepEvaluation("ok")
			if len(out.Events) > 0 && s.logger != nil {
				s.logger.Info("sweep caught transitions", "device_id", c.Fix.DeviceID, "events", len(out.Events))
			}
		}
	}
	s.lastSweep = s.now()

	if after := cfg.Sweeper.StaleMembershipAfter; after > 0 && s.store != nil {
		n, err := s.store.MarkStaleMemberships(ctx, now.Add(-after))
		if err != nil {
			return rep, err
		}
		rep.Staled = n
		if n > 0 && s.logger != nil {
			s.logger.Info("memberships marked stale", "count", n)
		}
	}
	if s.logger != nil && rep.Candidates > 0 {
		s.logger.Debug("sweep finished", "candidates", rep.Candidates, "evaluated", rep.Evaluated, "busy", rep.Busy, "failed", rep.Failed)
	}
	return rep, nil
}
