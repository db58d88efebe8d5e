package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"zonewatch/internal/config"
	"zonewatch/internal/engine"
	"zonewatch/internal/metrics"
	"zonewatch/internal/model"
	"zonewatch/internal/rejects"
)

var ErrBatchTooLarge = errors.New("batch too large")

// Processor is the detector entry point.
type Processor interface {
	ProcessFix(ctx context.Context, fix model.PositionFix) (engine.Outcome, error)
}

const (
	ResultAccepted  = "accepted"
	ResultIgnored   = "ignored"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

// Result is the per-fix acknowledgement returned to transports.
type Result struct {
	Status   string                  `json:"status"`
	DeviceID string                  `json:"device_id,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	Errors   []FieldError            `json:"errors,omitempty"`
	Events   []model.TransitionEvent `json:"events,omitempty"`
}

// Gateway validates payloads, drops exact resubmissions and hands accepted
// fixes to the detector synchronously.
type Gateway struct {
	cfg     *config.Manager
	proc    Processor
	dedupe  Deduper
	rejects *rejects.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewGateway(cfg *config.Manager, proc Processor, dedupe Deduper, rejectStore *rejects.Store, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if dedupe == nil {
		dedupe = noDedupe{}
	}
	return &Gateway{
		cfg:     cfg,
		proc:    proc,
		dedupe:  dedupe,
		rejects: rejectStore,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// NewDeduper picks the dedupe backend from config. client may be nil unless
// the backend is redis.
func NewDeduper(cfg config.DedupeConfig, client redis.Cmdable) (Deduper, error) {
	if cfg.Window <= 0 {
		return noDedupe{}, nil
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryDeduper(cfg.Size, cfg.Window), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis dedupe requires a redis client")
		}
		return NewRedisDeduper(client, cfg.Window), nil
	default:
		return nil, fmt.Errorf("unknown dedupe backend %q", cfg.Backend)
	}
}

// SubmitBytes decodes a single payload or a batch and submits each fix.
func (g *Gateway) SubmitBytes(ctx context.Context, data []byte, source string) ([]Result, bool, error) {
	objs, batch, err := DecodePayloads(data)
	if err != nil {
		return nil, batch, err
	}
	if limit := g.cfg.Get().Ingest.MaxBatch; limit > 0 && len(objs) > limit {
		return nil, batch, fmt.Errorf("%w: %d fixes, limit %d", ErrBatchTooLarge, len(objs), limit)
	}
	out := make([]Result, 0, len(objs))
	for _, obj := range objs {
		out = append(out, g.Submit(ctx, obj, source))
	}
	return out, batch, nil
}

func (g *Gateway) Submit(ctx context.Context, obj map[string]any, source string) Result {
	cfg := g.cfg.Get()
	g.metrics.FixReceived(source)

	fix, err := Normalize(obj, cfg, g.now(), source)
	if errors.Is(err, ErrIgnored) {
		return Result{Status: ResultIgnored}
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		g.metrics.FixRejected(rejects.ReasonValidation)
		g.rejects.Add(model.Rejection{
			Timestamp: g.now().UTC(),
			DeviceID:  rawDeviceID(obj),
			Reason:    rejects.ReasonValidation,
			Detail:    verr.Error(),
			Source:    source,
		})
		if g.logger != nil {
			g.logger.Debug("fix rejected", "source", source, "reason", rejects.ReasonValidation, "err", verr)
		}
		return Result{Status: ResultInvalid, Reason: rejects.ReasonValidation, Errors: verr.Fields}
	}
	if err != nil {
		return Result{Status: ResultError, Reason: err.Error()}
	}

	key := FixKey(fix)
	seen, err := g.dedupe.Seen(ctx, key)
	if err != nil && g.logger != nil {
		// fall through and evaluate
		g.logger.Warn("dedupe check failed", "device_id", fix.DeviceID, "err", err)
	}
	if seen {
		g.metrics.FixDuplicate()
		g.rejects.Add(model.Rejection{
			Timestamp: g.now().UTC(),
			DeviceID:  fix.DeviceID,
			Reason:    rejects.ReasonDuplicate,
			FixTime:   fix.Timestamp,
			Source:    source,
		})
		return Result{Status: ResultDuplicate, DeviceID: fix.DeviceID, Reason: rejects.ReasonDuplicate}
	}

	outcome, err := g.proc.ProcessFix(ctx, fix)
	if err != nil {
		// let a resend of the same fix through again
		if ferr := g.dedupe.Forget(ctx, key); ferr != nil && g.logger != nil {
			g.logger.Warn("dedupe forget failed", "device_id", fix.DeviceID, "err", ferr)
		}
		return Result{Status: ResultError, DeviceID: fix.DeviceID, Reason: outcome.Reason}
	}
	if outcome.Status == engine.StatusRejected {
		return Result{Status: ResultRejected, DeviceID: fix.DeviceID, Reason: outcome.Reason}
	}
	return Result{Status: ResultAccepted, DeviceID: fix.DeviceID, Events: outcome.Events}
}

func rawDeviceID(obj map[string]any) string {
	if s, ok := obj["tid"].(string); ok {
		return s
	}
	return ""
}
