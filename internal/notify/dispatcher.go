package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zonewatch/internal/config"
	"zonewatch/internal/metrics"
	"zonewatch/internal/model"
	"zonewatch/internal/storage"
)

// EventStore is the part of storage the dispatcher owns.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (model.TransitionEvent, error)
	DueEvents(ctx context.Context, now time.Time, limit int) ([]model.TransitionEvent, error)
	UpdateDelivery(ctx context.Context, ev model.TransitionEvent, prevAttempts int) error
	RequeueEvent(ctx context.Context, id string, now time.Time) error
	CountEvents(ctx context.Context) (map[model.DeliveryStatus]int, error)
}

type ZoneNamer interface {
	Zone(ctx context.Context, id string) (model.Zone, bool, error)
}

// DeliveryResult reports what one delivery attempt did.
type DeliveryResult struct {
	EventID       string               `json:"event_id"`
	Status        model.DeliveryStatus `json:"status"`
	Attempts      int                  `json:"attempts"`
	Attempted     bool                 `json:"attempted"`
	NextAttemptAt time.Time            `json:"next_attempt_at,omitempty"`
	Err           error                `json:"-"`
}

// Dispatcher delivers PENDING transition events with bounded retries. Each
// attempt is recorded with a compare-and-set on the attempt counter, so two
// dispatchers racing on the same event deliver it at most once per attempt.
type Dispatcher struct {
	cfg     *config.Manager
	store   EventStore
	channel Channel
	zones   ZoneNamer
	metrics *metrics.Metrics
	logger  *slog.Logger
	queue   chan model.TransitionEvent
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewDispatcher(cfg *config.Manager, store EventStore, channel Channel, zones ZoneNamer, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	size := cfg.Get().Notify.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		channel:  channel,
		zones:    zones,
		metrics:  m,
		logger:   logger,
		queue:    make(chan model.TransitionEvent, size),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Enqueue never blocks. A refused event stays PENDING in the store and is
// picked up by the retry scan.
func (d *Dispatcher) Enqueue(ev model.TransitionEvent) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		d.metrics.QueueFull()
		return false
	}
}

// Run starts the workers and the retry scan and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	cfg := d.cfg.Get().Notify
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	if d.logger != nil {
		d.logger.Info("notification dispatcher started", "channel", d.channel.Name(), "workers", workers)
	}

	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d.Scan(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			d.Scan(ctx)
		}
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if _, err := d.deliver(ctx, ev.ID, false); err != nil && d.logger != nil && ctx.Err() == nil {
				d.logger.Warn("delivery bookkeeping failed", "event_id", ev.ID, "err", err)
			}
		}
	}
}

// Scan queues every PENDING event whose next attempt is due and refreshes
// the status gauges.
func (d *Dispatcher) Scan(ctx context.Context) {
	due, err := d.store.DueEvents(ctx, d.now().UTC(), d.cfg.Get().Notify.QueueSize)
	if err != nil {
		if d.logger != nil && ctx.Err() == nil {
			d.logger.Warn("retry scan failed", "err", err)
		}
		return
	}
	for _, ev := range due {
		if d.isInflight(ev.ID) {
			continue
		}
		if !d.Enqueue(ev) {
			break
		}
	}
	if _, err := d.RefreshCounts(ctx); err != nil && d.logger != nil && ctx.Err() == nil {
		d.logger.Warn("event count failed", "err", err)
	}
}

func (d *Dispatcher) RefreshCounts(ctx context.Context) (map[model.DeliveryStatus]int, error) {
	counts, err := d.store.CountEvents(ctx)
	if err != nil {
		return nil, err
	}
	gauge := make(map[string]int, len(counts))
	for k, v := range counts {
		gauge[string(k)] = v
	}
	d.metrics.SetEventCounts(gauge)
	return counts, nil
}

// Deliver makes one delivery attempt for the event regardless of its retry
// schedule. Events that are already DELIVERED or FAILED are left untouched.
func (d *Dispatcher) Deliver(ctx context.Context, ev model.TransitionEvent) (DeliveryResult, error) {
	return d.deliver(ctx, ev.ID, true)
}

// Requeue moves a FAILED event back to PENDING with a fresh attempt budget.
func (d *Dispatcher) Requeue(ctx context.Context, id string) (model.TransitionEvent, error) {
	if err := d.store.RequeueEvent(ctx, id, d.now().UTC()); err != nil {
		return model.TransitionEvent{}, err
	}
	ev, err := d.store.GetEvent(ctx, id)
	if err != nil {
		return model.TransitionEvent{}, err
	}
	if d.logger != nil {
		d.logger.Info("event requeued", "event_id", id)
	}
	d.Enqueue(ev)
	return ev, nil
}

func (d *Dispatcher) deliver(ctx context.Context, id string, force bool) (DeliveryResult, error) {
	if !d.claim(id) {
		return DeliveryResult{EventID: id}, nil
	}
	defer d.release(id)

	cur, err := d.store.GetEvent(ctx, id)
	if err != nil {
		return DeliveryResult{EventID: id}, err
	}
	res := DeliveryResult{EventID: id, Status: cur.Status, Attempts: cur.Attempts, NextAttemptAt: cur.NextAttemptAt}
	if cur.Status.Terminal() {
		return res, nil
	}
	now := d.now().UTC()
	if !force && cur.NextAttemptAt.After(now) {
		return res, nil
	}

	cfg := d.cfg.Get()
	prev := cur.Attempts
	cur.Attempts++
	n := d.notification(ctx, cfg, cur)

	sendCtx := ctx
	if cfg.Notify.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, cfg.Notify.Timeout)
		defer cancel()
	}
	sendErr := d.channel.Send(sendCtx, n)
	now = d.now().UTC()

	var result string
	switch {
	case sendErr == nil:
		cur.Status = model.StatusDelivered
		cur.DeliveredAt = now
		cur.LastError = ""
		cur.NextAttemptAt = time.Time{}
		result = "delivered"
	case IsPermanent(sendErr) || cur.Attempts >= cfg.Notify.MaxAttempts:
		cur.Status = model.StatusFailed
		cur.LastError = sendErr.Error()
		cur.NextAttemptAt = time.Time{}
		result = "failed"
	default:
		cur.LastError = sendErr.Error()
		cur.NextAttemptAt = now.Add(Backoff(cfg.Notify, cur.Attempts))
		result = "retry"
	}

	if err := d.store.UpdateDelivery(ctx, cur, prev); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// another dispatcher recorded this attempt first
			latest, gerr := d.store.GetEvent(ctx, id)
			if gerr == nil {
				return DeliveryResult{EventID: id, Status: latest.Status, Attempts: latest.Attempts, Attempted: true, Err: sendErr}, nil
			}
		}
		return DeliveryResult{EventID: id, Attempted: true, Err: sendErr}, fmt.Errorf("record delivery %s: %w", id, err)
	}
	d.metrics.Delivery(result)
	d.logResult(cur, sendErr)

	if cur.Status == model.StatusPending {
		if delay := cur.NextAttemptAt.Sub(now); delay < cfg.Notify.ScanInterval {
			time.AfterFunc(delay, func() { d.Enqueue(cur) })
		}
	}
	return DeliveryResult{
		EventID:       id,
		Status:        cur.Status,
		Attempts:      cur.Attempts,
		Attempted:     true,
		NextAttemptAt: cur.NextAttemptAt,
		Err:           sendErr,
	}, nil
}

func (d *Dispatcher) notification(ctx context.Context, cfg *config.Config, ev model.TransitionEvent) Notification {
	zoneName := ev.ZoneID
	if d.zones != nil {
		if z, ok, err := d.zones.Zone(ctx, ev.ZoneID); err == nil && ok {
			zoneName = z.DisplayName()
		}
	}
	return Notification{
		EventID:    ev.ID,
		DeviceID:   ev.DeviceID,
		DeviceName: cfg.DeviceName(ev.DeviceID),
		ZoneID:     ev.ZoneID,
		ZoneName:   zoneName,
		Type:       ev.Type,
		DistanceM:  ev.DistanceM,
		FixTime:    ev.FixTime,
		Attempt:    ev.Attempts,
	}
}

func (d *Dispatcher) logResult(ev model.TransitionEvent, err error) {
	if d.logger == nil {
		return
	}
	switch ev.Status {
	case model.StatusDelivered:
		d.logger.Info("notification delivered", "event_id", ev.ID, "device_id", ev.DeviceID, "zone_id", ev.ZoneID, "attempt", ev.Attempts)
	case model.StatusFailed:
		d.logger.Error("notification failed permanently", "event_id", ev.ID, "device_id", ev.DeviceID, "zone_id", ev.ZoneID, "attempt", ev.Attempts, "err", err)
	default:
		d.logger.Warn("notification attempt failed", "event_id", ev.ID, "attempt", ev.Attempts, "next_attempt_at", ev.NextAttemptAt, "err", err)
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) isInflight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inflight[id]
	return busy
}

// Backoff returns the delay after the given failed attempt: the configured
// steps first, then the periodic retry interval.
func Backoff(cfg config.NotifyConfig, attempt int) time.Duration {
	if attempt >= 1 && attempt <= len(cfg.Backoff) {
		return cfg.Backoff[attempt-1]
	}
	if cfg.RetryInterval > 0 {
		return cfg.RetryInterval
	}
	return time.Minute
}
