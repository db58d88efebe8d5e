package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zonewatch/internal/model"
)

// sqlStore implements Store over database/sql. Queries are written with '?'
// placeholders and rebound for drivers that use numbered parameters.
type sqlStore struct {
	db       *sql.DB
	numbered bool
	schema   []string
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range s.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *sqlStore) UpsertZone(ctx context.Context, z model.Zone) error {
	if z.UpdatedAt.IsZero() {
		z.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO zones (id, name, lat, lon, radius_m, enabled, group_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lon = excluded.lon,
			radius_m = excluded.radius_m,
			enabled = excluded.enabled,
			group_name = excluded.group_name,
			updated_at = excluded.updated_at`),
		z.ID, z.Name, z.Lat, z.Lon, z.RadiusM, z.Enabled, z.Group, toNanos(z.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert zone %s: %w", z.ID, err)
	}
	return nil
}

func (s *sqlStore) ListZones(ctx context.Context) ([]model.Zone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, lat, lon, radius_m, enabled, group_name, updated_at FROM zones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()
	var out []model.Zone
	for rows.Next() {
		var z model.Zone
		var updated int64
		if err := rows.Scan(&z.ID, &z.Name, &z.Lat, &z.Lon, &z.RadiusM, &z.Enabled, &z.Group, &updated); err != nil {
			return nil, err
		}
		z.UpdatedAt = fromNanos(updated)
		out = append(out, z)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetDevice(ctx context.Context, deviceID string) (model.DeviceTrack, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT device_id, lat, lon, accuracy, battery, fix_at, ingested_at, low_confidence, source, evaluated_at
		FROM devices WHERE device_id = ?`), deviceID)
	var (
		t                            model.DeviceTrack
		battery                      sql.NullInt64
		fixAt, ingestedAt, evaluated int64
	)
	err := row.Scan(&t.DeviceID, &t.LastFix.Lat, &t.LastFix.Lon, &t.LastFix.Accuracy, &battery,
		&fixAt, &ingestedAt, &t.LastFix.LowConfidence, &t.LastFix.Source, &evaluated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceTrack{}, false, nil
	}
	if err != nil {
		return model.DeviceTrack{}, false, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	t.LastFix.DeviceID = t.DeviceID
	if battery.Valid {
		b := int(battery.Int64)
		t.LastFix.Battery = &b
	}
	t.LastFix.Timestamp = fromNanos(fixAt)
	t.LastFix.IngestedAt = fromNanos(ingestedAt)
	t.EvaluatedAt = fromNanos(evaluated)
	return t, true, nil
}

const membershipColumns = `device_id, zone_id, state, last_enter_at, last_exit_at, last_transition_at, last_fix_at, last_distance, updated_at, stale, version`

func (s *sqlStore) Memberships(ctx context.Context, deviceID string) ([]model.Membership, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if deviceID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+membershipColumns+` FROM memberships ORDER BY device_id, zone_id`)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+membershipColumns+` FROM memberships WHERE device_id = ? ORDER BY zone_id`), deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()
	var out []model.Membership
	for rows.Next() {
		var (
			m                                            model.Membership
			state                                        string
			enter, exit, transition, fixAt, updatedAtRaw int64
		)
		if err := rows.Scan(&m.DeviceID, &m.ZoneID, &state, &enter, &exit, &transition, &fixAt,
			&m.LastDistance, &updatedAtRaw, &m.Stale, &m.Version); err != nil {
			return nil, err
		}
		m.State = model.MembershipState(state)
		m.LastEnterAt = fromNanos(enter)
		m.LastExitAt = fromNanos(exit)
		m.LastTransitionAt = fromNanos(transition)
		m.LastFixAt = fromNanos(fixAt)
		m.UpdatedAt = fromNanos(updatedAtRaw)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) CommitEvaluation(ctx context.Context, ev Evaluation) error {
	if err := validateEvaluation(ev); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evaluation: %w", err)
	}
	if err := s.commitTx(ctx, tx, ev); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evaluation: %w", err)
	}
	return nil
}

func (s *sqlStore) commitTx(ctx context.Context, tx *sql.Tx, ev Evaluation) error {
	fix := ev.Track.LastFix
	var battery sql.NullInt64
	if fix.Battery != nil {
		battery = sql.NullInt64{Int64: int64(*fix.Battery), Valid: true}
	}
	res, err := tx.ExecContext(ctx, s.q(`INSERT INTO devices (device_id, lat, lon, accuracy, battery, fix_at, ingested_at, low_confidence, source, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			accuracy = excluded.accuracy,
			battery = excluded.battery,
			fix_at = excluded.fix_at,
			ingested_at = excluded.ingested_at,
			low_confidence = excluded.low_confidence,
			source = excluded.source,
			evaluated_at = excluded.evaluated_at
		WHERE devices.fix_at <= excluded.fix_at`),
		ev.Track.DeviceID, fix.Lat, fix.Lon, fix.Accuracy, battery, toNanos(fix.Timestamp),
		toNanos(fix.IngestedAt), fix.LowConfidence, fix.Source, toNanos(ev.Track.EvaluatedAt),
	)
	if err != nil {
		return fmt.Errorf("write device %s: %w", ev.Track.DeviceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}

	for _, w := range ev.Memberships {
		m := w.Membership
		args := []any{
			string(m.State), toNanos(m.LastEnterAt), toNanos(m.LastExitAt), toNanos(m.LastTransitionAt),
			toNanos(m.LastFixAt), m.LastDistance, toNanos(m.UpdatedAt), m.Stale, w.PrevVersion + 1,
		}
		if w.PrevVersion == 0 {
			res, err = tx.ExecContext(ctx, s.q(`INSERT INTO memberships (`+membershipColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (device_id, zone_id) DO NOTHING`),
				append([]any{m.DeviceID, m.ZoneID}, args...)...)
		} else {
			res, err = tx.ExecContext(ctx, s.q(`UPDATE memberships SET
					state = ?, last_enter_at = ?, last_exit_at = ?, last_transition_at = ?,
					last_fix_at = ?, last_distance = ?, updated_at = ?, stale = ?, version = ?
				WHERE device_id = ? AND zone_id = ? AND version = ?`),
				append(args, m.DeviceID, m.ZoneID, w.PrevVersion)...)
		}
		if err != nil {
			return fmt.Errorf("write membership %s/%s: %w", m.DeviceID, m.ZoneID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrConflict
		}
	}

	for _, e := range ev.Events {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO transition_events
			(id, device_id, zone_id, type, fix_at, distance_m, status, attempts, last_error, next_attempt_at, created_at, delivered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.DeviceID, e.ZoneID, string(e.Type), toNanos(e.FixTime), e.DistanceM, string(e.Status),
			e.Attempts, e.LastError, toNanos(e.NextAttemptAt), toNanos(e.CreatedAt), toNanos(e.DeliveredAt),
		)
		if err != nil {
			return fmt.Errorf("append event %s: %w", e.ID, err)
		}
	}
	return nil
}

func (s *sqlStore) MarkStaleMemberships(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE memberships SET stale = ?, version = version + 1 WHERE stale = ? AND updated_at < ?`),
		true, false, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("mark stale memberships: %w", err)
	}
	return res.RowsAffected()
}

const eventColumns = `id, device_id, zone_id, type, fix_at, distance_m, status, attempts, last_error, next_attempt_at, created_at, delivered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (model.TransitionEvent, error) {
	var (
		e                                     model.TransitionEvent
		kind, status                          string
		fixAt, nextAt, createdAt, deliveredAt int64
	)
	if err := r.Scan(&e.ID, &e.DeviceID, &e.ZoneID, &kind, &fixAt, &e.DistanceM, &status,
		&e.Attempts, &e.LastError, &nextAt, &createdAt, &deliveredAt); err != nil {
		return model.TransitionEvent{}, err
	}
	e.Type = model.TransitionType(kind)
	e.Status = model.DeliveryStatus(status)
	e.FixTime = fromNanos(fixAt)
	e.NextAttemptAt = fromNanos(nextAt)
	e.CreatedAt = fromNanos(createdAt)
	e.DeliveredAt = fromNanos(deliveredAt)
	return e, nil
}

func (s *sqlStore) GetEvent(ctx context.Context, id string) (model.TransitionEvent, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM transition_events WHERE id = ?`), id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TransitionEvent{}, ErrNotFound
	}
	if err != nil {
		return model.TransitionEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

func (s *sqlStore) ListEvents(ctx context.Context, f EventFilter) ([]model.TransitionEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.ZoneID != "" {
		where = append(where, "zone_id = ?")
		args = append(args, f.ZoneID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(f.Since))
	}
	query := `SELECT ` + eventColumns + ` FROM transition_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 1000))
	return s.queryEvents(ctx, s.q(query), args...)
}

func (s *sqlStore) DueEvents(ctx context.Context, now time.Time, limit int) ([]model.TransitionEvent, error) {
	return s.queryEvents(ctx, s.q(`SELECT `+eventColumns+` FROM transition_events
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at LIMIT ?`),
		string(model.StatusPending), toNanos(now), normalizeLimit(limit, 500))
}

func (s *sqlStore) queryEvents(ctx context.Context, query string, args ...any) ([]model.TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []model.TransitionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateDelivery(ctx context.Context, e model.TransitionEvent, prevAttempts int) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE transition_events SET
			status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, delivered_at = ?
		WHERE id = ? AND status = ? AND attempts = ?`),
		string(e.Status), e.Attempts, e.LastError, toNanos(e.NextAttemptAt), toNanos(e.DeliveredAt),
		e.ID, string(model.StatusPending), prevAttempts,
	)
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) RequeueEvent(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE transition_events SET
			status = ?, attempts = 0, last_error = '', next_attempt_at = ?
		WHERE id = ? AND status = ?`),
		string(model.StatusPending), toNanos(now), id, string(model.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("requeue event %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) CountEvents(ctx context.Context) (map[model.DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transition_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	out := map[model.DeliveryStatus]int{
		model.StatusPending:   0,
		model.StatusDelivered: 0,
		model.StatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.DeliveryStatus(status)] = n
	}
	return out, rows.Err()
}
