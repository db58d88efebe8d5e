package engine

import (
	"time"

	"zonewatch/internal/model"
)

// Debouncer suppresses a transition when the same transition type was
// already recorded for the (device, zone) pair within Cooldown of the fix
// time. It reads the last enter/exit times persisted on the membership, so
// suppression holds across restarts and across the ingest and sweep paths.
type Debouncer struct {
	Cooldown time.Duration
}

func (d Debouncer) Allow(m model.Membership, kind model.TransitionType, at time.Time) bool {
	if d.Cooldown <= 0 {
		return true
	}
	var last time.Time
	switch kind {
	case model.TransitionEnter:
		last = m.LastEnterAt
	case model.TransitionExit:
		last = m.LastExitAt
	}
	if last.IsZero() {
		return true
	}
	since := at.Sub(last)
	if since < 0 {
		since = -since
	}
	return since >= d.Cooldown
}
