package model

import (
	"time"

	"zonewatch/internal/geo"
)

type MembershipState string

const (
	StateOutside MembershipState = "OUTSIDE"
	StateInside  MembershipState = "INSIDE"
)

type TransitionType string

const (
	TransitionEnter TransitionType = "ENTER"
	TransitionExit  TransitionType = "EXIT"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusFailed    DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type PositionFix struct {
	DeviceID      string    `json:"device_id"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	Accuracy      float64   `json:"accuracy,omitempty"`
	Battery       *int      `json:"battery,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	IngestedAt    time.Time `json:"ingested_at"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	Source        string    `json:"source,omitempty"`
}

func (f PositionFix) Point() geo.Point {
	return geo.Point{Lat: f.Lat, Lon: f.Lon}
}

type Zone struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	RadiusM   float64   `json:"radius_m"`
	Enabled   bool      `json:"enabled"`
	Group     string    `json:"group,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (z Zone) Center() geo.Point {
	return geo.Point{Lat: z.Lat, Lon: z.Lon}
}

func (z Zone) DisplayName() string {
	if z.Name != "" {
		return z.Name
	}
	return z.ID
}

// Membership is the durable per (device, zone) state. Version is bumped on
// every write and used as the compare-and-set token; zero means no row exists.
type Membership struct {
	DeviceID         string          `json:"device_id"`
	ZoneID           string          `json:"zone_id"`
	State            MembershipState `json:"state"`
	LastEnterAt      time.Time       `json:"last_enter_at,omitempty"`
	LastExitAt       time.Time       `json:"last_exit_at,omitempty"`
	LastTransitionAt time.Time       `json:"last_transition_at,omitempty"`
	LastFixAt        time.Time       `json:"last_fix_at"`
	LastDistance     float64         `json:"last_distance_m"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Stale            bool            `json:"stale"`
	Version          int64           `json:"version"`
}

// DeviceTrack records the most recently evaluated fix for a device.
type DeviceTrack struct {
	DeviceID    string      `json:"device_id"`
	LastFix     PositionFix `json:"last_fix"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

type TransitionEvent struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"device_id"`
	ZoneID        string         `json:"zone_id"`
	Type          TransitionType `json:"type"`
	FixTime       time.Time      `json:"fix_time"`
	DistanceM     float64        `json:"distance_m"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DeliveredAt   time.Time      `json:"delivered_at,omitempty"`
}

// Rejection describes a fix that was discarded before or during evaluation.
type Rejection struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	FixTime   time.Time `json:"fix_time,omitempty"`
	Source    string    `json:"source,omitempty"`
}
