package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"zonewatch/internal/config"
	"zonewatch/internal/geo"
	"zonewatch/internal/model"
)

// ErrIgnored marks OwnTracks messages that carry no position (_type other
// than "location"). They are acknowledged and dropped.
var ErrIgnored = errors.New("not a location message")

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every field that failed, not just the first.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid fix: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

const maxDeviceIDLen = 10

// Normalize validates one decoded payload and turns it into a PositionFix.
func Normalize(obj map[string]any, cfg *config.Config, now time.Time, source string) (model.PositionFix, error) {
	if t, ok := obj["_type"]; ok {
		if s, _ := t.(string); s != "location" {
			return model.PositionFix{}, ErrIgnored
		}
	}

	verr := &ValidationError{}
	fix := model.PositionFix{IngestedAt: now.UTC(), Source: source}

	switch raw, ok := obj["tid"]; {
	case !ok || raw == nil:
		verr.add("tid", "missing")
	default:
		id, isString := raw.(string)
		id = strings.TrimSpace(id)
		switch {
		case !isString || id == "":
			verr.add("tid", "must be a non-empty string")
		case utf8.RuneCountInString(id) > maxDeviceIDLen:
			verr.add("tid", fmt.Sprintf("must be 1-%d characters", maxDeviceIDLen))
		case cfg.Ingest.RequireKnownDevice && !cfg.KnownDevice(id):
			verr.add("tid", "unknown device")
		default:
			fix.DeviceID = id
		}
	}

	fix.Lat = coordinate(obj, "lat", geo.MaxLat, geo.ValidLat, verr)
	fix.Lon = coordinate(obj, "lon", geo.MaxLon, geo.ValidLon, verr)

	switch raw, ok := obj["tst"]; {
	case !ok || raw == nil:
		verr.add("tst", "missing")
	default:
		ts, err := ParseTimestamp(raw)
		switch {
		case err != nil:
			verr.add("tst", "must be numeric unix seconds")
		case ts.Unix() <= 0:
			verr.add("tst", "must be positive")
		case cfg.Ingest.MaxFutureSkew > 0 && ts.Sub(now) > cfg.Ingest.MaxFutureSkew:
			verr.add("tst", "in the future beyond allowed skew")
		default:
			fix.Timestamp = ts
		}
	}

	if raw, ok := obj["acc"]; ok && raw != nil {
		acc, isNum := number(raw)
		switch {
		case !isNum:
			verr.add("acc", "must be numeric")
		case acc < 0:
			verr.add("acc", "must be >= 0")
		default:
			fix.Accuracy = acc
		}
	}
	if raw, ok := obj["batt"]; ok && raw != nil {
		batt, isNum := number(raw)
		switch {
		case !isNum:
			verr.add("batt", "must be numeric")
		case batt < 0 || batt > 100:
			verr.add("batt", "out of range 0..100")
		default:
			b := int(math.Round(batt))
			fix.Battery = &b
		}
	}

	if len(verr.Fields) > 0 {
		return model.PositionFix{}, verr
	}
	if limit := cfg.Detection.LowConfidenceAccuracy; limit > 0 && fix.Accuracy > limit {
		fix.LowConfidence = true
	}
	return fix, nil
}

func coordinate(obj map[string]any, field string, limit float64, valid func(float64) bool, verr *ValidationError) float64 {
	raw, ok := obj[field]
	if !ok || raw == nil {
		verr.add(field, "missing")
		return 0
	}
	v, isNum := number(raw)
	if !isNum {
		verr.add(field, "must be numeric")
		return 0
	}
	if !valid(v) {
		verr.add(field, fmt.Sprintf("out of range -%g..%g", limit, limit))
		return 0
	}
	return v
}

func number(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseTimestamp reads unix seconds. Values with 13 or more integer digits
// are taken as milliseconds.
func ParseTimestamp(v any) (time.Time, error) {
	if s, ok := v.(string); ok && isNumeric(strings.TrimSpace(s)) {
		return parseUnix(strings.TrimSpace(s))
	}
	if n, ok := v.(json.Number); ok && isNumeric(n.String()) {
		return parseUnix(n.String())
	}
	f, ok := number(v)
	if !ok {
		return time.Time{}, fmt.Errorf("unsupported timestamp %v", v)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
