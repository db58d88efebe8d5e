// Package geo holds the single great-circle distance implementation shared by
// the detector, the zone registry and the CLI.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lon)
}

const (
	MaxLat = 90.0
	MaxLon = 180.0
)

// Valid reports whether the point is inside the WGS84 coordinate range.
func (p Point) Valid() bool {
	return ValidLat(p.Lat) && ValidLon(p.Lon)
}

func ValidLat(v float64) bool { return inRange(v, MaxLat) }

func ValidLon(v float64) bool { return inRange(v, MaxLon) }

// inRange is false for NaN since every comparison with it fails.
func inRange(v, limit float64) bool {
	return v >= -limit && v <= limit
}

// Distance returns the haversine distance in meters between a and b.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Offset returns the point reached by moving north and east by the given
// number of meters from p. It is a local flat-earth approximation, accurate
// to well under a meter for the zone sizes this system deals with.
func Offset(p Point, northMeters, eastMeters float64) Point {
	dLat := northMeters / EarthRadiusMeters
	dLon := eastMeters / (EarthRadiusMeters * math.Cos(radians(p.Lat)))
	return Point{
		Lat: p.Lat + degrees(dLat),
		Lon: p.Lon + degrees(dLon),
	}
}

// Within reports whether q lies within radius meters of center (closed disk).
func Within(center, q Point, radius float64) bool {
	return Distance(center, q) <= radius
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
