// Package geo provides straight-line distance and travel-time estimates.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0088

// DefaultSpeedKmh is the average road speed assumed when no router is available.
const DefaultSpeedKmh = 30.0

// ErrInvalidSpeed is returned by TravelTime for non-positive speeds.
var ErrInvalidSpeed = errors.New("average speed must be positive")

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Distance returns the great-circle distance between a and b in kilometres.
func Distance(a, b Coordinate) float64 {
	if a == b {
		return 0
	}
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := phi2 - phi1
	dLambda := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// TravelTime converts a distance in kilometres to minutes at speedKmh.
func TravelTime(distanceKm, speedKmh float64) (float64, error) {
	if speedKmh <= 0 {
		return 0, fmt.Errorf("travel time at %.2f km/h: %w", speedKmh, ErrInvalidSpeed)
	}
	return distanceKm / speedKmh * 60, nil
}
