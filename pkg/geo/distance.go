// Package geo holds the distance helpers shared by the location pipeline.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by every distance helper
const EarthRadiusMeters = 6371000.0

// metersPerDegree is the length of one degree of latitude
const metersPerDegree = 111320.0

// Point is a WGS84 coordinate pair
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Haversine returns the great-circle distance in meters between two points
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	deltaLat := toRadians(lat2 - lat1)
	deltaLon := toRadians(lon2 - lon1)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Distance is Haversine over Points
func Distance(a, b Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ApproxDistance is an equirectangular approximation of the ground distance.
// It is accurate to well under a meter at the short ranges used for cache
// anchoring and much cheaper than Haversine.
func ApproxDistance(a, b Point) float64 {
	meanLat := toRadians((a.Lat + b.Lat) / 2)
	dy := (b.Lat - a.Lat) * metersPerDegree
	dx := (b.Lng - a.Lng) * metersPerDegree * math.Cos(meanLat)
	return math.Sqrt(dx*dx + dy*dy)
}

// ValidCoordinates reports whether lat/lng are within WGS84 bounds
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
