package geo

import "math"

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance in meters between two
// lat/lng pairs given in degrees. Callers must supply valid degree ranges.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLng := radians(lng2 - lng1)

	rLat1 := radians(lat1)
	rLat2 := radians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(rLat1)*math.Cos(rLat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// BearingDegrees returns the initial bearing from the first point to the
// second, normalized to [0, 360).
func BearingDegrees(lat1, lng1, lat2, lng2 float64) float64 {
	rLat1 := radians(lat1)
	rLat2 := radians(lat2)
	dLng := radians(lng2 - lng1)

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)

	bearing := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
