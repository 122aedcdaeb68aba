// Package geo provides the heading, distance and frame arithmetic used by the
// flight core. All functions are pure.
package geo

import "math"

// EarthRadius is the spherical Earth radius in meters used for haversine
// distance and metre offsets. SITL tooling compares against this exact value.
const EarthRadius = 6378100.0

// Location is a point in the global frame. Alt is relative to home in meters.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Degrees converts radians to degrees.
func Degrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}

// Radians converts degrees to radians.
func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

// NormalizeHeading wraps a heading in degrees into [0, 360).
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

// HeadingDiff returns the signed difference from h1 to h2 in degrees, always in
// (-180, 180]. Positive means h2 is clockwise (to the right) of h1.
func HeadingDiff(h1, h2 float64) float64 {
	left := NormalizeHeading(h1 - h2)
	right := NormalizeHeading(h2 - h1)

	if left < right {
		return -left
	}
	return right
}

// GeodesicDistance returns the haversine distance in meters between two
// coordinates given in degrees.
func GeodesicDistance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := Radians(lat1)
	phi2 := Radians(lat2)
	dLat := phi2 - phi1
	dLon := Radians(lon2) - Radians(lon1)

	a := math.Pow(math.Sin(0.5*dLat), 2) + math.Pow(math.Sin(0.5*dLon), 2)*math.Cos(phi1)*math.Cos(phi2)
	c := 2.0 * math.Atan2(math.Sqrt(a), math.Sqrt(1.0-a))
	return EarthRadius * c
}

// BearingBetween returns the bearing from the first coordinate to the second in
// [0, 360).
//
// The result is NOT a compass bearing. The forward azimuth is mirrored: a raw
// azimuth r > 0 is reported as 360-r and r < 0 as -r. The simulated camera and
// the SITL tests depend on this convention together with the vehicle yaw
// reported by the flight controller, so it is kept as is.
func BearingBetween(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := Radians(lat1)
	phi2 := Radians(lat2)
	dLon := Radians(lon2 - lon1)

	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)

	bearing := Degrees(math.Atan2(y, x))

	switch {
	case bearing < 0:
		bearing = -bearing
	case bearing > 0:
		bearing = 360 - bearing
	}

	return bearing
}

// CompassBearing returns the clockwise-from-north bearing from the first
// coordinate to the second in [0, 360), undoing BearingBetween's mirroring.
func CompassBearing(lat1, lon1, lat2, lon2 float64) float64 {
	return NormalizeHeading(360 - BearingBetween(lat1, lon1, lat2, lon2))
}

// RotateToBodyFrame rotates a local (north, east) offset by yaw radians and
// returns the rotated (east, north) pair. The rotation is counter-clockwise for
// positive yaw. Autopilot yaw grows clockwise from north, so a body-frame
// offset becomes a NED offset with RotateToBodyFrame(forward, right, -yaw).
func RotateToBodyFrame(localNorth, localEast, yaw float64) (east, north float64) {
	sin, cos := math.Sincos(yaw)
	east = localEast*cos - localNorth*sin
	north = localEast*sin + localNorth*cos
	return east, north
}

// OffsetLocation returns the location dNorth/dEast meters away from loc. The
// altitude is carried over unchanged. Accurate over a few kilometers except
// close to the poles.
func OffsetLocation(loc Location, dNorth, dEast float64) Location {
	dLat := dNorth / EarthRadius
	dLon := dEast / (EarthRadius * math.Cos(Radians(loc.Lat)))

	return Location{
		Lat: loc.Lat + Degrees(dLat),
		Lon: loc.Lon + Degrees(dLon),
		Alt: loc.Alt,
	}
}
