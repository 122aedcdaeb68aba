package geo

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
)

const tol = 1e-9

func TestHeadingDiff(t *testing.T) {
	tests := []struct {
		h1, h2 float64
		want   float64
	}{
		{0, 0, 0},
		{10, 20, 10},
		{20, 10, -10},
		{350, 10, 20},
		{10, 350, -20},
		{0, 180, 180},
		{180, 0, 180},
		{90, 271, -179},
		{-30, 30, 60},
		{720, 45, 45},
	}

	for _, tc := range tests {
		got := HeadingDiff(tc.h1, tc.h2)
		if !scalar.EqualWithinAbs(got, tc.want, tol) {
			t.Errorf("HeadingDiff(%v, %v) = %v, want %v", tc.h1, tc.h2, got, tc.want)
		}
	}
}

func TestHeadingDiff_Properties(t *testing.T) {
	for a := -360.0; a <= 720; a += 7.5 {
		if got := HeadingDiff(a, a); got != 0 {
			t.Errorf("HeadingDiff(%v, %v) = %v, want 0", a, a, got)
		}

		for b := 0.0; b < 360; b += 11.25 {
			d := HeadingDiff(a, b)
			if d <= -180 || d > 180 {
				t.Errorf("HeadingDiff(%v, %v) = %v out of (-180, 180]", a, b, d)
			}

			if scalar.EqualWithinAbs(math.Abs(d), 180, tol) {
				continue
			}
			if r := HeadingDiff(b, a); !scalar.EqualWithinAbs(d, -r, tol) {
				t.Errorf("HeadingDiff(%v, %v) = %v, reverse = %v; not antisymmetric", a, b, d, r)
			}
		}
	}
}

func TestGeodesicDistance(t *testing.T) {
	if d := GeodesicDistance(-35.363261, 149.165230, -35.363261, 149.165230); d != 0 {
		t.Errorf("same point distance = %v, want 0", d)
	}

	// One degree of latitude on the configured sphere.
	want := EarthRadius * math.Pi / 180
	if d := GeodesicDistance(0, 0, 1, 0); !scalar.EqualWithinRel(d, want, 1e-12) {
		t.Errorf("one degree distance = %v, want %v", d, want)
	}

	a := GeodesicDistance(-35.363261, 149.165230, -35.3632, 149.1653)
	b := GeodesicDistance(-35.3632, 149.1653, -35.363261, 149.165230)
	if !scalar.EqualWithinAbs(a, b, tol) {
		t.Errorf("distance not symmetric: %v vs %v", a, b)
	}
	if a < 5 || a > 15 {
		t.Errorf("distance = %v, expected roughly 9-10m", a)
	}
}

// BearingBetween mirrors the forward azimuth, so due east reads 270 and due
// west reads 90. These cases pin the convention.
func TestBearingBetween_MirroredConvention(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"north", 0, 0, 1, 0, 0},
		{"east", 0, 0, 0, 1, 270},
		{"west", 0, 0, 0, -1, 90},
		{"south", 0, 0, -1, 0, 180},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := BearingBetween(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if !scalar.EqualWithinAbs(got, tc.want, 1e-6) {
				t.Errorf("BearingBetween = %v, want %v", got, tc.want)
			}
			if got < 0 || got >= 360 {
				t.Errorf("BearingBetween = %v out of [0, 360)", got)
			}
		})
	}
}

func TestCompassBearing(t *testing.T) {
	if got := CompassBearing(0, 0, 0, 1); !scalar.EqualWithinAbs(got, 90, 1e-6) {
		t.Errorf("east CompassBearing = %v, want 90", got)
	}
	if got := CompassBearing(0, 0, 1, 0); !scalar.EqualWithinAbs(got, 0, 1e-6) {
		t.Errorf("north CompassBearing = %v, want 0", got)
	}
	if got := CompassBearing(0, 0, -1, -1); got <= 180 || got >= 270 {
		t.Errorf("south-west CompassBearing = %v, want in (180, 270)", got)
	}
}

func TestRotateToBodyFrame(t *testing.T) {
	tests := []struct {
		name             string
		north, east, yaw float64
		wantE, wantN     float64
	}{
		{"no yaw", 3, 1, 0, 1, 3},
		{"quarter turn", 1, 0, math.Pi / 2, -1, 0},
		{"half turn", 2, 1, math.Pi, -1, -2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, n := RotateToBodyFrame(tc.north, tc.east, tc.yaw)
			if !scalar.EqualWithinAbs(e, tc.wantE, tol) || !scalar.EqualWithinAbs(n, tc.wantN, tol) {
				t.Errorf("RotateToBodyFrame = (%v, %v), want (%v, %v)", e, n, tc.wantE, tc.wantN)
			}
		})
	}
}

func TestOffsetLocation_RoundTripsDistance(t *testing.T) {
	home := Location{Lat: -35.363261, Lon: 149.165230, Alt: 2}

	moved := OffsetLocation(home, 30, 40)
	if moved.Alt != home.Alt {
		t.Errorf("Alt = %v, want %v", moved.Alt, home.Alt)
	}

	d := GeodesicDistance(home.Lat, home.Lon, moved.Lat, moved.Lon)
	if !scalar.EqualWithinAbs(d, 50, 0.01) {
		t.Errorf("distance after offset = %v, want 50", d)
	}
}

func TestNormalizeHeading(t *testing.T) {
	for in, want := range map[float64]float64{0: 0, 360: 0, -90: 270, 450: 90, 359.5: 359.5} {
		if got := NormalizeHeading(in); !scalar.EqualWithinAbs(got, want, tol) {
			t.Errorf("NormalizeHeading(%v) = %v, want %v", in, got, want)
		}
	}
}
