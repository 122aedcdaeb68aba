package detection

import (
	"math"
	"sync"

	"github.com/teslashibe/go-follow/pkg/debug"
	"github.com/teslashibe/go-follow/pkg/geo"
)

// Pose reports where the vehicle is and where it points. Yaw is in radians.
type Pose interface {
	Location() geo.Location
	Yaw() float64
}

// SimConfig holds the simulated camera parameters.
type SimConfig struct {
	FOV  float64 `json:"fov"`   // Horizontal field of view in degrees
	ZMax float64 `json:"z_max"` // Beyond this range a person is not detected (meters)
	FPS  float64 `json:"fps"`   // Playback and reported frame rate
}

// DefaultSimConfig matches the stereo camera the vehicle flies with.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		FOV:  69,
		ZMax: 12,
		FPS:  15,
	}
}

// SimSource is a camera stand-in for simulation. A person is placed at a global
// coordinate and the source projects that position into the vehicle frame.
type SimSource struct {
	config SimConfig
	pose   Pose
	latest Latest

	mu       sync.Mutex
	running  bool
	person   *geo.Location
	playback *playback
}

// NewSimSource creates a simulated camera observing from the vehicle pose.
func NewSimSource(cfg SimConfig, pose Pose) *SimSource {
	return &SimSource{
		config: cfg,
		pose:   pose,
	}
}

// Start marks the source as running.
func (s *SimSource) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop halts any GPX playback and clears detections.
func (s *SimSource) Stop() error {
	s.mu.Lock()
	pb := s.playback
	s.playback = nil
	s.running = false
	s.mu.Unlock()

	if pb != nil {
		pb.stop()
	}
	s.latest.Publish(nil)
	return nil
}

// Running reports whether Start has been called.
func (s *SimSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Detections returns the latest projected detections.
func (s *SimSource) Detections() []Detection {
	return s.latest.Detections()
}

// Metadata describes the simulated camera.
func (s *SimSource) Metadata() Metadata {
	return Metadata{FPS: s.config.FPS}
}

// Person returns the last placed person coordinate, if any.
func (s *SimSource) Person() (geo.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.person == nil {
		return geo.Location{}, false
	}
	return *s.person, true
}

// SetGlobalCoordinate places the person and republishes the detection set as
// seen from the current vehicle pose.
func (s *SimSource) SetGlobalCoordinate(lat, lon float64) {
	s.mu.Lock()
	s.person = &geo.Location{Lat: lat, Lon: lon}
	s.mu.Unlock()

	dets := s.project(lat, lon)
	s.latest.Publish(dets)
	debug.TrackLog("sim person at %.7f,%.7f: %d detections\n", lat, lon, len(dets))
}

// Refresh reprojects the last placed person against the current vehicle pose.
// The vehicle moves between placements, so the simulation calls this on its
// own clock.
func (s *SimSource) Refresh() {
	if p, ok := s.Person(); ok {
		s.latest.Publish(s.project(p.Lat, p.Lon))
	}
}

// project converts a global coordinate into a vehicle-relative detection. It
// returns nil when the person is outside the field of view or too far away.
func (s *SimSource) project(lat, lon float64) []Detection {
	vehicle := s.pose.Location()
	heading := vehicleHeading(s.pose.Yaw())

	bearing := geo.CompassBearing(vehicle.Lat, vehicle.Lon, lat, lon)
	diff := geo.HeadingDiff(heading, bearing)
	angle := math.Abs(diff)

	if angle >= s.config.FOV/2 {
		return nil
	}

	distance := geo.GeodesicDistance(lat, lon, vehicle.Lat, vehicle.Lon)
	if distance >= s.config.ZMax {
		return nil
	}

	sin, cos := math.Sincos(geo.Radians(angle))
	x := sin * distance
	z := cos * distance
	if diff < 0 {
		x = -x
	}

	return []Detection{{X: x, Y: 0, Z: z, Confidence: 1.0, FPS: s.config.FPS}}
}

// vehicleHeading converts flight controller yaw (radians, -pi..pi) into
// degrees in [0, 360).
func vehicleHeading(yaw float64) float64 {
	return geo.NormalizeHeading(geo.Degrees(yaw))
}
