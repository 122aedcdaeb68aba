package vehicle

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-follow/pkg/geo"
	"github.com/teslashibe/go-follow/pkg/setpoint"
)

// SimConfig holds the simulated airframe limits.
type SimConfig struct {
	Home              geo.Location  `json:"home"`
	Speed             float64       `json:"speed"`              // Horizontal m/s
	ClimbRate         float64       `json:"climb_rate"`         // Vertical m/s
	MaxYawRate        float64       `json:"max_yaw_rate"`       // Degrees/second for heading targets
	Step              time.Duration `json:"step"`               // Integration step
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // Autopilot heartbeat period
}

// DefaultSimConfig returns the SITL defaults at the ArduPilot test field.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Home:              geo.Location{Lat: -35.363261, Lon: 149.165230},
		Speed:             5,
		ClimbRate:         2.5,
		MaxYawRate:        90,
		Step:              20 * time.Millisecond,
		HeartbeatInterval: time.Second,
	}
}

// Sim is a point-mass vehicle that flies straight at its position target.
// It follows the same command rules as ArduCopter in the places the flight
// core depends on: position targets only apply in GUIDED, takeoff requires
// arming, LAND descends and disarms on touchdown.
type Sim struct {
	listeners
	config SimConfig

	mu            sync.Mutex
	location      geo.Location
	yaw           float64 // radians
	armed         bool
	mode          Mode
	target        *geo.Location
	yawRate       float64  // rad/s
	yawTarget     *float64 // radians
	roi           *geo.Location
	linkUp        bool
	closed        bool
	lastHeartbeat time.Time
	sinceBeat     time.Duration
	now           func() time.Time
}

// NewSim creates a disarmed vehicle on the ground at the home position in
// STABILIZE.
func NewSim(cfg SimConfig) *Sim {
	s := &Sim{
		config:   cfg,
		location: cfg.Home,
		mode:     ModeStabilize,
		linkUp:   true,
		now:      time.Now,
	}
	s.location.Alt = 0
	s.lastHeartbeat = s.now()
	return s
}

// Run integrates the simulation on its own clock until ctx is done.
func (s *Sim) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step(s.config.Step)
		}
	}
}

// Step advances the simulation by dt.
func (s *Sim) Step(dt time.Duration) {
	s.mu.Lock()

	var fire []Attribute

	s.sinceBeat += dt
	if s.sinceBeat >= s.config.HeartbeatInterval {
		s.sinceBeat = 0
		if s.linkUp {
			s.lastHeartbeat = s.now()
		}
		fire = append(fire, AttrHeartbeat)
	}

	if s.armed {
		if s.mode == ModeLand {
			s.target = &geo.Location{Lat: s.location.Lat, Lon: s.location.Lon, Alt: 0}
		}
		s.fly(dt.Seconds())

		if s.mode == ModeLand && s.location.Alt <= 0 {
			s.armed = false
			s.target = nil
			fire = append(fire, AttrArmed)
		}
	}

	s.mu.Unlock()

	for _, attr := range fire {
		s.notify(attr)
	}
}

// fly moves toward the current targets. Called with mu held.
func (s *Sim) fly(dt float64) {
	if s.target != nil {
		north := geo.Radians(s.target.Lat-s.location.Lat) * geo.EarthRadius
		east := geo.Radians(s.target.Lon-s.location.Lon) * geo.EarthRadius * math.Cos(geo.Radians(s.location.Lat))
		dist := math.Hypot(north, east)

		if dist > 0 {
			step := math.Min(dist, s.config.Speed*dt)
			s.location = geo.OffsetLocation(s.location, north/dist*step, east/dist*step)
		}

		climb := s.target.Alt - s.location.Alt
		maxClimb := s.config.ClimbRate * dt
		s.location.Alt += math.Max(-maxClimb, math.Min(maxClimb, climb))
		if s.location.Alt < 0 {
			s.location.Alt = 0
		}
	}

	switch {
	case s.roi != nil:
		bearing := geo.CompassBearing(s.location.Lat, s.location.Lon, s.roi.Lat, s.roi.Lon)
		s.turnToward(geo.Radians(bearing), dt)
	case s.yawTarget != nil:
		s.turnToward(*s.yawTarget, dt)
	default:
		s.yaw = wrapPi(s.yaw + s.yawRate*dt)
	}
}

func (s *Sim) turnToward(heading, dt float64) {
	diff := geo.Radians(geo.HeadingDiff(geo.Degrees(s.yaw), geo.Degrees(heading)))
	maxTurn := geo.Radians(s.config.MaxYawRate) * dt
	s.yaw = wrapPi(s.yaw + math.Max(-maxTurn, math.Min(maxTurn, diff)))
}

// wrapPi wraps an angle into (-pi, pi], the autopilot's attitude range.
func wrapPi(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// SetLinkUp simulates losing or regaining the telemetry link. While down no
// heartbeats arrive.
func (s *Sim) SetLinkUp(up bool) {
	s.mu.Lock()
	s.linkUp = up
	if up {
		s.lastHeartbeat = s.now()
	}
	s.mu.Unlock()
	s.notify(AttrHeartbeat)
}

func (s *Sim) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Sim) SetArmed(armed bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.armed == armed {
		s.mu.Unlock()
		return nil
	}
	if !armed && s.location.Alt > 0.1 {
		s.mu.Unlock()
		return errors.New("sim: refusing to disarm in flight")
	}
	s.armed = armed
	s.mu.Unlock()

	s.notify(AttrArmed)
	return nil
}

func (s *Sim) Armable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.linkUp
}

func (s *Sim) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sim) SetMode(mode Mode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	changed := s.mode != mode
	s.mode = mode
	if mode != ModeGuided {
		// Other modes hold where they are in this model.
		s.target = &geo.Location{Lat: s.location.Lat, Lon: s.location.Lon, Alt: s.location.Alt}
		s.yawRate = 0
		s.yawTarget = nil
		s.roi = nil
	}
	s.mu.Unlock()

	if changed {
		s.notify(AttrMode)
	}
	return nil
}

func (s *Sim) HeartbeatAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastHeartbeat)
}

func (s *Sim) Takeoff(altitude float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if !s.armed {
		return errors.New("sim: takeoff requires arming")
	}
	if s.mode != ModeGuided {
		return errors.New("sim: takeoff requires GUIDED")
	}
	s.target = &geo.Location{Lat: s.location.Lat, Lon: s.location.Lon, Alt: altitude}
	return nil
}

func (s *Sim) Land() error {
	return s.SetMode(ModeLand)
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) Location() geo.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *Sim) Yaw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yaw
}

func (s *Sim) HasPosition() bool { return true }

func (s *Sim) OnChange(attr Attribute, fn func()) {
	s.add(attr, fn)
}

// guided reports whether position commands apply. Called with mu held.
func (s *Sim) guided() bool {
	return !s.closed && s.armed && s.mode == ModeGuided
}

func (s *Sim) SendBodyOffset(m setpoint.BodyOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if !s.guided() {
		return nil
	}

	east, north := geo.RotateToBodyFrame(m.North, m.East, -s.yaw)
	t := geo.OffsetLocation(s.location, north, east)
	t.Alt = s.location.Alt - m.Down
	s.target = &t
	s.applyYaw(m.TypeMask, s.yaw+m.Yaw, m.YawRate)
	return nil
}

func (s *Sim) SendGlobalPosition(m setpoint.GlobalPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if !s.guided() {
		return nil
	}

	s.target = &geo.Location{Lat: m.Lat, Lon: m.Lon, Alt: m.Alt}
	s.applyYaw(m.TypeMask, m.Yaw, m.YawRate)
	return nil
}

// applyYaw takes the heading or rate the type mask enables. Called with mu
// held.
func (s *Sim) applyYaw(mask uint16, heading, rate float64) {
	switch mask {
	case setpoint.MaskPositionYaw:
		h := wrapPi(heading)
		s.yawTarget = &h
		s.yawRate = 0
	case setpoint.MaskPositionYawRate:
		s.yawTarget = nil
		s.yawRate = rate
	}
}

func (s *Sim) SendConditionYaw(m setpoint.ConditionYaw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if !s.guided() {
		return nil
	}

	h := wrapPi(s.yaw + float64(m.Direction)*geo.Radians(m.Angle))
	s.yawTarget = &h
	s.yawRate = 0
	return nil
}

func (s *Sim) SendROI(m setpoint.RegionOfInterest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if m.Clear {
		s.roi = nil
		return nil
	}
	loc := m.Location
	s.roi = &loc
	return nil
}
