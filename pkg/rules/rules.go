// Package rules implements the behaviors that decide where the vehicle goes
// each control tick.
//
// Every rule sees the same closest detection once per tick through Update.
// The Chain updates all rules in priority order and then applies the first
// one that is active.
package rules

import (
	"fmt"
	"math"

	"github.com/teslashibe/go-follow/pkg/detection"
	"github.com/teslashibe/go-follow/pkg/setpoint"
)

// Rule is one behavior in the chain.
type Rule interface {
	Name() string
	// Update recomputes the target from this tick's closest detection, which
	// is nil when nobody is in view.
	Update(closest *detection.Detection)
	IsActive() bool
	State() setpoint.Target
	// Reset zeroes the target and forgets any remembered state.
	Reset()
}

// FollowYaw selects how Follow turns toward the person.
type FollowYaw string

const (
	// FollowYawQuadratic turns at a rate that grows with the square of the
	// lateral error, capped at the configured yaw rate.
	FollowYawQuadratic FollowYaw = "quadratic"
	// FollowYawNone translates only and never turns.
	FollowYawNone FollowYaw = "none"
)

// Config holds rule tuning.
type Config struct {
	MinimumDistance float64   `json:"minimum_distance"` // Standoff from the person (m)
	BackoffDistance float64   `json:"backoff_distance"` // Closer than this triggers Backoff (m)
	YawRate         float64   `json:"yaw_rate"`         // Degrees/second
	FollowYaw       FollowYaw `json:"follow_yaw"`
}

// DefaultConfig returns the flight-tested values.
func DefaultConfig() Config {
	return Config{
		MinimumDistance: 2.5,
		BackoffDistance: 2.0,
		YawRate:         5.0,
		FollowYaw:       FollowYawQuadratic,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.MinimumDistance <= 0 {
		return fmt.Errorf("minimum distance must be positive, got %v", c.MinimumDistance)
	}
	if c.BackoffDistance <= 0 || c.BackoffDistance >= c.MinimumDistance {
		return fmt.Errorf("backoff distance %v must be positive and below minimum distance %v",
			c.BackoffDistance, c.MinimumDistance)
	}
	if c.YawRate < 0 {
		return fmt.Errorf("yaw rate must not be negative, got %v", c.YawRate)
	}
	switch c.FollowYaw {
	case FollowYawQuadratic, FollowYawNone:
	default:
		return fmt.Errorf("unknown follow yaw policy %q", c.FollowYaw)
	}
	return nil
}

// base holds the target every rule reports.
type base struct {
	target setpoint.Target
}

func (b *base) State() setpoint.Target { return b.target }
func (b *base) Reset()                 { b.target = setpoint.Target{} }

// NoDetection holds position without turning. It is always active and must be
// the last rule in a chain.
type NoDetection struct {
	base
}

func NewNoDetection() *NoDetection { return &NoDetection{} }

func (r *NoDetection) Name() string                { return "none" }
func (r *NoDetection) Update(*detection.Detection) {}
func (r *NoDetection) IsActive() bool              { return true }

// Direction is the side a person was last seen on.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionLeft
	DirectionRight
)

func (d Direction) String() string {
	switch d {
	case DirectionLeft:
		return "left"
	case DirectionRight:
		return "right"
	default:
		return "none"
	}
}

// Search turns toward the side a person was last seen on. It becomes active
// after the first sighting and stays active until Reset.
type Search struct {
	base
	yawRate   float64
	hasSeen   bool
	direction Direction
}

func NewSearch(cfg Config) *Search {
	return &Search{yawRate: cfg.YawRate}
}

func (r *Search) Name() string { return "search" }

func (r *Search) Update(closest *detection.Detection) {
	if closest != nil {
		switch {
		case closest.X < 0:
			r.direction = DirectionLeft
		case closest.X > 0:
			r.direction = DirectionRight
		default:
			r.direction = DirectionNone
		}
		r.hasSeen = true
		r.target = setpoint.Target{Yaw: setpoint.YawRateOf(0)}
		return
	}

	switch r.direction {
	case DirectionLeft:
		r.target = setpoint.Target{Yaw: setpoint.YawRateOf(-r.yawRate)}
	case DirectionRight:
		r.target = setpoint.Target{Yaw: setpoint.YawRateOf(r.yawRate)}
	default:
		r.target = setpoint.Target{Yaw: setpoint.YawRateOf(0)}
	}
}

func (r *Search) IsActive() bool { return r.hasSeen }

// Direction returns the remembered side.
func (r *Search) Direction() Direction { return r.direction }

func (r *Search) Reset() {
	r.base.Reset()
	r.hasSeen = false
	r.direction = DirectionNone
}

// Follow keeps the person at the standoff distance ahead.
type Follow struct {
	base
	minimumDistance float64
	yawRate         float64
	policy          FollowYaw
	seen            bool
}

func NewFollow(cfg Config) *Follow {
	return &Follow{
		minimumDistance: cfg.MinimumDistance,
		yawRate:         cfg.YawRate,
		policy:          cfg.FollowYaw,
	}
}

func (r *Follow) Name() string { return "follow" }

func (r *Follow) Update(closest *detection.Detection) {
	r.seen = closest != nil
	if closest == nil {
		return
	}

	r.target = setpoint.Target{
		Offset: setpoint.LocalOffset{North: closest.Z - r.minimumDistance, East: closest.X},
		Yaw:    setpoint.YawRateOf(r.turnRate(closest.X)),
	}
}

// turnRate returns the yaw rate for a lateral error x in meters.
func (r *Follow) turnRate(x float64) float64 {
	if r.policy == FollowYawNone || x == 0 {
		return 0
	}
	rate := math.Min(r.yawRate, x*x/4*r.yawRate)
	if x < 0 {
		return -rate
	}
	return rate
}

func (r *Follow) IsActive() bool { return r.seen }

func (r *Follow) Reset() {
	r.base.Reset()
	r.seen = false
}

// Backoff retreats when the person is closer than the backoff distance. Its
// offset uses the same standoff as Follow so the forward component is negative.
type Backoff struct {
	base
	minimumDistance float64
	backoffDistance float64
	tooClose        bool
}

func NewBackoff(cfg Config) *Backoff {
	return &Backoff{
		minimumDistance: cfg.MinimumDistance,
		backoffDistance: cfg.BackoffDistance,
	}
}

func (r *Backoff) Name() string { return "backoff" }

func (r *Backoff) Update(closest *detection.Detection) {
	r.tooClose = closest != nil && closest.Z < r.backoffDistance
	if closest == nil {
		return
	}

	r.target = setpoint.Target{
		Offset: setpoint.LocalOffset{North: closest.Z - r.minimumDistance, East: closest.X},
		Yaw:    setpoint.YawRateOf(0),
	}
}

func (r *Backoff) IsActive() bool { return r.tooClose }

func (r *Backoff) Reset() {
	r.base.Reset()
	r.tooClose = false
}

// Gesture is a placeholder for gesture-driven commands. It is never active.
type Gesture struct {
	base
}

func NewGesture() *Gesture { return &Gesture{} }

func (r *Gesture) Name() string                { return "gesture" }
func (r *Gesture) Update(*detection.Detection) {}
func (r *Gesture) IsActive() bool              { return false }
