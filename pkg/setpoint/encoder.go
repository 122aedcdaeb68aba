package setpoint

import (
	"fmt"
	"math"
	"time"

	"github.com/teslashibe/go-follow/pkg/geo"
)

// Config holds encoder configuration.
type Config struct {
	CruiseAltitude float64 `json:"cruise_altitude"` // Meters above home to hold
	LookAtTarget   bool    `json:"look_at_target"`  // Point the nose at the target with ROI instead of explicit yaw
	YawSpeed       float64 `json:"yaw_speed"`       // CONDITION_YAW speed for angle commands, degrees/second (0 = autopilot default)
}

// DefaultConfig returns the encoder defaults.
func DefaultConfig() Config {
	return Config{
		CruiseAltitude: 2.0,
		LookAtTarget:   false,
		YawSpeed:       0,
	}
}

// Encoder converts Targets into control messages.
//
// A zero offset is a hold: the first hold captures the current global position
// and every following hold re-sends that same position until a non-zero offset
// or Reset. Body offsets of zero are never sent since repeating them lets the
// vehicle drift.
//
// Encoder is not safe for concurrent use. The flight core calls it only from
// its control loop.
type Encoder struct {
	config    Config
	sink      Sink
	telemetry Telemetry
	now       func() time.Time

	loiter        *geo.Location
	roiActive     bool
	lastYawUpdate time.Time
}

// NewEncoder creates an encoder that sends to sink and reads position and
// heading from telemetry.
func NewEncoder(cfg Config, sink Sink, telemetry Telemetry) *Encoder {
	return &Encoder{
		config:    cfg,
		sink:      sink,
		telemetry: telemetry,
		now:       time.Now,
	}
}

// Apply encodes and sends one target.
func (e *Encoder) Apply(t Target) error {
	if !e.telemetry.HasPosition() {
		return ErrNoTelemetry
	}

	if t.Offset.IsZero() {
		return e.hold(t.Yaw)
	}
	e.loiter = nil

	lookAt := e.config.LookAtTarget && t.Offset.North != 0 && t.Offset.East != 0
	if lookAt {
		if err := e.SetROI(e.targetLocation(t.Offset)); err != nil {
			return err
		}
	} else if e.roiActive {
		if err := e.ClearROI(); err != nil {
			return err
		}
	}

	// BODY_OFFSET_NED z points down, so the altitude error is current minus
	// cruise rather than cruise minus current: below cruise is negative and
	// climbs.
	msg := BodyOffset{
		North: t.Offset.North,
		East:  t.Offset.East,
		Down:  e.telemetry.Location().Alt - e.config.CruiseAltitude,
	}

	switch {
	case lookAt:
		msg.TypeMask = MaskPosition
	case t.Yaw.Kind == YawRate:
		msg.YawRate = geo.Radians(t.Yaw.Value)
		msg.TypeMask = MaskPositionYawRate
	default:
		msg.Yaw = geo.Radians(t.Yaw.Value)
		msg.TypeMask = MaskPositionYaw
	}

	e.lastYawUpdate = e.now()

	if err := e.sink.SendBodyOffset(msg); err != nil {
		return fmt.Errorf("send body offset: %w", err)
	}
	return nil
}

// hold sends the captured loiter position, capturing it first if needed.
func (e *Encoder) hold(yaw YawCommand) error {
	if e.roiActive {
		if err := e.ClearROI(); err != nil {
			return err
		}
	}

	if e.loiter == nil {
		loc := e.telemetry.Location()
		e.loiter = &loc
	}

	msg := GlobalPosition{
		Lat: e.loiter.Lat,
		Lon: e.loiter.Lon,
		Alt: e.loiter.Alt,
	}

	if yaw.Kind == YawRate {
		msg.YawRate = geo.Radians(yaw.Value)
		msg.TypeMask = MaskPositionYawRate
	} else {
		// Global targets take an absolute heading.
		msg.Yaw = e.telemetry.Yaw() + geo.Radians(yaw.Value)
		msg.TypeMask = MaskPositionYaw
	}

	e.lastYawUpdate = e.now()

	if err := e.sink.SendGlobalPosition(msg); err != nil {
		return fmt.Errorf("send global position: %w", err)
	}
	return nil
}

// Yaw sends a standalone CONDITION_YAW.
//
// An angle command turns by that many degrees relative to the current heading.
// A rate command is converted into the heading change accumulated since the
// previous yaw update. The first rate command after construction or Reset has
// no previous update and is skipped.
func (e *Encoder) Yaw(cmd YawCommand) error {
	var msg ConditionYaw

	switch cmd.Kind {
	case YawRate:
		now := e.now()
		last := e.lastYawUpdate
		e.lastYawUpdate = now
		if last.IsZero() {
			return nil
		}

		change := cmd.Value * now.Sub(last).Seconds()
		msg = ConditionYaw{
			Angle:     math.Abs(change),
			Speed:     math.Abs(cmd.Value),
			Direction: direction(change),
			Relative:  true,
		}

	default:
		e.lastYawUpdate = e.now()
		msg = ConditionYaw{
			Angle:     math.Abs(cmd.Value),
			Speed:     e.config.YawSpeed,
			Direction: direction(cmd.Value),
			Relative:  true,
		}
	}

	if err := e.sink.SendConditionYaw(msg); err != nil {
		return fmt.Errorf("send condition yaw: %w", err)
	}
	return nil
}

// SetROI points the vehicle at loc.
func (e *Encoder) SetROI(loc geo.Location) error {
	if err := e.sink.SendROI(RegionOfInterest{Location: loc}); err != nil {
		return fmt.Errorf("send roi: %w", err)
	}
	e.roiActive = true
	return nil
}

// ClearROI removes any active ROI so yaw can be commanded again.
func (e *Encoder) ClearROI() error {
	if err := e.sink.SendROI(RegionOfInterest{Clear: true}); err != nil {
		return fmt.Errorf("clear roi: %w", err)
	}
	e.roiActive = false
	return nil
}

// Loiter returns the captured hold position, if a hold is in progress.
func (e *Encoder) Loiter() (geo.Location, bool) {
	if e.loiter == nil {
		return geo.Location{}, false
	}
	return *e.loiter, true
}

// Reset drops the captured hold position and yaw timing. The next hold
// captures a fresh position. ROI state is kept so a stale ROI still gets
// cleared.
func (e *Encoder) Reset() {
	e.loiter = nil
	e.lastYawUpdate = time.Time{}
}

// targetLocation is the global position of a body-frame offset from the
// vehicle.
func (e *Encoder) targetLocation(o LocalOffset) geo.Location {
	east, north := geo.RotateToBodyFrame(o.North, o.East, -e.telemetry.Yaw())
	return geo.OffsetLocation(e.telemetry.Location(), north, east)
}

func direction(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
