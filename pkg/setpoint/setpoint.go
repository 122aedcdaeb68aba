// Package setpoint turns rule output into the control messages a flight
// controller understands.
//
// Rules think in body-frame meters and degrees. The messages produced here are
// in wire units: meters NED, radians and radians/second for the position
// targets, degrees for CONDITION_YAW. The degree to radian conversion for yaw
// rate happens in this package and nowhere else.
package setpoint

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-follow/pkg/geo"
)

// ErrNoTelemetry is returned when a command needs the vehicle position before
// the link has reported one.
var ErrNoTelemetry = errors.New("setpoint: vehicle position not yet known")

// LocalOffset is a desired displacement in the vehicle body frame.
// North is forward, East is right, both in meters.
type LocalOffset struct {
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// IsZero reports whether the offset is exactly (0, 0), which means hold.
func (o LocalOffset) IsZero() bool {
	return o.North == 0 && o.East == 0
}

// YawKind selects how a YawCommand value is interpreted.
type YawKind int

const (
	// YawAngle is a heading change in degrees relative to the current heading.
	YawAngle YawKind = iota
	// YawRate is a turn rate in degrees/second.
	YawRate
)

func (k YawKind) String() string {
	switch k {
	case YawAngle:
		return "angle"
	case YawRate:
		return "rate"
	default:
		return fmt.Sprintf("YawKind(%d)", int(k))
	}
}

// YawCommand is either a relative yaw angle or a yaw rate. The zero value is
// "keep the current heading".
type YawCommand struct {
	Kind  YawKind `json:"kind"`
	Value float64 `json:"value"` // degrees or degrees/second depending on Kind
}

// RelativeYaw returns a heading change of degrees. Positive turns right.
func RelativeYaw(degrees float64) YawCommand {
	return YawCommand{Kind: YawAngle, Value: degrees}
}

// YawRateOf returns a turn rate in degrees/second. Positive turns right.
func YawRateOf(degreesPerSecond float64) YawCommand {
	return YawCommand{Kind: YawRate, Value: degreesPerSecond}
}

// Target is what a rule wants the vehicle to do this tick.
type Target struct {
	Offset LocalOffset `json:"offset"`
	Yaw    YawCommand  `json:"yaw"`
}

// Position target type masks. Bits set are ignored by the autopilot.
const (
	ignoreVX      = 1 << 3
	ignoreVY      = 1 << 4
	ignoreVZ      = 1 << 5
	ignoreAX      = 1 << 6
	ignoreAY      = 1 << 7
	ignoreAZ      = 1 << 8
	ignoreYaw     = 1 << 10
	ignoreYawRate = 1 << 11

	ignoreVelAccel = ignoreVX | ignoreVY | ignoreVZ | ignoreAX | ignoreAY | ignoreAZ

	// MaskPositionYaw uses position and yaw angle (0b0000100111111000).
	MaskPositionYaw uint16 = ignoreVelAccel | ignoreYawRate
	// MaskPositionYawRate uses position and yaw rate (0b0000010111111000).
	MaskPositionYawRate uint16 = ignoreVelAccel | ignoreYaw
	// MaskPosition uses position only. Heading is left to an active ROI.
	MaskPosition uint16 = ignoreVelAccel | ignoreYaw | ignoreYawRate
)

// BodyOffset is a position target relative to the current position and
// heading (MAV_FRAME_BODY_OFFSET_NED). Down is negative to climb. Yaw is a
// relative angle in radians and YawRate is radians/second. Which of the two
// applies is given by TypeMask.
type BodyOffset struct {
	North    float64 `json:"north"`
	East     float64 `json:"east"`
	Down     float64 `json:"down"`
	Yaw      float64 `json:"yaw"`
	YawRate  float64 `json:"yaw_rate"`
	TypeMask uint16  `json:"type_mask"`
}

// GlobalPosition is a position target in the global frame with altitude
// relative to home (MAV_FRAME_GLOBAL_RELATIVE_ALT_INT). Yaw is an absolute
// heading in radians and YawRate is radians/second.
type GlobalPosition struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Alt      float64 `json:"alt"`
	Yaw      float64 `json:"yaw"`
	YawRate  float64 `json:"yaw_rate"`
	TypeMask uint16  `json:"type_mask"`
}

// ConditionYaw is a standalone MAV_CMD_CONDITION_YAW. Angle is a non-negative
// number of degrees, Direction is 1 clockwise or -1 counter-clockwise, Speed
// is degrees/second (0 for the autopilot default).
type ConditionYaw struct {
	Angle     float64 `json:"angle"`
	Speed     float64 `json:"speed"`
	Direction int     `json:"direction"`
	Relative  bool    `json:"relative"`
}

// RegionOfInterest is MAV_CMD_DO_SET_ROI. Clear removes any active ROI and
// ignores the location.
type RegionOfInterest struct {
	Location geo.Location `json:"location"`
	Clear    bool         `json:"clear"`
}

// Sink accepts encoded control messages. The vehicle link implements it.
type Sink interface {
	SendBodyOffset(BodyOffset) error
	SendGlobalPosition(GlobalPosition) error
	SendConditionYaw(ConditionYaw) error
	SendROI(RegionOfInterest) error
}

// Telemetry is the vehicle state the encoder reads. Yaw is in radians and the
// location altitude is relative to home.
type Telemetry interface {
	Location() geo.Location
	Yaw() float64
	HasPosition() bool
}
