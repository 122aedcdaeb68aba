// Package vehicle is the boundary to the flight controller: telemetry in,
// control messages out.
//
// Three implementations are provided. MAVLink talks to a real autopilot over
// serial, UDP or TCP. Sim is a kinematic stand-in used for software-in-the-loop
// runs. Mock is a scripted stub for tests.
package vehicle

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-follow/pkg/setpoint"
)

var (
	// ErrNotConnected is returned by commands issued after Close or before a
	// link is up.
	ErrNotConnected = errors.New("vehicle: not connected")
	// ErrNoHeartbeat is returned when the autopilot never sends a heartbeat
	// within the connect timeout.
	ErrNoHeartbeat = errors.New("vehicle: no heartbeat from autopilot")
)

// Vehicle is everything the flight core needs from the autopilot.
type Vehicle interface {
	setpoint.Sink
	setpoint.Telemetry

	Armed() bool
	SetArmed(armed bool) error
	// Armable reports whether the autopilot would accept an arm command.
	Armable() bool

	Mode() Mode
	SetMode(Mode) error

	// HeartbeatAge is the time since the last autopilot heartbeat.
	HeartbeatAge() time.Duration

	// Takeoff climbs to altitude meters above home. The vehicle must be armed.
	Takeoff(altitude float64) error
	// Land switches to the autopilot's landing mode.
	Land() error
	Close() error

	// OnChange registers fn to be called when attr changes. Listeners run on
	// the link's goroutine and must not block.
	OnChange(attr Attribute, fn func())
}

// Attribute names a telemetry value listeners can subscribe to.
type Attribute string

const (
	AttrArmed     Attribute = "armed"
	AttrMode      Attribute = "mode"
	AttrHeartbeat Attribute = "last_heartbeat"
)

// Mode is an ArduCopter custom flight mode number.
type Mode uint32

const (
	ModeStabilize   Mode = 0
	ModeAcro        Mode = 1
	ModeAltHold     Mode = 2
	ModeAuto        Mode = 3
	ModeGuided      Mode = 4
	ModeLoiter      Mode = 5
	ModeRTL         Mode = 6
	ModeCircle      Mode = 7
	ModeLand        Mode = 9
	ModeDrift       Mode = 11
	ModeSport       Mode = 13
	ModeFlip        Mode = 14
	ModeAutoTune    Mode = 15
	ModePosHold     Mode = 16
	ModeBrake       Mode = 17
	ModeThrow       Mode = 18
	ModeAvoidADSB   Mode = 19
	ModeGuidedNoGPS Mode = 20
	ModeSmartRTL    Mode = 21
)

var modeNames = map[Mode]string{
	ModeStabilize:   "STABILIZE",
	ModeAcro:        "ACRO",
	ModeAltHold:     "ALT_HOLD",
	ModeAuto:        "AUTO",
	ModeGuided:      "GUIDED",
	ModeLoiter:      "LOITER",
	ModeRTL:         "RTL",
	ModeCircle:      "CIRCLE",
	ModeLand:        "LAND",
	ModeDrift:       "DRIFT",
	ModeSport:       "SPORT",
	ModeFlip:        "FLIP",
	ModeAutoTune:    "AUTOTUNE",
	ModePosHold:     "POSHOLD",
	ModeBrake:       "BRAKE",
	ModeThrow:       "THROW",
	ModeAvoidADSB:   "AVOID_ADSB",
	ModeGuidedNoGPS: "GUIDED_NOGPS",
	ModeSmartRTL:    "SMART_RTL",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MODE(%d)", uint32(m))
}

// ParseMode looks up a mode by name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == want {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown flight mode %q", s)
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// listeners is a registry of attribute callbacks.
type listeners struct {
	mu  sync.Mutex
	fns map[Attribute][]func()
}

func (l *listeners) add(attr Attribute, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[Attribute][]func())
	}
	l.fns[attr] = append(l.fns[attr], fn)
}

// notify calls every listener for attr. Callers must not hold their own
// state lock, since listeners read vehicle state.
func (l *listeners) notify(attr Attribute) {
	l.mu.Lock()
	fns := append([]func(){}, l.fns[attr]...)
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
