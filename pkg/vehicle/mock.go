package vehicle

import (
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-follow/pkg/geo"
	"github.com/teslashibe/go-follow/pkg/setpoint"
)

// Mock is a scripted vehicle for tests. Every command is recorded. Script
// setters (SetTelemetryArmed, SetTelemetryMode, SetHeartbeatAge) change state
// and fire listeners synchronously on the caller's goroutine.
//
// Takeoff climbs instantly to the requested altitude and Land descends
// instantly to the ground. Arming does not auto-disarm on landing.
type Mock struct {
	listeners

	mu           sync.Mutex
	armed        bool
	armable      bool
	mode         Mode
	location     geo.Location
	hasPosition  bool
	yaw          float64
	heartbeatAge time.Duration
	closed       bool
	failSends    error

	calls    []string
	messages []any
}

// NewMock returns a disarmed, armable vehicle in mode with a known position
// on the ground.
func NewMock(mode Mode) *Mock {
	return &Mock{
		armable:     true,
		mode:        mode,
		location:    geo.Location{Lat: -35.363261, Lon: 149.165230},
		hasPosition: true,
	}
}

func (m *Mock) record(call string) {
	m.calls = append(m.calls, call)
}

// Calls returns the recorded command names in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Messages returns every control message sent, in order.
func (m *Mock) Messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.messages...)
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetTelemetryArmed scripts an armed state change reported by the autopilot.
func (m *Mock) SetTelemetryArmed(armed bool) {
	m.mu.Lock()
	m.armed = armed
	m.mu.Unlock()
	m.notify(AttrArmed)
}

// SetTelemetryMode scripts a mode change, e.g. a pilot override.
func (m *Mock) SetTelemetryMode(mode Mode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	m.notify(AttrMode)
}

// SetHeartbeatAge scripts the heartbeat age and fires heartbeat listeners.
func (m *Mock) SetHeartbeatAge(age time.Duration) {
	m.mu.Lock()
	m.heartbeatAge = age
	m.mu.Unlock()
	m.notify(AttrHeartbeat)
}

// SetArmable scripts the autopilot pre-arm check result.
func (m *Mock) SetArmable(armable bool) {
	m.mu.Lock()
	m.armable = armable
	m.mu.Unlock()
}

// SetAltitude scripts the relative altitude.
func (m *Mock) SetAltitude(alt float64) {
	m.mu.Lock()
	m.location.Alt = alt
	m.mu.Unlock()
}

// SetSendError makes every control message fail with err. nil clears it.
func (m *Mock) SetSendError(err error) {
	m.mu.Lock()
	m.failSends = err
	m.mu.Unlock()
}

func (m *Mock) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

func (m *Mock) SetArmed(armed bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if armed {
		m.record("arm")
	} else {
		m.record("disarm")
	}
	changed := m.armed != armed
	m.armed = armed
	m.mu.Unlock()

	if changed {
		m.notify(AttrArmed)
	}
	return nil
}

func (m *Mock) Armable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armable
}

func (m *Mock) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Mock) SetMode(mode Mode) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.record("mode " + mode.String())
	changed := m.mode != mode
	m.mode = mode
	m.mu.Unlock()

	if changed {
		m.notify(AttrMode)
	}
	return nil
}

func (m *Mock) HeartbeatAge() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeatAge
}

func (m *Mock) Takeoff(altitude float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if !m.armed {
		return fmt.Errorf("takeoff: vehicle not armed")
	}
	m.record(fmt.Sprintf("takeoff %.1f", altitude))
	m.location.Alt = altitude
	return nil
}

func (m *Mock) Land() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.record("land")
	m.location.Alt = 0
	changed := m.mode != ModeLand
	m.mode = ModeLand
	m.mu.Unlock()

	if changed {
		m.notify(AttrMode)
	}
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("close")
	m.closed = true
	return nil
}

func (m *Mock) Location() geo.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location
}

func (m *Mock) Yaw() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.yaw
}

func (m *Mock) HasPosition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasPosition
}

func (m *Mock) OnChange(attr Attribute, fn func()) {
	m.add(attr, fn)
}

func (m *Mock) send(msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if m.failSends != nil {
		return m.failSends
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Mock) SendBodyOffset(msg setpoint.BodyOffset) error         { return m.send(msg) }
func (m *Mock) SendGlobalPosition(msg setpoint.GlobalPosition) error { return m.send(msg) }
func (m *Mock) SendConditionYaw(msg setpoint.ConditionYaw) error     { return m.send(msg) }
func (m *Mock) SendROI(msg setpoint.RegionOfInterest) error          { return m.send(msg) }
