package vehicle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v2"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/message"
	"go.bug.st/serial"

	"github.com/teslashibe/go-follow/internal/log"
	"github.com/teslashibe/go-follow/pkg/geo"
	"github.com/teslashibe/go-follow/pkg/setpoint"
)

// MAVLinkConfig configures the autopilot link.
type MAVLinkConfig struct {
	URI              string        `json:"uri"`
	SystemID         byte          `json:"system_id"`         // Our system id; 255 is the GCS convention
	ConnectTimeout   time.Duration `json:"connect_timeout"`   // Wait this long for the first heartbeat
	WatchdogInterval time.Duration `json:"watchdog_interval"` // Heartbeat listeners fire at least this often
}

// DefaultMAVLinkConfig returns the SITL defaults.
func DefaultMAVLinkConfig() MAVLinkConfig {
	return MAVLinkConfig{
		URI:              "tcp:127.0.0.1:5760",
		SystemID:         255,
		ConnectTimeout:   30 * time.Second,
		WatchdogInterval: 500 * time.Millisecond,
	}
}

// MAVLink is a Vehicle backed by a MAVLink v2 connection to an ArduCopter
// autopilot.
type MAVLink struct {
	listeners
	config MAVLinkConfig
	node   *gomavlib.Node
	now    func() time.Time

	mu              sync.Mutex
	targetSystem    uint8
	targetComponent uint8
	armed           bool
	mode            Mode
	systemStatus    common.MAV_STATE
	gpsFix          common.GPS_FIX_TYPE
	location        geo.Location
	hasPosition     bool
	yaw             float64
	lastHeartbeat   time.Time
	closed          bool

	firstBeat     chan struct{}
	firstBeatOnce sync.Once
	done          chan struct{}
}

func newMAVLink(cfg MAVLinkConfig) *MAVLink {
	return &MAVLink{
		config:    cfg,
		now:       time.Now,
		firstBeat: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// DialMAVLink opens the link named by cfg.URI and waits for the autopilot's
// first heartbeat.
func DialMAVLink(ctx context.Context, cfg MAVLinkConfig) (*MAVLink, error) {
	ep, err := ParseURI(cfg.URI)
	if err != nil {
		return nil, err
	}

	endpoint, err := endpointConf(ep)
	if err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:           []gomavlib.EndpointConf{endpoint},
		Dialect:             common.Dialect,
		OutVersion:          gomavlib.V2,
		OutSystemID:         cfg.SystemID,
		StreamRequestEnable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mavlink %s: %w", ep, err)
	}

	m := newMAVLink(cfg)
	m.node = node
	go m.readLoop()
	go m.watchdog()

	log.Info("waiting for autopilot heartbeat", "endpoint", ep.String())

	timeout := time.NewTimer(cfg.ConnectTimeout)
	defer timeout.Stop()

	select {
	case <-m.firstBeat:
		sys, _ := m.target()
		log.Info("vehicle connected", "system", sys, "mode", m.Mode().String())
		return m, nil
	case <-timeout.C:
		m.Close()
		return nil, fmt.Errorf("mavlink %s: %w", ep, ErrNoHeartbeat)
	case <-ctx.Done():
		m.Close()
		return nil, ctx.Err()
	}
}

func endpointConf(ep Endpoint) (gomavlib.EndpointConf, error) {
	switch ep.Transport {
	case TransportSerial:
		port, err := serial.Open(ep.Address, &serial.Mode{BaudRate: ep.Baud})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", ep.Address, err)
		}
		return gomavlib.EndpointCustom{ReadWriteCloser: port}, nil
	case TransportUDPServer:
		return gomavlib.EndpointUDPServer{Address: ep.Address}, nil
	case TransportUDPClient:
		return gomavlib.EndpointUDPClient{Address: ep.Address}, nil
	case TransportTCPClient:
		return gomavlib.EndpointTCPClient{Address: ep.Address}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", ep.Transport)
	}
}

func (m *MAVLink) readLoop() {
	for evt := range m.node.Events() {
		if frm, ok := evt.(*gomavlib.EventFrame); ok {
			m.handle(frm.SystemID(), frm.ComponentID(), frm.Message())
		}
	}
}

// watchdog fires heartbeat listeners even when heartbeats stop arriving, so
// a dead link is noticed.
func (m *MAVLink) watchdog() {
	ticker := time.NewTicker(m.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.notify(AttrHeartbeat)
		}
	}
}

// handle updates telemetry from one received message and fires listeners.
func (m *MAVLink) handle(systemID, componentID byte, msg message.Message) {
	switch msg := msg.(type) {
	case *common.MessageHeartbeat:
		// Other ground stations also send heartbeats.
		if msg.Autopilot == common.MAV_AUTOPILOT_INVALID {
			return
		}

		armed := msg.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		mode := Mode(msg.CustomMode)

		m.mu.Lock()
		if m.targetSystem == 0 {
			m.targetSystem = systemID
			m.targetComponent = componentID
		}
		armedChanged := armed != m.armed
		modeChanged := mode != m.mode || m.lastHeartbeat.IsZero()
		m.armed = armed
		m.mode = mode
		m.systemStatus = msg.SystemStatus
		m.lastHeartbeat = m.now()
		m.mu.Unlock()

		m.firstBeatOnce.Do(func() { close(m.firstBeat) })

		if armedChanged {
			m.notify(AttrArmed)
		}
		if modeChanged {
			m.notify(AttrMode)
		}
		m.notify(AttrHeartbeat)

	case *common.MessageGlobalPositionInt:
		m.mu.Lock()
		m.location = geo.Location{
			Lat: float64(msg.Lat) / 1e7,
			Lon: float64(msg.Lon) / 1e7,
			Alt: float64(msg.RelativeAlt) / 1000,
		}
		m.hasPosition = true
		m.mu.Unlock()

	case *common.MessageAttitude:
		m.mu.Lock()
		m.yaw = float64(msg.Yaw)
		m.mu.Unlock()

	case *common.MessageGpsRawInt:
		m.mu.Lock()
		m.gpsFix = msg.FixType
		m.mu.Unlock()
	}
}

func (m *MAVLink) target() (uint8, uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetSystem, m.targetComponent
}

func (m *MAVLink) write(msg message.Message) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed || m.node == nil {
		return ErrNotConnected
	}
	m.node.WriteMessageAll(msg)
	return nil
}

func (m *MAVLink) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// SetArmed sends an arm or disarm command. Armed reflects the result once the
// next heartbeat arrives.
func (m *MAVLink) SetArmed(armed bool) error {
	sys, comp := m.target()
	return m.write(encodeArm(sys, comp, armed))
}

// Armable requires a 3D GPS fix and an autopilot that has finished booting.
func (m *MAVLink) Armable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	booted := m.systemStatus == common.MAV_STATE_STANDBY || m.systemStatus == common.MAV_STATE_ACTIVE
	return !m.closed && booted && m.gpsFix >= common.GPS_FIX_TYPE_3D_FIX
}

func (m *MAVLink) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *MAVLink) SetMode(mode Mode) error {
	sys, _ := m.target()
	return m.write(encodeSetMode(sys, mode))
}

func (m *MAVLink) HeartbeatAge() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastHeartbeat.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return m.now().Sub(m.lastHeartbeat)
}

func (m *MAVLink) Takeoff(altitude float64) error {
	sys, comp := m.target()
	return m.write(encodeTakeoff(sys, comp, altitude))
}

func (m *MAVLink) Land() error {
	return m.SetMode(ModeLand)
}

func (m *MAVLink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	if m.node != nil {
		m.node.Close()
	}
	return nil
}

func (m *MAVLink) Location() geo.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location
}

func (m *MAVLink) Yaw() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.yaw
}

func (m *MAVLink) HasPosition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasPosition
}

func (m *MAVLink) OnChange(attr Attribute, fn func()) {
	m.add(attr, fn)
}

func (m *MAVLink) SendBodyOffset(msg setpoint.BodyOffset) error {
	sys, comp := m.target()
	return m.write(encodeBodyOffset(sys, comp, msg))
}

func (m *MAVLink) SendGlobalPosition(msg setpoint.GlobalPosition) error {
	sys, comp := m.target()
	return m.write(encodeGlobalPosition(sys, comp, msg))
}

func (m *MAVLink) SendConditionYaw(msg setpoint.ConditionYaw) error {
	sys, comp := m.target()
	return m.write(encodeConditionYaw(sys, comp, msg))
}

func (m *MAVLink) SendROI(msg setpoint.RegionOfInterest) error {
	sys, comp := m.target()
	return m.write(encodeROI(sys, comp, msg))
}

func encodeBodyOffset(sys, comp uint8, m setpoint.BodyOffset) *common.MessageSetPositionTargetLocalNed {
	return &common.MessageSetPositionTargetLocalNed{
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: common.MAV_FRAME_BODY_OFFSET_NED,
		TypeMask:        common.POSITION_TARGET_TYPEMASK(m.TypeMask),
		X:               float32(m.North),
		Y:               float32(m.East),
		Z:               float32(m.Down),
		Yaw:             float32(m.Yaw),
		YawRate:         float32(m.YawRate),
	}
}

func encodeGlobalPosition(sys, comp uint8, m setpoint.GlobalPosition) *common.MessageSetPositionTargetGlobalInt {
	return &common.MessageSetPositionTargetGlobalInt{
		TargetSystem:    sys,
		TargetComponent: comp,
		CoordinateFrame: common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		TypeMask:        common.POSITION_TARGET_TYPEMASK(m.TypeMask),
		LatInt:          int32(math.Round(m.Lat * 1e7)),
		LonInt:          int32(math.Round(m.Lon * 1e7)),
		Alt:             float32(m.Alt),
		Yaw:             float32(m.Yaw),
		YawRate:         float32(m.YawRate),
	}
}

func encodeConditionYaw(sys, comp uint8, m setpoint.ConditionYaw) *common.MessageCommandLong {
	relative := float32(0)
	if m.Relative {
		relative = 1
	}
	return &common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         common.MAV_CMD_CONDITION_YAW,
		Param1:          float32(m.Angle),
		Param2:          float32(m.Speed),
		Param3:          float32(m.Direction),
		Param4:          relative,
	}
}

// roiLocation is MAV_ROI_LOCATION.
const roiLocation = 3

func encodeROI(sys, comp uint8, m setpoint.RegionOfInterest) *common.MessageCommandLong {
	if m.Clear {
		return &common.MessageCommandLong{
			TargetSystem:    sys,
			TargetComponent: comp,
			Command:         common.MAV_CMD_DO_SET_ROI,
		}
	}
	return &common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         common.MAV_CMD_DO_SET_ROI,
		Param1:          roiLocation,
		Param5:          float32(m.Location.Lat),
		Param6:          float32(m.Location.Lon),
		Param7:          float32(m.Location.Alt),
	}
}

func encodeArm(sys, comp uint8, armed bool) *common.MessageCommandLong {
	param := float32(0)
	if armed {
		param = 1
	}
	return &common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         common.MAV_CMD_COMPONENT_ARM_DISARM,
		Param1:          param,
	}
}

func encodeTakeoff(sys, comp uint8, altitude float64) *common.MessageCommandLong {
	return &common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         common.MAV_CMD_NAV_TAKEOFF,
		Param7:          float32(altitude),
	}
}

func encodeSetMode(sys uint8, mode Mode) *common.MessageSetMode {
	return &common.MessageSetMode{
		TargetSystem: sys,
		BaseMode:     common.MAV_MODE(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		CustomMode:   uint32(mode),
	}
}
